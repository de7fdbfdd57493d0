// Package metrics exposes the runtime's Prometheus instrumentation: gauges
// and counters for membership, directory, placement, activations, the
// router, the event broker, and the transactional lock manager.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Membership metrics
	SilosTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "silo_membership_silos_total",
			Help: "Total number of silos known to this silo's membership table, by status",
		},
		[]string{"status"},
	)

	TableVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "silo_membership_table_version",
			Help: "Current membership table version observed by this silo",
		},
	)

	MembershipContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silo_membership_contention_total",
			Help: "Total number of optimistic-concurrency rejections on membership row updates",
		},
	)

	ProbesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_membership_probes_sent_total",
			Help: "Total number of liveness probes sent, by outcome",
		},
		[]string{"outcome"},
	)

	SilosMarkedDeadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silo_membership_marked_dead_total",
			Help: "Total number of silos this process has marked Dead",
		},
	)

	// Directory metrics
	DirectoryCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "silo_directory_cache_entries",
			Help: "Number of non-owned directory entries currently cached",
		},
	)

	DirectoryCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_directory_cache_total",
			Help: "Total directory cache lookups, by hit/miss",
		},
		[]string{"result"},
	)

	DirectoryRegistrationRacesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silo_directory_registration_races_total",
			Help: "Total number of concurrent-registration races resolved by the directory",
		},
	)

	// Placement / catalog metrics
	ActivationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "silo_activations_total",
			Help: "Total number of activations hosted locally, by grain type",
		},
		[]string{"grain_type"},
	)

	PlacementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "silo_placement_latency_seconds",
			Help:    "Time taken to choose a placement for a new activation",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActivationsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silo_activations_created_total",
			Help: "Total number of activations created",
		},
	)

	DeactivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_deactivations_total",
			Help: "Total number of activations deactivated, by reason",
		},
		[]string{"reason"},
	)

	// Scheduler metrics
	SchedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "silo_scheduler_queue_depth",
			Help: "Sum of queued work items across all activation work groups",
		},
	)

	WorkItemLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "silo_scheduler_work_item_latency_seconds",
			Help:    "Time a work item spent queued before execution",
			Buckets: prometheus.DefBuckets,
		},
	)

	TurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "silo_scheduler_turn_duration_seconds",
			Help:    "Time taken to execute one scheduler turn",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Router metrics
	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_router_messages_sent_total",
			Help: "Total number of messages sent, by direction",
		},
		[]string{"direction"},
	)

	MessagesTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silo_router_messages_timed_out_total",
			Help: "Total number of outstanding requests completed by the timeout sweeper",
		},
	)

	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_router_rejections_total",
			Help: "Total number of rejected messages, by rejection kind",
		},
		[]string{"kind"},
	)

	RetriesExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silo_router_retries_exhausted_total",
			Help: "Total number of messages that exceeded the maximum retry count",
		},
	)

	PendingCallbacks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "silo_router_pending_callbacks",
			Help: "Number of outstanding callback records awaiting a response",
		},
	)

	// Event broker metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_events_published_total",
			Help: "Total number of events published to the event broker, by event type",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_events_dropped_total",
			Help: "Total number of event deliveries dropped because a subscriber's buffer was full, by event type",
		},
		[]string{"type"},
	)

	// Transactional lock manager metrics
	LockGroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "silo_txlock_groups_total",
			Help: "Sum of queued lock groups across all tracked grains",
		},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "silo_txlock_wait_duration_seconds",
			Help:    "Time a transaction waited between enter() and becoming head-of-queue",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silo_txlock_failures_total",
			Help: "Total number of lock-manager failures, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		SilosTotal,
		TableVersion,
		MembershipContentionTotal,
		ProbesSentTotal,
		SilosMarkedDeadTotal,
		DirectoryCacheSize,
		DirectoryCacheHitsTotal,
		DirectoryRegistrationRacesTotal,
		ActivationsTotal,
		PlacementLatency,
		ActivationsCreatedTotal,
		DeactivationsTotal,
		SchedulerQueueDepth,
		WorkItemLatency,
		TurnDuration,
		MessagesSentTotal,
		MessagesTimedOutTotal,
		RejectionsTotal,
		RetriesExhaustedTotal,
		PendingCallbacks,
		EventsPublishedTotal,
		EventsDroppedTotal,
		LockGroupsTotal,
		LockWaitDuration,
		LockFailuresTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with
// labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time since start to histogram. A
// package-level convenience for call sites that time a span with a plain
// time.Time rather than a Timer.
func ObserveDuration(histogram prometheus.Histogram, start time.Time) {
	histogram.Observe(time.Since(start).Seconds())
}
