/*
Package metrics provides Prometheus metrics collection and exposition for
the silo runtime.

Every metric carries a `silo_` prefix and one of seven category prefixes
matching the package that owns it: `silo_membership_*`,
`silo_directory_*`, `silo_activations_*` / `silo_placement_*`,
`silo_scheduler_*`, `silo_router_*`, `silo_events_*`, `silo_txlock_*`. All metrics are
registered against the default Prometheus registry at package init and
served by Handler, normally mounted at /metrics (see
pkg/silo.ServeStatusHTTP).

# Membership

	silo_membership_silos_total{status}         gauge  silos known to this silo, by status
	silo_membership_table_version                gauge  current membership table version observed
	silo_membership_contention_total              counter  optimistic-concurrency rejections on membership updates
	silo_membership_probes_sent_total{outcome}    counter  liveness probes sent, by outcome
	silo_membership_marked_dead_total             counter  silos this process has marked Dead

# Directory

	silo_directory_cache_entries                  gauge    non-owned directory entries cached
	silo_directory_cache_total{result}            counter  cache lookups, by hit/miss
	silo_directory_registration_races_total       counter  concurrent-registration races resolved

# Placement / Catalog

	silo_activations_total{grain_type}            gauge     activations hosted locally, by grain type
	silo_placement_latency_seconds                histogram time to choose a placement for a new activation
	silo_activations_created_total                counter   activations created
	silo_deactivations_total{reason}              counter   activations deactivated, by reason

# Scheduler

	silo_scheduler_queue_depth                    gauge     queued work items, summed across activations
	silo_scheduler_work_item_latency_seconds      histogram time a work item waited before execution
	silo_scheduler_turn_duration_seconds           histogram time to execute one scheduler turn

# Router

	silo_router_messages_sent_total{direction}    counter  messages sent, by direction
	silo_router_messages_timed_out_total          counter  requests completed by the timeout sweeper
	silo_router_rejections_total{kind}            counter  rejected messages, by rejection kind
	silo_router_retries_exhausted_total           counter  messages that exceeded the max retry count
	silo_router_pending_callbacks                 gauge    outstanding callback records

# Events

	silo_events_published_total{type}             counter  events published to the broker, by event type
	silo_events_dropped_total{type}               counter  events dropped at a full subscriber buffer, by event type

# Transactional Lock Manager

	silo_txlock_groups_total                      gauge     queued lock groups, summed across grains
	silo_txlock_wait_duration_seconds              histogram wait between enter() and head-of-queue
	silo_txlock_failures_total{kind}               counter   lock-manager failures, by kind

# Usage

Timer and the package-level ObserveDuration helper exist so call sites
can time a span without repeating time.Since(start).Seconds() at every
observation point:

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDuration(metrics.PlacementLatency)

	start := time.Now()
	// ... do work ...
	metrics.ObserveDuration(metrics.TurnDuration, start)

# Dashboards

A small set of PromQL expressions cover the signals operators care about
most:

  - Placement latency: histogram_quantile(0.95, rate(silo_placement_latency_seconds_bucket[5m]))
  - Scheduler backlog: silo_scheduler_queue_depth
  - Directory cache hit rate: rate(silo_directory_cache_total{result="hit"}[5m]) / rate(silo_directory_cache_total[5m])
  - Router rejection rate: rate(silo_router_rejections_total[5m])
  - Lock contention: rate(silo_txlock_failures_total[5m])
*/
package metrics
