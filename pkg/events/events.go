package events

import (
	"sync"
	"time"

	"github.com/grainhive/grainhive/pkg/metrics"
	"github.com/grainhive/grainhive/pkg/types"
)

// EventType identifies the kind of runtime event being reported.
type EventType string

const (
	EventSiloJoined            EventType = "silo.joined"
	EventSiloLeft              EventType = "silo.left"
	EventSiloDown              EventType = "silo.down"
	EventActivationCreated     EventType = "activation.created"
	EventActivationDeactivated EventType = "activation.deactivated"
	EventActivationFailed      EventType = "activation.failed"
	EventDirectoryInvalidated  EventType = "directory.invalidated"
	EventDirectoryRaceResolved EventType = "directory.race_resolved"
	EventReminderFired         EventType = "reminder.fired"
	EventReminderRedistributed EventType = "reminder.redistributed"
	EventStreamPurged          EventType = "stream.purged"
)

// Event is one runtime occurrence. Activation is set for events that
// belong to a specific activation's turn history (creation, deactivation,
// invocation failure, a resolved directory race); it is the zero
// ActivationAddress for silo- or cluster-wide events, which carry no
// per-activation order.
type Event struct {
	ID         string
	Type       EventType
	Activation types.ActivationAddress
	Seq        uint64
	Timestamp  time.Time
	Message    string
	Metadata   map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// eventBacklog bounds how many published events may be queued for the
// broker's single distribution goroutine before Publish itself starts
// blocking. Sized deeper than a per-subscriber buffer because one silo's
// activations all publish through this one channel, so a burst across
// many concurrently-running turns must not back up into Publish callers.
const eventBacklog = 256

// subscriberBacklog bounds how many events a single slow subscriber may
// lag behind before broadcast starts dropping for it specifically,
// instead of stalling delivery to every other subscriber.
const subscriberBacklog = 64

// Broker fans published events out to every active subscriber and assigns
// each activation-scoped event a per-activation sequence number, so a
// subscriber can detect gaps or reordering in one activation's event
// history even though delivery across different activations is
// unordered.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	seqMu sync.Mutex
	seq   map[types.ActivationAddress]uint64
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, eventBacklog),
		stopCh:      make(chan struct{}),
		seq:         make(map[types.ActivationAddress]uint64),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBacklog)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues event for delivery. If event.Activation is set, it is
// stamped with the next sequence number for that activation before
// queuing, giving subscribers a way to order or detect drops within that
// activation's own event history.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Activation != (types.ActivationAddress{}) {
		b.seqMu.Lock()
		b.seq[event.Activation]++
		event.Seq = b.seq[event.Activation]
		b.seqMu.Unlock()
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

// broadcast fans event out to every subscriber without blocking on any
// one of them: a subscriber whose buffer is full drops this event rather
// than stalling delivery to the rest, and the drop is counted so a slow
// consumer is visible in metrics instead of silently losing history.
func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			metrics.EventsDroppedTotal.WithLabelValues(string(event.Type)).Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
