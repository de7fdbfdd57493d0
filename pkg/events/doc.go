/*
Package events provides an in-memory event broker for the silo's internal
pub/sub messaging.

The events package implements a lightweight event bus for broadcasting
runtime events to interested subscribers. It supports asynchronous event
delivery, enabling loose coupling between the membership oracle, the
activation catalog, the reminder table, and other components that need to
react to state changes without calling each other directly.

# Architecture

The event system provides pub/sub messaging with buffered channels:

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Publish may block                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → per-activation Seq stamp       │          │
	│  │       ↓  → Event Channel (buffer: 256)      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 64 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  Silo Events:                               │          │
	│  │    - silo.joined                            │          │
	│  │    - silo.left                              │          │
	│  │    - silo.down                              │          │
	│  │                                              │          │
	│  │  Activation Events:                         │          │
	│  │    - activation.created                     │          │
	│  │    - activation.deactivated                 │          │
	│  │    - activation.failed                      │          │
	│  │                                              │          │
	│  │  Directory Events:                          │          │
	│  │    - directory.invalidated                  │          │
	│  │    - directory.race_resolved                │          │
	│  │                                              │          │
	│  │  Reminder / Stream Events:                  │          │
	│  │    - reminder.fired, reminder.redistributed │          │
	│  │    - stream.purged                          │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  Metrics: Count events for dashboards       │          │
	│  │  CLI status: Stream events to silod status  │          │
	│  │  Audit: Record membership transitions       │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Buffered publish channel (256 events); Publish waits while it is full
  - Stamps activation-scoped events with a per-activation sequence number
  - Graceful shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (silo.joined, activation.failed, etc.)
  - Activation: the activation this event belongs to, or the zero
    ActivationAddress for a silo- or cluster-wide event
  - Seq: this event's position in its Activation's event history (zero
    for events with no Activation)
  - Timestamp: When event occurred
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context

Subscriber:
  - Channel that receives Event pointers
  - Buffered (64 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

Event Types:
  - Silo: joined, left, down
  - Activation: created, deactivated, failed
  - Directory: invalidated, race_resolved
  - Reminder: fired, redistributed
  - Stream: purged

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Event added to main event channel (waits while the channel is full)
 3. Broadcast loop receives event
 4. Event sent to all subscriber channels
 5. Subscribers receive event asynchronously
 6. Full subscriber buffers skip (no blocking)

Subscribe Flow:
 1. Subscriber calls broker.Subscribe()
 2. New buffered channel created
 3. Channel registered in subscriber map
 4. Subscriber channel returned
 5. Subscriber receives events via channel
 6. Subscriber processes events in own goroutine

Unsubscribe Flow:
 1. Subscriber calls broker.Unsubscribe(channel)
 2. Channel removed from subscriber map
 3. Channel closed
 4. Subscriber stops receiving events

# Usage

Creating and Starting Broker:

	import "github.com/grainhive/grainhive/pkg/events"

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing to Events:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
		}
	}()

Publishing Events:

	event := &events.Event{
		ID:      "evt-123",
		Type:    events.EventActivationCreated,
		Message: "Activation created for grain counter/g1",
		Metadata: map[string]string{
			"grain_type": "counter",
			"grain_key":  "g1",
			"silo":       "10.0.0.5:7400",
		},
	}
	broker.Publish(event)

Filtering Events by Type:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventSiloDown:
				handleSiloDown(event)
			case events.EventActivationFailed:
				handleActivationFailed(event)
			default:
				// Ignore other events
			}
		}
	}()

Complete Example:

	package main

	import (
		"fmt"
		"time"
		"github.com/grainhive/grainhive/pkg/events"
	)

	func main() {
		// Create and start broker
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		// Subscribe to events
		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)

		// Process events in background
		go func() {
			for event := range sub {
				fmt.Printf("[%s] %s: %s\n",
					event.Timestamp.Format("15:04:05"),
					event.Type,
					event.Message)
			}
		}()

		// Publish events
		broker.Publish(&events.Event{
			Type:    events.EventSiloJoined,
			Message: "Silo 10.0.0.6:7400 joined the cluster",
		})

		broker.Publish(&events.Event{
			Type:    events.EventActivationFailed,
			Message: "Activation failed for grain counter/g9: deadline exceeded",
			Metadata: map[string]string{
				"grain_type": "counter",
				"grain_key":  "g9",
				"error":      "deadline exceeded",
			},
		})

		// Wait for events to be processed
		time.Sleep(100 * time.Millisecond)
	}

# Integration Points

This package integrates with:

  - pkg/silo: publishes every event this module emits, on behalf of the
    components it wires together: silo joined/left/down from membership
    refreshes, activation created/deactivated/failed from catalog hooks,
    directory race resolution from dispatch, and reminder fired/
    redistributed from its reminder scan
  - directory.invalidated and stream.purged are defined here, but nothing
    in this module publishes them

# Event Types Catalog

Silo Events:

EventSiloJoined:
  - Published when: a silo is admitted to the membership table
  - Metadata: silo_address
  - Subscribers: metrics, audit

EventSiloLeft:
  - Published when: a silo gracefully leaves the cluster
  - Metadata: silo_address
  - Subscribers: metrics, audit

EventSiloDown:
  - Published when: a silo is declared Dead by the membership oracle
  - Metadata: silo_address
  - Subscribers: placement (exclude from future decisions), alerting

Activation Events:

EventActivationCreated:
  - Published when: a new activation is created in the catalog
  - Metadata: grain_type, grain_key, silo
  - Subscribers: metrics

EventActivationDeactivated:
  - Published when: an activation is deactivated (idle timeout, eviction,
    explicit deactivate-on-idle, or shutdown drain)
  - Metadata: grain_type, grain_key, reason
  - Subscribers: metrics, audit

EventActivationFailed:
  - Published when: activation creation or a turn aborts irrecoverably
  - Metadata: grain_type, grain_key, error
  - Subscribers: alerting

Directory Events:

EventDirectoryInvalidated:
  - Published when: a cached directory entry is invalidated by a stale
    activation rejection
  - Metadata: grain_type, grain_key
  - Subscribers: metrics

EventDirectoryRaceResolved:
  - Published when: two silos race to register the same grain and the
    directory picks a deterministic winner
  - Metadata: grain_type, grain_key, winner_silo
  - Subscribers: metrics

Reminder / Stream Events:

EventReminderFired:
  - Published when: a reminder's due time elapses and its grain is ticked
  - Metadata: grain_type, grain_key, reminder_name
  - Subscribers: metrics

EventReminderRedistributed:
  - Published when: a silo takes over reminder rows from a departed peer
  - Metadata: hash_begin, hash_end, row_count
  - Subscribers: metrics, audit

EventStreamPurged:
  - Published when: the stream cache evicts messages for a stream
  - Metadata: stream_id, purged_count
  - Subscribers: metrics

# Design Patterns

Buffered Publish:
  - Publish sends to a buffered channel (256 events)
  - Returns once the event is queued; waits while the channel is full,
    and stops waiting once Stop has been called
  - The broker channel never drops events; drops happen only at full
    subscriber buffers (see Fan-Out)
  - Trade-off: publishers slow down rather than lose events at the broker

Fan-Out Pattern:
  - Single event broadcast to all subscribers
  - Each subscriber gets own channel
  - Independent processing rates
  - Full buffers skip to prevent blocking

Fire-and-Forget:
  - No acknowledgment from subscribers
  - No retry on delivery failure
  - Simplifies broker implementation
  - Suitable for monitoring, not the consistency-critical paths themselves

Graceful Shutdown:
  - broker.Stop() signals the broadcast loop
  - Events still queued in the event channel are not delivered
  - Subscriber channels remain open
  - Explicit Unsubscribe to close channels

# Limitations

Current Limitations:
  - In-memory only (no persistence)
  - No event replay or history
  - No guaranteed delivery (best effort); drops are counted in
    metrics.EventsDroppedTotal by event type, not silent
  - No topic-based filtering (all events broadcast)
  - Ordering is only guaranteed within one activation's own Seq sequence;
    events across different activations (or with no Activation set)
    carry no relative order guarantee

Workarounds:
  - Persistence: subscribe and write to the reminder/state store
  - History: store events in a separate event log
  - Guaranteed delivery: route the underlying state change through the
    transactional state lock manager instead, which is durable
  - Filtering: filter at the subscriber side by event type

# Best Practices

Do:
  - Always defer broker.Unsubscribe(sub)
  - Process events asynchronously in a goroutine
  - Filter events by type at the subscriber
  - Include relevant metadata in events
  - Start the broker before publishing events

Don't:
  - Block in the subscriber event loop
  - Process events synchronously (blocking)
  - Publish events before broker.Start()
  - Forget to unsubscribe (causes leaks)
  - Rely on event delivery for correctness-critical operations

# See Also

  - pkg/silo, which publishes the events described here
  - pkg/catalog for the activation lifecycle these events describe
  - pkg/reminder for the reminder table these events describe
  - Pub/sub pattern: https://en.wikipedia.org/wiki/Publish%E2%80%93subscribe_pattern
*/
package events
