package events

import (
	"testing"
	"time"

	"github.com/grainhive/grainhive/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventSiloJoined, Message: "silo joined"})

	select {
	case ev := <-sub:
		require.Equal(t, EventSiloJoined, ev.Type)
		require.False(t, ev.Timestamp.IsZero(), "Publish must stamp a zero Timestamp")
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the published event")
	}
}

func TestBroker_FansOutToAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(&Event{Type: EventActivationCreated})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			require.Equal(t, EventActivationCreated, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("a subscriber missed the broadcast event")
		}
	}
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	require.False(t, ok, "Unsubscribe must close the subscriber channel")
}

func TestBroker_AssignsPerActivationSequenceNumbers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	addrA := types.ActivationAddress{Grain: types.NewGUIDGrainID("Account", "a1"), Activation: "act-a"}
	addrB := types.ActivationAddress{Grain: types.NewGUIDGrainID("Account", "b1"), Activation: "act-b"}

	b.Publish(&Event{Type: EventActivationCreated, Activation: addrA})
	b.Publish(&Event{Type: EventActivationFailed, Activation: addrA})
	b.Publish(&Event{Type: EventActivationCreated, Activation: addrB})

	var gotA, gotB []uint64
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub:
			switch ev.Activation {
			case addrA:
				gotA = append(gotA, ev.Seq)
			case addrB:
				gotB = append(gotB, ev.Seq)
			}
		case <-time.After(time.Second):
			t.Fatal("missed a published event")
		}
	}

	require.Equal(t, []uint64{1, 2}, gotA, "events for the same activation get increasing sequence numbers")
	require.Equal(t, []uint64{1}, gotB, "a different activation's sequence starts over at 1")
}

func TestBroker_ProcessWideEventHasZeroSequence(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventSiloJoined})

	select {
	case ev := <-sub:
		require.Equal(t, types.ActivationAddress{}, ev.Activation)
		require.Zero(t, ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the published event")
	}
}

func TestBroker_FullSubscriberBufferSkipsRatherThanBlocks(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 200; i++ {
		b.Publish(&Event{Type: EventReminderFired, Message: "tick"})
	}

	// Draining must not hang even though far more events were published
	// than the subscriber's buffer can hold.
	timeout := time.After(time.Second)
	drained := 0
	for {
		select {
		case <-sub:
			drained++
		case <-timeout:
			require.Greater(t, drained, 0)
			return
		}
	}
}
