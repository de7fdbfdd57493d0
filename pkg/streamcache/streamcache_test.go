package streamcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_AddMessagesReturnsPositions(t *testing.T) {
	c := NewCache(time.Minute, 100, 1000)

	positions := c.AddMessages("stream-a", []Message{
		{Token: 1, Payload: []byte("one")},
		{Token: 2, Payload: []byte("two")},
	}, time.Now())

	require.Equal(t, []SequenceToken{1, 2}, positions)
}

func TestCache_TryGetNextReturnsOnlyNewerMessages(t *testing.T) {
	c := NewCache(time.Minute, 100, 1000)
	c.AddMessages("stream-a", []Message{
		{Token: 1, Payload: []byte("one")},
		{Token: 2, Payload: []byte("two")},
		{Token: 3, Payload: []byte("three")},
	}, time.Now())

	cursor := c.GetCursor("stream-a", 1)
	batch, advanced, ok := c.TryGetNext(cursor)
	require.True(t, ok)
	require.Len(t, batch, 2)
	require.Equal(t, SequenceToken(2), batch[0].Token)
	require.Equal(t, SequenceToken(3), batch[1].Token)
	require.Equal(t, SequenceToken(3), advanced.Token)

	_, _, ok = c.TryGetNext(advanced)
	require.False(t, ok, "no cached message is newer than the fully-drained cursor")
}

func TestCache_TryGetNextMissesUnknownStream(t *testing.T) {
	c := NewCache(time.Minute, 100, 1000)
	_, _, ok := c.TryGetNext(Cursor{StreamID: "never-seen", Token: 0})
	require.False(t, ok)
}

func TestCache_MaxPerStreamDropsOldestFirst(t *testing.T) {
	c := NewCache(time.Minute, 2, 1000)
	c.AddMessages("stream-a", []Message{
		{Token: 1},
		{Token: 2},
		{Token: 3},
	}, time.Now())

	batch, _, ok := c.TryGetNext(Cursor{StreamID: "stream-a", Token: 0})
	require.True(t, ok)
	require.Len(t, batch, 2)
	require.Equal(t, SequenceToken(2), batch[0].Token)
	require.Equal(t, SequenceToken(3), batch[1].Token)
}

func TestCache_SweepEvictsMessagesPastMaxAge(t *testing.T) {
	c := NewCache(10*time.Millisecond, 100, 1000)
	c.AddMessages("stream-a", []Message{{Token: 1}}, time.Now().Add(-time.Hour))
	c.sweep()

	_, exists := c.streams["stream-a"]
	require.False(t, exists, "a message older than maxAge must be swept, along with its now-empty stream buffer")
}

func TestCache_IsUnderPressureReflectsTotalBufferedCount(t *testing.T) {
	c := NewCache(time.Minute, 100, 2)
	require.False(t, c.IsUnderPressure())

	c.AddMessages("stream-a", []Message{{Token: 1}, {Token: 2}, {Token: 3}}, time.Now())
	require.False(t, c.IsUnderPressure(), "pressure is only recomputed on sweep")

	c.sweep()
	require.True(t, c.IsUnderPressure())
}

func TestCache_SignalPurgeTriggersImmediateSweep(t *testing.T) {
	c := NewCache(5*time.Millisecond, 100, 1000)
	c.Start()
	defer c.Stop()

	c.AddMessages("stream-a", []Message{{Token: 1}}, time.Now().Add(-time.Hour))
	c.SignalPurge()

	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		_, exists := c.streams["stream-a"]
		return !exists
	}, time.Second, 5*time.Millisecond)
}
