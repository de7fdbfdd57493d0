package activation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grainhive/grainhive/pkg/types"
	"github.com/stretchr/testify/require"
)

func testAddress() types.ActivationAddress {
	return types.ActivationAddress{
		Grain:      types.NewGUIDGrainID("Account", "a1"),
		Silo:       types.SiloAddress{Endpoint: "127.0.0.1:9001", Generation: 1},
		Activation: "act-1",
	}
}

func TestScheduler_NonReentrantRunsOneAtATime(t *testing.T) {
	s := New(testAddress(), types.ReentrancyNone, nil)

	var running int32
	var maxConcurrent int32
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, s.Enqueue(WorkItem{Run: func(ctx context.Context) {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				cur := atomic.LoadInt32(&maxConcurrent)
				if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
		}}))
	}
	wg.Wait()

	require.EqualValues(t, 1, maxConcurrent)
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestScheduler_ReentrantFullRunsConcurrently(t *testing.T) {
	s := New(testAddress(), types.ReentrancyFull, nil)

	var wg sync.WaitGroup
	start := make(chan struct{})
	var concurrentCount int32
	var maxConcurrent int32

	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, s.Enqueue(WorkItem{Run: func(ctx context.Context) {
			defer wg.Done()
			n := atomic.AddInt32(&concurrentCount, 1)
			for {
				cur := atomic.LoadInt32(&maxConcurrent)
				if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
					break
				}
			}
			<-start
			atomic.AddInt32(&concurrentCount, -1)
		}}))
	}
	time.Sleep(20 * time.Millisecond)
	close(start)
	wg.Wait()

	require.Greater(t, maxConcurrent, int32(1))
}

func TestScheduler_CallChainReentrancyInterleavesSameChainOnly(t *testing.T) {
	s := New(testAddress(), types.ReentrancyCallChain, nil)

	blockChain1 := make(chan struct{})
	chain1Done := make(chan struct{})
	chain2Ran := make(chan struct{}, 1)

	require.NoError(t, s.Enqueue(WorkItem{ChainRootID: 1, Run: func(ctx context.Context) {
		<-blockChain1
		close(chain1Done)
	}}))
	time.Sleep(10 * time.Millisecond)

	// Different chain: must NOT run while chain 1 holds the activation.
	require.NoError(t, s.Enqueue(WorkItem{ChainRootID: 2, Run: func(ctx context.Context) {
		chain2Ran <- struct{}{}
	}}))

	select {
	case <-chain2Ran:
		t.Fatal("a different call chain ran while chain 1 was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	// Same chain: must be admitted to interleave with the in-flight turn.
	sameChainRan := make(chan struct{}, 1)
	require.NoError(t, s.Enqueue(WorkItem{ChainRootID: 1, Run: func(ctx context.Context) {
		sameChainRan <- struct{}{}
	}}))

	select {
	case <-sameChainRan:
	case <-time.After(time.Second):
		t.Fatal("same-chain work item was never admitted to interleave")
	}

	close(blockChain1)
	<-chain1Done
}

func TestScheduler_StopRejectsNewMessagesButDrainsQueue(t *testing.T) {
	s := New(testAddress(), types.ReentrancyNone, nil)

	ran := make(chan struct{}, 1)
	require.NoError(t, s.Enqueue(WorkItem{Run: func(ctx context.Context) {
		time.Sleep(10 * time.Millisecond)
		ran <- struct{}{}
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case <-ran:
	default:
		t.Fatal("queued item did not drain before Stop returned")
	}

	err := s.Enqueue(WorkItem{Run: func(ctx context.Context) {}})
	require.Error(t, err)
}

func TestScheduler_PredicateReentrancyConsultsPredicate(t *testing.T) {
	allow := make(chan bool, 1)
	predicate := func(item WorkItem) bool { return <-allow }

	s := New(testAddress(), types.ReentrancyPredicate, predicate)

	block := make(chan struct{})
	require.NoError(t, s.Enqueue(WorkItem{Run: func(ctx context.Context) { <-block } }))
	time.Sleep(10 * time.Millisecond)

	secondRan := make(chan struct{}, 1)
	require.NoError(t, s.Enqueue(WorkItem{Run: func(ctx context.Context) { secondRan <- struct{}{} }}))

	allow <- false
	select {
	case <-secondRan:
		t.Fatal("predicate returning false must not admit the item")
	case <-time.After(30 * time.Millisecond):
	}

	allow <- true
	s.notify()
	select {
	case <-secondRan:
	case <-time.After(time.Second):
		t.Fatal("predicate returning true should eventually admit the item")
	}

	close(block)
}
