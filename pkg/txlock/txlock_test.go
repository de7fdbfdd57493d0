package txlock

import (
	"sync"
	"testing"
	"time"

	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestManager_SingleTransactionRunsImmediately(t *testing.T) {
	m := New(time.Second)
	defer m.Stop()

	ran := make(chan struct{}, 1)
	require.NoError(t, m.Enter("tx1", time.Now(), 0, false, func() { ran <- struct{}{} }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("solo transaction never ran")
	}
}

func TestManager_NonConflictingReadsShareHeadGroup(t *testing.T) {
	m := New(time.Second)
	defer m.Stop()

	var wg sync.WaitGroup
	ran := make(chan string, 2)
	wg.Add(2)
	require.NoError(t, m.Enter("r1", time.Now(), 0, true, func() { defer wg.Done(); ran <- "r1" }))
	require.NoError(t, m.Enter("r2", time.Now(), 0, true, func() { defer wg.Done(); ran <- "r2" }))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("two non-conflicting reads did not both run in the head group")
	}
}

func TestManager_LaterWriterWaitsBehindEarlierWriter(t *testing.T) {
	m := New(time.Second)
	defer m.Stop()

	firstRan := make(chan struct{}, 1)
	require.NoError(t, m.Enter("earlier", time.Now(), 0, false, func() { firstRan <- struct{}{} }))
	<-firstRan

	// A lower-priority writer conflicts with the still-undetermined earlier
	// writer and cannot preempt it, so it is queued into a later group
	// instead of being admitted to the head group.
	secondRan := make(chan struct{}, 1)
	later := time.Now().Add(time.Millisecond)
	require.NoError(t, m.Enter("later", later, 0, false, func() { secondRan <- struct{}{} }))

	select {
	case <-secondRan:
		t.Fatal("later writer ran before the earlier writer exited the lock")
	case <-time.After(50 * time.Millisecond):
	}

	m.SetRole("earlier", types.RoleLocalCommit)

	select {
	case <-secondRan:
	case <-time.After(time.Second):
		t.Fatal("later writer never ran after the earlier writer exited")
	}
}

func TestManager_HigherPriorityWriterRollsBackLowerPriority(t *testing.T) {
	m := New(time.Second)
	defer m.Stop()

	late := time.Now().Add(time.Hour)
	early := time.Now()

	ran := make(chan struct{}, 1)
	require.NoError(t, m.Enter("lower-priority", late, 0, false, func() { ran <- struct{}{} }))
	<-ran

	// An earlier-timestamp (higher-priority) writer should roll back the
	// lower-priority sibling and take its place in the same group.
	require.NoError(t, m.Enter("higher-priority", early, 0, false, func() {}))

	_, err := m.Validate("lower-priority", 0)
	require.Error(t, err)
}

func TestManager_UpgradeFailsWhenOutrankedBySibling(t *testing.T) {
	m := New(time.Second)
	defer m.Stop()

	earlier := time.Now()
	later := earlier.Add(time.Millisecond)

	ranEarlier := make(chan struct{}, 1)
	require.NoError(t, m.Enter("earlier-reader", earlier, 0, true, func() { ranEarlier <- struct{}{} }))
	<-ranEarlier

	ranLater := make(chan struct{}, 1)
	require.NoError(t, m.Enter("later-reader", later, 0, true, func() { ranLater <- struct{}{} }))
	<-ranLater

	// later-reader tries to upgrade to a write lock while earlier-reader,
	// which outranks it, still shares the group: the upgrade must fail.
	err := m.Enter("later-reader", later, 0, false, func() {})
	require.Error(t, err)
	require.True(t, failure.As(err, failure.KindLockUpgrade))
}

func TestManager_UpgradeSucceedsWhenOutrankingSiblings(t *testing.T) {
	m := New(time.Second)
	defer m.Stop()

	earlier := time.Now()
	later := earlier.Add(time.Millisecond)

	ranEarlier := make(chan struct{}, 1)
	require.NoError(t, m.Enter("earlier-reader", earlier, 0, true, func() { ranEarlier <- struct{}{} }))
	<-ranEarlier

	ranLater := make(chan struct{}, 1)
	require.NoError(t, m.Enter("later-reader", later, 0, true, func() { ranLater <- struct{}{} }))
	<-ranLater

	// earlier-reader outranks every other sibling in the group, so its
	// upgrade to a write lock must succeed, rolling back later-reader.
	require.NoError(t, m.Enter("earlier-reader", earlier, 0, false, func() {}))

	_, err := m.Validate("later-reader", 0)
	require.Error(t, err)
}

func TestManager_ValidateDetectsAccessCountMismatch(t *testing.T) {
	m := New(time.Second)
	defer m.Stop()

	require.NoError(t, m.Enter("tx1", time.Now(), 0, false, func() {}))
	_, err := m.Validate("tx1", 1)
	require.Error(t, err)
	require.True(t, failure.As(err, failure.KindLockValidationFailed))
}

func TestManager_SetRoleAdvancesLockExit(t *testing.T) {
	m := New(time.Second)
	defer m.Stop()

	firstRan := make(chan struct{}, 1)
	require.NoError(t, m.Enter("first", time.Now(), 0, false, func() { firstRan <- struct{}{} }))
	<-firstRan

	secondRan := make(chan struct{}, 1)
	later := time.Now().Add(time.Millisecond)
	require.NoError(t, m.Enter("second", later, 0, false, func() { secondRan <- struct{}{} }))

	select {
	case <-secondRan:
		t.Fatal("second writer ran before the first exited the lock")
	case <-time.After(50 * time.Millisecond):
	}

	m.SetRole("first", types.RoleLocalCommit)

	select {
	case <-secondRan:
	case <-time.After(time.Second):
		t.Fatal("second writer never ran after the first exited")
	}
}

func TestManager_RollbackFreesGroupForNextWriter(t *testing.T) {
	m := New(time.Second)
	defer m.Stop()

	firstRan := make(chan struct{}, 1)
	require.NoError(t, m.Enter("first", time.Now(), 0, false, func() { firstRan <- struct{}{} }))
	<-firstRan

	m.Rollback("first")

	secondRan := make(chan struct{}, 1)
	require.NoError(t, m.Enter("second", time.Now(), 0, false, func() { secondRan <- struct{}{} }))

	select {
	case <-secondRan:
	case <-time.After(time.Second):
		t.Fatal("rollback of the head group's sole record never freed the lock")
	}
}

func TestManager_AbortAllMarksHeadGroupAborted(t *testing.T) {
	m := New(time.Second)
	defer m.Stop()

	ran := make(chan struct{}, 1)
	require.NoError(t, m.Enter("tx1", time.Now(), 0, false, func() { ran <- struct{}{} }))
	<-ran

	m.AbortAll()

	role, err := m.Validate("tx1", 0)
	require.NoError(t, err)
	require.Equal(t, types.RoleAbort, role)
}

func TestManager_DeadlineExceededAbortsHeadGroup(t *testing.T) {
	m := New(20 * time.Millisecond)
	defer m.Stop()

	firstRan := make(chan struct{}, 1)
	require.NoError(t, m.Enter("first", time.Now(), 0, false, func() { firstRan <- struct{}{} }))
	<-firstRan

	require.Eventually(t, func() bool {
		role, err := m.Validate("first", 0)
		return err == nil && role == types.RoleAbort
	}, time.Second, 10*time.Millisecond)
}
