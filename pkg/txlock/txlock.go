// Package txlock implements the per-grain Transactional State Lock
// Manager (§4.8): an ordered list of LockGroups whose head group holds
// the lock, admitting non-conflicting transactions as a batch and
// releasing them as their commit role becomes known, in timestamp order.
package txlock

import (
	"sync"
	"time"

	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/metrics"
	"github.com/grainhive/grainhive/pkg/types"
)

// MaxGroupSize bounds how many transactions may share a single LockGroup.
const MaxGroupSize = 64

// record is one transaction's bookkeeping inside a LockGroup.
type record struct {
	tx          types.TransactionRecord
	accessCount int
	task        func()
	exited      bool
}

// LockGroup is one node of the per-grain lock list: a set of
// non-conflicting transactions that may proceed together.
type LockGroup struct {
	records  map[string]*record
	order    []string // insertion order, for deterministic conflict scans
	deadline time.Time

	// fillCount is monotonic: it counts every transaction ever admitted
	// into this group, and is never decremented when a record rolls back
	// or exits. A group is retired (never reused) once rotated past, so
	// this only ever bounds how many distinct transactions a group has
	// ever held, not how many it currently holds.
	fillCount int

	cachedMinValid bool
	cachedMin      time.Time

	next *LockGroup
}

func newLockGroup() *LockGroup {
	return &LockGroup{records: make(map[string]*record)}
}

func (g *LockGroup) invalidateCache() { g.cachedMinValid = false }

// minPendingTimestamp returns the minimum priority timestamp among records
// whose role is still NotYetDetermined, using the cached value when valid.
func (g *LockGroup) minPendingTimestamp() (time.Time, bool) {
	if g.cachedMinValid {
		return g.cachedMin, true
	}
	var min time.Time
	found := false
	for _, r := range g.records {
		if r.tx.Role != types.RoleNotYetDetermined {
			continue
		}
		if !found || r.tx.Priority.Before(min) {
			min, found = r.tx.Priority, true
		}
	}
	if found {
		g.cachedMin, g.cachedMinValid = min, true
	}
	return min, found
}

// conflictingSiblings returns the existing records in the group that a
// candidate with access mode isRead conflicts with: a read conflicts only
// with concurrent writers; a writer conflicts with every record (§4.8
// "Conflict rule").
func (g *LockGroup) conflictingSiblings(isRead bool) []*record {
	var out []*record
	for _, key := range g.order {
		r, ok := g.records[key]
		if !ok {
			continue
		}
		if isRead && r.tx.IsRead {
			continue // read/read never conflicts
		}
		out = append(out, r)
	}
	return out
}

// Manager is the lock manager for one grain.
type Manager struct {
	mu   sync.Mutex
	head *LockGroup
	// byTx maps a transaction id to the group currently holding its record,
	// for O(1) lookup on validate/rollback regardless of queue depth.
	byTx map[string]*LockGroup

	groupDeadline time.Duration

	exitCh chan struct{}
	stop   chan struct{}
}

// New creates an empty lock manager; groupDeadline bounds how long a
// group may hold the lock before LockDeadlineExceeded aborts it.
func New(groupDeadline time.Duration) *Manager {
	if groupDeadline <= 0 {
		groupDeadline = 10 * time.Second
	}
	head := newLockGroup()
	m := &Manager{
		head:          head,
		byTx:          make(map[string]*LockGroup),
		groupDeadline: groupDeadline,
		exitCh:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	metrics.LockGroupsTotal.Set(1)
	go m.lockExitLoop()
	return m
}

// Enter places a transaction in the lock queue and schedules task to run
// once its group becomes head (immediately, if it already is). See §4.8
// "enter". Re-entering with the same access mode is idempotent; re-entering
// with a stricter mode (read upgrading to write) while sharing a group with
// any sibling that it does not outrank in priority fails with LockUpgrade.
func (m *Manager) Enter(txID string, priority time.Time, accessCount int, isRead bool, task func()) error {
	m.mu.Lock()

	if g, ok := m.byTx[txID]; ok {
		r := g.records[txID]
		if !isRead && r.tx.IsRead {
			if err := m.upgradeLocked(txID, g); err != nil {
				m.mu.Unlock()
				return err
			}
			g = m.byTx[txID]
		}
		r = g.records[txID]
		r.accessCount = accessCount
		runNow := g == m.head
		m.mu.Unlock()
		if runNow {
			task()
		}
		return nil
	}

	g := m.admit(txID, priority, accessCount, isRead)
	g.records[txID].task = task
	runNow := g == m.head
	m.mu.Unlock()

	if runNow {
		task()
	}
	return nil
}

// upgradeLocked attempts to escalate txID's seated record from a read to a
// write lock in place: it succeeds only if txID outranks every other
// sibling in the group in priority, and then rolls all of them back;
// otherwise the upgrade fails and txID's seat is unchanged.
// Must be called with m.mu held.
func (m *Manager) upgradeLocked(txID string, current *LockGroup) error {
	self := current.records[txID]
	var others []*record
	for _, key := range current.order {
		if key == txID {
			continue
		}
		if r, ok := current.records[key]; ok {
			others = append(others, r)
		}
	}
	for _, r := range others {
		if !self.tx.Priority.Before(r.tx.Priority) {
			return failure.New(failure.KindLockUpgrade, "tx %s cannot upgrade to a write lock: a concurrent sibling outranks it", txID)
		}
	}
	for _, r := range others {
		m.rollbackLocked(r.tx.TxID)
	}
	self.tx.IsRead = false
	current.invalidateCache()
	return nil
}

// admit walks the list from head, inserting into the first group with room
// and no unresolvable conflict, rolling back lower-priority conflicting
// siblings when the incoming transaction outranks them. A transaction that
// cannot be placed in an existing group (it conflicts with an equal-or-
// higher-priority holder) simply waits for a later group rather than
// failing — only an in-place lock upgrade (see upgradeLocked) can report
// LockUpgrade. Must be called with m.mu held.
func (m *Manager) admit(txID string, priority time.Time, accessCount int, isRead bool) *LockGroup {
	for g := m.head; g != nil; g = g.next {
		if g.fillCount >= MaxGroupSize {
			continue
		}
		conflicting := g.conflictingSiblings(isRead)
		if len(conflicting) == 0 {
			m.insertInto(g, txID, priority, accessCount, isRead)
			return g
		}

		resolvable := true
		for _, r := range conflicting {
			if !priority.Before(r.tx.Priority) {
				resolvable = false
				break
			}
		}
		if !resolvable {
			continue
		}
		for _, r := range conflicting {
			m.rollbackLocked(r.tx.TxID)
		}
		m.insertInto(g, txID, priority, accessCount, isRead)
		return g
	}

	tail := m.tailLocked()
	newGroup := newLockGroup()
	tail.next = newGroup
	metrics.LockGroupsTotal.Inc()
	m.insertInto(newGroup, txID, priority, accessCount, isRead)
	return newGroup
}

func (m *Manager) tailLocked() *LockGroup {
	g := m.head
	for g.next != nil {
		g = g.next
	}
	return g
}

func (m *Manager) insertInto(g *LockGroup, txID string, priority time.Time, accessCount int, isRead bool) {
	g.records[txID] = &record{
		tx:          types.TransactionRecord{TxID: txID, Priority: priority, IsRead: isRead},
		accessCount: accessCount,
	}
	g.order = append(g.order, txID)
	g.fillCount++
	g.invalidateCache()
	m.byTx[txID] = g
	if g == m.head && g.deadline.IsZero() {
		g.deadline = time.Now().Add(m.groupDeadline)
	}
}

// Validate checks that the current (head) group still contains txID with
// matching accessCount, returning its resolved role if known.
func (m *Manager) Validate(txID string, accessCount int) (types.CommitRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.byTx[txID]
	if !ok || g != m.head {
		return types.RoleNotYetDetermined, failure.New(failure.KindBrokenLock, "tx %s is not in the head group", txID)
	}
	r := g.records[txID]
	if r.accessCount != accessCount {
		m.rollbackLocked(txID)
		return types.RoleNotYetDetermined, failure.New(failure.KindLockValidationFailed, "access count changed under validate for tx %s", txID)
	}
	return r.tx.Role, nil
}

// SetRole resolves txID's commit role, making it eligible for lock exit
// once it is the timestamp-minimum undetermined record in its group.
func (m *Manager) SetRole(txID string, role types.CommitRole) {
	m.mu.Lock()
	g, ok := m.byTx[txID]
	if ok {
		if r, ok := g.records[txID]; ok {
			r.tx.Role = role
			g.invalidateCache()
		}
	}
	m.mu.Unlock()
	m.notifyExit()
}

// Rollback removes txID's record from whichever group holds it.
func (m *Manager) Rollback(txID string) {
	m.mu.Lock()
	m.rollbackLocked(txID)
	m.mu.Unlock()
	m.notifyExit()
}

func (m *Manager) rollbackLocked(txID string) {
	g, ok := m.byTx[txID]
	if !ok {
		return
	}
	delete(g.records, txID)
	delete(m.byTx, txID)
	g.invalidateCache()
	metrics.LockFailuresTotal.WithLabelValues("rollback").Inc()
}

// AbortAll breaks every record currently in the head group, e.g. when the
// group's deadline has passed.
func (m *Manager) AbortAll() {
	m.mu.Lock()
	for _, key := range m.head.order {
		if r, ok := m.head.records[key]; ok {
			r.tx.Role = types.RoleAbort
		}
	}
	m.mu.Unlock()
	metrics.LockFailuresTotal.WithLabelValues("deadline_exceeded").Inc()
	m.notifyExit()
}

func (m *Manager) notifyExit() {
	select {
	case m.exitCh <- struct{}{}:
	default:
	}
}

// lockExitLoop is the background worker described in §4.8 "Lock-exit
// algorithm": it ticks on notification and on a fixed interval, advancing
// committable records out of the head group and rotating an empty head
// to its successor.
func (m *Manager) lockExitLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-m.exitCh:
			m.tick()
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	start := time.Now()
	defer metrics.ObserveDuration(metrics.LockWaitDuration, start)

	m.mu.Lock()
	defer m.mu.Unlock()

	head := m.head
	if len(head.records) > 0 {
		if !head.deadline.IsZero() && time.Now().After(head.deadline) {
			anyPending := false
			for _, key := range head.order {
				if r, ok := head.records[key]; ok && r.tx.Role == types.RoleNotYetDetermined {
					r.tx.Role = types.RoleAbort
					anyPending = true
				}
			}
			if anyPending {
				metrics.LockFailuresTotal.WithLabelValues("deadline_exceeded").Inc()
				head.invalidateCache()
			}
		}

		// Only records whose role has resolved to an actual commit outcome
		// exit automatically, and only once they are the timestamp-minimum
		// undetermined-or-committed record in the group. A RoleAbort record
		// is left in place for its owner to observe via Validate and clear
		// explicitly with Rollback.
		min, ok := head.minPendingTimestamp()
		for _, key := range head.order {
			r, present := head.records[key]
			if !present || r.exited {
				continue
			}
			switch r.tx.Role {
			case types.RoleLocalCommit, types.RoleRemoteCommit, types.RoleReadOnly:
			default:
				continue
			}
			if ok && !r.tx.Priority.Before(min) {
				continue
			}
			r.exited = true
			delete(head.records, key)
			delete(m.byTx, key)
		}
		head.invalidateCache()
		return
	}

	if head.next == nil {
		return
	}
	m.head = head.next
	m.head.deadline = time.Now().Add(m.groupDeadline)
	metrics.LockGroupsTotal.Dec()

	for _, key := range m.head.order {
		if r, ok := m.head.records[key]; ok && r.task != nil {
			task := r.task
			go task()
		}
	}
}

// Stop halts the background lock-exit worker.
func (m *Manager) Stop() {
	close(m.stop)
}
