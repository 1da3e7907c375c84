package sched

import (
	"sync"

	"github.com/nullshell/corekernel/kerrno"
)

// Mutex is the recursive mutex with a FIFO wait queue from spec.md
// §4.7. Locked/owner/count bookkeeping is itself protected by a plain
// sync.Mutex — a legitimate use of the host mutex since the only
// "concurrency" it serializes is the bookkeeping step that runs
// instantaneously inside a single scheduled task's turn.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	owner   *Task
	count   int
	waiters []*Task
}

// NewMutex constructs an unlocked mutex.
func NewMutex() *Mutex { return &Mutex{} }

// TryLock implements spec.md §4.7's try_lock.
func (m *Mutex) TryLock(t *Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		m.locked = true
		m.owner = t
		m.count = 1
		return true
	}
	if m.owner == t {
		m.count++
		return true
	}
	return false
}

// Lock implements spec.md §4.7's lock: loop try_lock; on failure,
// enqueue on the wait queue, block, and retry on wakeup.
func (m *Mutex) Lock(t *Task) {
	for {
		if m.TryLock(t) {
			return
		}
		m.mu.Lock()
		m.waiters = append(m.waiters, t)
		m.mu.Unlock()
		t.sched.suspendBlocked(t, m)
	}
}

// Unlock implements spec.md §4.7's unlock: owner==current is
// required; decrement lock_count; at zero, clear owner and wake one
// FIFO waiter.
func (m *Mutex) Unlock(t *Task) error {
	m.mu.Lock()
	if m.owner != t {
		m.mu.Unlock()
		return kerrno.Wrap(kerrno.Busy, "sched: unlock by non-owner task %d", t.ID)
	}
	m.count--
	if m.count > 0 {
		m.mu.Unlock()
		return nil
	}
	m.locked = false
	m.owner = nil
	var woken *Task
	if len(m.waiters) > 0 {
		woken = m.waiters[0]
		m.waiters = m.waiters[1:]
	}
	m.mu.Unlock()

	if woken != nil {
		t.sched.wake(woken)
	}
	return nil
}

// Owner reports the current owning task, or nil if unlocked.
func (m *Mutex) Owner() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}
