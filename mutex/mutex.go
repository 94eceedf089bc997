// Package mutex implements a mutual exclusion lock driven by a
// cooperative scheduler. It is the exclusive-only counterpart of package
// rwlock and follows the same acquisition protocol: announce intent,
// block if the lock is held, yield, commit, and re-block every waiter
// that lost the race.
package mutex

import (
	"fmt"
	"sync"

	"gitlab.com/slon/interleave/sched"
	"gitlab.com/slon/interleave/task"
)

// Mutex is a cooperatively scheduled mutual exclusion lock. The zero
// value is not usable; create one with New.
type Mutex struct {
	exec  *sched.Execution
	inner sync.Mutex

	held    bool
	holder  task.ID
	waiters *task.Set
}

// New creates an unlocked Mutex scheduled by e.
func New(e *sched.Execution) *Mutex {
	return &Mutex{exec: e, waiters: task.NewSet()}
}

// Lock acquires the mutex, blocking the calling task cooperatively until
// it is available. Recursive locking is a run-time error.
func (m *Mutex) Lock() {
	me := m.exec.Me()
	m.waiters.Insert(me)

	if m.held {
		if m.holder == me {
			panic(fmt.Sprintf("%v locks a mutex it already holds", me))
		}
		m.exec.Block(me)
	}

	// Acquiring a lock is a yield point.
	m.exec.Switch()

	if m.held {
		panic(fmt.Sprintf("resumed waiting %v while the mutex is held by %v", me, m.holder))
	}
	m.held = true
	m.holder = me
	m.waiters.Remove(me)
	m.blockWaiters(me)

	if !m.inner.TryLock() {
		panic("mutex bookkeeping out of sync with inner lock")
	}
}

// TryLock attempts to acquire the mutex without ever blocking the task.
// The attempt is still a scheduling point, but on contention TryLock
// returns false instead of waiting.
func (m *Mutex) TryLock() bool {
	me := m.exec.Me()

	m.exec.Switch()

	if m.held {
		return false
	}
	m.held = true
	m.holder = me
	m.blockWaiters(me)

	if !m.inner.TryLock() {
		panic("mutex bookkeeping out of sync with inner lock")
	}
	return true
}

// Unlock releases the mutex, wakes every waiter and yields to the
// scheduler, which picks the next holder. It is a run-time error if the
// calling task does not hold the mutex.
func (m *Mutex) Unlock() {
	if m.exec.Aborted() {
		return
	}
	me := m.exec.Me()
	if !m.held || m.holder != me {
		panic(fmt.Sprintf("%v unlocks a mutex it does not hold", me))
	}
	m.inner.Unlock()
	m.held = false

	for _, id := range m.waiters.IDs() {
		if id == me {
			panic(fmt.Sprintf("%v is listed as waiting on a mutex it is releasing", me))
		}
		m.exec.Unblock(id)
	}

	// Releasing a lock is a yield point.
	m.exec.Switch()
}

func (m *Mutex) blockWaiters(me task.ID) {
	for _, id := range m.waiters.IDs() {
		if id == me {
			panic(fmt.Sprintf("%v is listed as waiting on a mutex it is acquiring", me))
		}
		m.exec.Block(id)
	}
}
