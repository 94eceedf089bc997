// Package rwlock implements a reader/writer lock whose blocking behavior
// is driven entirely by a cooperative scheduler.
//
// An RWLock can be held by an arbitrary number of readers or a single
// writer, exactly like a native reader/writer mutex. Unlike a native one
// it never blocks at the OS level: a task that cannot acquire the lock is
// marked blocked and control yields to the scheduler, so the scheduling
// strategy decides which contender wins every release race. Misuse —
// recursive acquisition, releasing in the wrong state, consuming a held
// lock — is a run-time error, since it indicates a bug in the program
// under test or in the scheduler's bookkeeping rather than a recoverable
// condition.
package rwlock

import (
	"fmt"
	"sync"

	"gitlab.com/slon/interleave/sched"
	"gitlab.com/slon/interleave/task"
)

type holderKind int

const (
	unlocked holderKind = iota
	readHeld
	writeHeld
)

// holder is the current occupant configuration of the lock: nobody, a
// non-empty set of readers, or a single writer.
type holder struct {
	kind    holderKind
	readers *task.Set
	writer  task.ID
}

func (h holder) String() string {
	switch h.kind {
	case readHeld:
		return fmt.Sprintf("ReadHeld%v", h.readers)
	case writeHeld:
		return fmt.Sprintf("WriteHeld(%v)", h.writer)
	default:
		return "Unlocked"
	}
}

// lockState is the bookkeeping shared between the lock and its guards.
// It is only ever touched by the currently running task, so it needs no
// locking of its own; every transition happens between two yield points.
type lockState struct {
	holder         holder
	waitingReaders *task.Set
	waitingWriters *task.Set
}

// RWLock is a cooperatively scheduled reader/writer lock protecting a
// value of type T.
//
// All methods must be called from tasks of the execution the lock was
// created for. The inner native lock is only ever acquired with
// non-blocking calls and exists as a cross-check: if the cooperative
// bookkeeping says an acquisition is safe, the native lock must agree.
type RWLock[T any] struct {
	exec  *sched.Execution
	inner sync.RWMutex
	value T
	state lockState
}

// New creates an unlocked RWLock protecting value, scheduled by e.
func New[T any](e *sched.Execution, value T) *RWLock[T] {
	return &RWLock[T]{
		exec:  e,
		value: value,
		state: lockState{
			holder:         holder{kind: unlocked},
			waitingReaders: task.NewSet(),
			waitingWriters: task.NewSet(),
		},
	}
}

// Read acquires the lock for shared access, blocking the calling task
// cooperatively until the access can be granted, and returns the guard
// that releases it. Release the guard with defer so that every exit path
// is covered:
//
//	g := l.Read()
//	defer g.Release()
func (l *RWLock[T]) Read() *ReadGuard[T] {
	l.lock(false)
	if !l.inner.TryRLock() {
		panic("rwlock bookkeeping out of sync with inner lock")
	}
	return &ReadGuard[T]{lock: l}
}

// Write acquires the lock for exclusive access, blocking the calling task
// cooperatively until every reader and writer is gone, and returns the
// guard that releases it.
func (l *RWLock[T]) Write() *WriteGuard[T] {
	l.lock(true)
	if !l.inner.TryLock() {
		panic("rwlock bookkeeping out of sync with inner lock")
	}
	return &WriteGuard[T]{lock: l}
}

// TryRead attempts to acquire the lock for shared access without ever
// blocking the task. The attempt is still a scheduling point, but on
// contention TryRead returns ok=false instead of waiting.
func (l *RWLock[T]) TryRead() (g *ReadGuard[T], ok bool) {
	me := l.exec.Me()

	// An acquisition attempt is a yield point even when it cannot block.
	l.exec.Switch()

	st := &l.state
	switch st.holder.kind {
	case writeHeld:
		return nil, false
	case readHeld:
		if st.holder.readers.Contains(me) {
			panic(fmt.Sprintf("%v read-acquires a lock it already read-holds", me))
		}
		st.holder.readers.Insert(me)
	default:
		st.holder = holder{kind: readHeld, readers: task.NewSet(me)}
	}

	// Taking the lock outside the waiting protocol still wins a race:
	// waiters woken by an earlier release must not also commit.
	l.blockWaiters(me)

	if !l.inner.TryRLock() {
		panic("rwlock bookkeeping out of sync with inner lock")
	}
	return &ReadGuard[T]{lock: l}, true
}

// TryWrite attempts to acquire the lock for exclusive access without ever
// blocking the task. The attempt is still a scheduling point, but on
// contention TryWrite returns ok=false instead of waiting.
func (l *RWLock[T]) TryWrite() (g *WriteGuard[T], ok bool) {
	me := l.exec.Me()

	l.exec.Switch()

	st := &l.state
	if st.holder.kind != unlocked {
		return nil, false
	}
	st.holder = holder{kind: writeHeld, writer: me}

	l.blockWaiters(me)

	if !l.inner.TryLock() {
		panic("rwlock bookkeeping out of sync with inner lock")
	}
	return &WriteGuard[T]{lock: l}, true
}

// Unwrap returns the protected value. The lock must not be held: a task
// consuming a lock while it is held or waited on is a bug, so Unwrap
// panics rather than returning an error.
func (l *RWLock[T]) Unwrap() T {
	if l.state.holder.kind != unlocked {
		panic(fmt.Sprintf("consuming a lock that is still %v", l.state.holder))
	}
	return l.value
}

// lock implements the shared acquisition protocol for readers and
// writers: announce intent, block if the current holder is incompatible,
// yield, commit, and re-block every losing waiter.
func (l *RWLock[T]) lock(write bool) {
	me := l.exec.Me()
	st := &l.state

	// Announce intent first, so that another task's re-block pass sees
	// this task among the waiters.
	if write {
		st.waitingWriters.Insert(me)
	} else {
		st.waitingReaders.Insert(me)
	}

	switch st.holder.kind {
	case writeHeld:
		if st.holder.writer == me {
			panic(fmt.Sprintf("%v write-acquires a lock it already write-holds", me))
		}
		l.exec.Block(me)
	case readHeld:
		if st.holder.readers.Contains(me) {
			panic(fmt.Sprintf("%v acquires a lock it already read-holds", me))
		}
		if write {
			// A writer waits for all readers. A reader joining an
			// already-shared lock does not block, but still passes
			// through the yield below.
			l.exec.Block(me)
		}
	}

	// Acquiring a lock is a yield point.
	l.exec.Switch()

	// The scheduler resumed this task, so the lock must now be in a
	// state this task can take. Anything else means the bookkeeping or
	// the scheduler's wake-up logic is broken.
	switch {
	case write && st.holder.kind == unlocked:
		st.holder = holder{kind: writeHeld, writer: me}
	case !write && st.holder.kind == unlocked:
		st.holder = holder{kind: readHeld, readers: task.NewSet(me)}
	case !write && st.holder.kind == readHeld:
		st.holder.readers.Insert(me)
	default:
		panic(fmt.Sprintf("resumed waiting %v (write=%t) while the lock is %v", me, write, st.holder))
	}
	if write {
		st.waitingWriters.Remove(me)
	} else {
		st.waitingReaders.Remove(me)
	}

	// This task won the race to take the lock, so force every other
	// waiter back to blocked until the next release gives them a fresh
	// chance.
	l.blockWaiters(me)
}

func (l *RWLock[T]) blockWaiters(me task.ID) {
	for _, set := range []*task.Set{l.state.waitingReaders, l.state.waitingWriters} {
		for _, id := range set.IDs() {
			if id == me {
				panic(fmt.Sprintf("%v is listed as waiting on a lock it is acquiring", me))
			}
			l.exec.Block(id)
		}
	}
}

func (l *RWLock[T]) unblockWaiters(me task.ID, mustBeBlocked bool) {
	for _, set := range []*task.Set{l.state.waitingReaders, l.state.waitingWriters} {
		for _, id := range set.IDs() {
			if id == me {
				panic(fmt.Sprintf("%v is listed as waiting on a lock it is releasing", me))
			}
			if mustBeBlocked {
				l.exec.Unblock(id)
			} else {
				l.exec.MaybeUnblock(id)
			}
		}
	}
}
