package rwlock

import "fmt"

// ReadGuard represents a single task's shared hold of an RWLock. The hold
// lasts until Release is called; use defer to cover every exit path.
type ReadGuard[T any] struct {
	lock     *RWLock[T]
	released bool
}

// Value returns the protected value. It is a run-time error to use a
// guard after releasing it.
func (g *ReadGuard[T]) Value() T {
	if g.released {
		panic("use of released read guard")
	}
	return g.lock.value
}

// Release gives up the shared hold. The last reader to release returns
// the lock to the unlocked state and every waiter gets a chance to run;
// which one actually wins the lock is up to the scheduler. It is a
// run-time error to release a guard twice.
func (g *ReadGuard[T]) Release() {
	l := g.lock
	if l.exec.Aborted() {
		// The execution failed and tasks are unwinding; the lock's
		// bookkeeping no longer matters.
		return
	}
	if g.released {
		panic("release of released read guard")
	}
	g.released = true
	l.inner.RUnlock()

	me := l.exec.Me()
	st := &l.state
	if st.holder.kind != readHeld || !st.holder.readers.Remove(me) {
		panic(fmt.Sprintf("%v released a read guard while the lock is %v", me, st.holder))
	}
	if st.holder.readers.Empty() {
		st.holder = holder{kind: unlocked}
	}

	// Wake the waiters; the scheduler picks the race winner and that
	// task re-blocks the losers. Waiting readers are always woken (they
	// can join a remaining shared hold) and tolerantly, since a reader
	// that joined a shared hold never actually blocked. Waiting writers
	// are only woken once the lock has fully drained: a writer must
	// never be resumed into a lock that is still read-held.
	for _, id := range st.waitingReaders.IDs() {
		if id == me {
			panic(fmt.Sprintf("%v is listed as waiting on a lock it is releasing", me))
		}
		l.exec.MaybeUnblock(id)
	}
	if st.holder.kind == unlocked {
		for _, id := range st.waitingWriters.IDs() {
			if id == me {
				panic(fmt.Sprintf("%v is listed as waiting on a lock it is releasing", me))
			}
			l.exec.MaybeUnblock(id)
		}
	}

	// Releasing a lock is a yield point.
	l.exec.Switch()
}

// WriteGuard represents a task's exclusive hold of an RWLock. The hold
// lasts until Release is called; use defer to cover every exit path.
type WriteGuard[T any] struct {
	lock     *RWLock[T]
	released bool
}

// Value returns the protected value. It is a run-time error to use a
// guard after releasing it.
func (g *WriteGuard[T]) Value() T {
	if g.released {
		panic("use of released write guard")
	}
	return g.lock.value
}

// Set replaces the protected value. Only an exclusive hold may mutate it.
func (g *WriteGuard[T]) Set(v T) {
	if g.released {
		panic("use of released write guard")
	}
	g.lock.value = v
}

// Release gives up the exclusive hold, wakes every waiter and yields to
// the scheduler. Every current waiter is known to have genuinely blocked
// on the exclusive hold, so all of them must be woken strictly. It is a
// run-time error to release a guard twice.
func (g *WriteGuard[T]) Release() {
	l := g.lock
	if l.exec.Aborted() {
		return
	}
	if g.released {
		panic("release of released write guard")
	}
	g.released = true
	l.inner.Unlock()

	me := l.exec.Me()
	st := &l.state
	if st.holder.kind != writeHeld || st.holder.writer != me {
		panic(fmt.Sprintf("%v released a write guard while the lock is %v", me, st.holder))
	}
	st.holder = holder{kind: unlocked}

	l.unblockWaiters(me, true)

	l.exec.Switch()
}
