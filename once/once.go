// Package once implements a cooperatively scheduled sync.Once analogue:
// exactly one task runs the function, and every task that calls Do while
// it is running blocks through the scheduler until it completes.
package once

import (
	"fmt"

	"gitlab.com/slon/interleave/sched"
	"gitlab.com/slon/interleave/task"
)

type onceState int

const (
	idle onceState = iota
	running
	done
)

// Once runs a function exactly once per instance. The zero value is not
// usable; create one with New.
type Once struct {
	exec    *sched.Execution
	state   onceState
	runner  task.ID
	waiters *task.Set
}

// New creates a Once scheduled by e.
func New(e *sched.Execution) *Once {
	return &Once{exec: e, waiters: task.NewSet()}
}

// Do calls f if and only if Do is being called for the first time on this
// instance. Concurrent callers block until the first call completes; f
// itself may yield, spawn tasks, and take locks. Calling Do from within
// its own f is a run-time error (it would deadlock).
func (o *Once) Do(f func()) {
	if o.exec.Aborted() {
		return
	}
	me := o.exec.Me()

	switch o.state {
	case done:
		return

	case running:
		if o.runner == me {
			panic(fmt.Sprintf("%v calls Do from within its own function", me))
		}
		o.waiters.Insert(me)
		for o.state != done {
			o.exec.Block(me)
			o.exec.Switch()
		}
		o.waiters.Remove(me)

	default:
		o.state = running
		o.runner = me
		f()
		o.state = done
		for _, id := range o.waiters.IDs() {
			o.exec.MaybeUnblock(id)
		}
		// Completion is a yield point: woken callers get a chance to
		// observe the result.
		o.exec.Switch()
	}
}

// Done reports whether the function has already run to completion.
func (o *Once) Done() bool {
	return o.state == done
}
