// Package waitgroup implements a cooperatively scheduled WaitGroup.
package waitgroup

import (
	"gitlab.com/slon/interleave/sched"
	"gitlab.com/slon/interleave/task"
)

// A WaitGroup waits for a collection of tasks to finish. One task calls
// Add to set the number of tasks to wait for, each of those tasks calls
// Done when finished, and Wait blocks cooperatively until the counter
// reaches zero. Blocking and wake-ups go through the scheduler, so the
// strategy controls which waiter resumes first.
type WaitGroup struct {
	exec    *sched.Execution
	cnt     int
	waiters *task.Set
}

// New creates a WaitGroup with a zero counter, scheduled by e.
func New(e *sched.Execution) *WaitGroup {
	return &WaitGroup{exec: e, waiters: task.NewSet()}
}

// Add adds delta, which may be negative, to the counter. If the counter
// becomes zero, all tasks blocked in Wait are woken. If the counter goes
// negative, Add panics. Every counter change is a scheduling point.
func (wg *WaitGroup) Add(delta int) {
	if wg.exec.Aborted() {
		return
	}
	wg.cnt += delta
	if wg.cnt < 0 {
		panic("negative WaitGroup counter")
	}
	if wg.cnt == 0 {
		// A waiter that saw a zero counter never actually blocked, so
		// wake tolerantly.
		for _, id := range wg.waiters.IDs() {
			wg.exec.MaybeUnblock(id)
		}
	}
	wg.exec.Switch()
}

// Done decrements the counter by one.
func (wg *WaitGroup) Done() {
	wg.Add(-1)
}

// Wait blocks the calling task until the counter is zero. A wake-up is
// only a chance to run: if the counter was raised again before this task
// resumed, it goes back to waiting.
func (wg *WaitGroup) Wait() {
	if wg.exec.Aborted() {
		return
	}
	me := wg.exec.Me()
	wg.waiters.Insert(me)
	if wg.cnt != 0 {
		wg.exec.Block(me)
	}
	wg.exec.Switch()
	for wg.cnt != 0 {
		wg.exec.Block(me)
		wg.exec.Switch()
	}
	wg.waiters.Remove(me)
}
