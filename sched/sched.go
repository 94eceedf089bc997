// Package sched implements a cooperative scheduler for deterministic
// concurrency testing.
//
// An execution models many concurrent tasks, but only one task's code runs
// at any moment. Control moves between tasks exclusively at explicit yield
// points (Switch), where a pluggable Strategy chooses which runnable task
// resumes next. Synchronization primitives built on top of the scheduler
// never block at the OS level; they mark tasks blocked or runnable and
// yield, so every possible interleaving decision stays visible to the
// strategy and a whole execution can be replayed from a strategy seed.
package sched

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"gitlab.com/slon/interleave/task"
)

// ErrDeadlock is reported by Run when no task is runnable but some tasks
// are still blocked, so the execution can never make progress.
var ErrDeadlock = errors.New("deadlock: all tasks are blocked")

// TaskState describes a task as tracked by the execution.
type TaskState int

const (
	Runnable TaskState = iota // eligible to be chosen at the next yield point
	Blocked                   // not eligible until unblocked
	Finished                  // task function returned
)

func (s TaskState) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Blocked:
		return "blocked"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// taskAborted unwinds a task goroutine after the execution has failed.
type taskAborted struct{}

type taskEntry struct {
	id    task.ID
	state TaskState

	// resume hands the single running-token to this task. Buffered so
	// that the abort pass can wake a parked task without rendezvous.
	resume chan struct{}

	// exited is closed when the task goroutine returns.
	exited chan struct{}
}

// Execution runs a set of cooperatively scheduled tasks.
//
// All methods must be called from the currently running task's goroutine
// (or, for Run, from the single goroutine driving the execution). The
// single-running-task model means the execution's bookkeeping is never
// mutated concurrently.
type Execution struct {
	strategy Strategy
	log      *zap.Logger

	tasks   []*taskEntry
	current task.ID

	aborted  bool
	failure  error
	failOnce sync.Once

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures an Execution.
type Option func(*Execution)

// WithStrategy sets the scheduling strategy. The default is RoundRobin.
func WithStrategy(s Strategy) Option {
	return func(e *Execution) { e.strategy = s }
}

// WithLogger sets a logger that receives every scheduling decision at
// debug level. The default logger discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(e *Execution) { e.log = log }
}

// Run executes root as the first task of a new execution and returns once
// every spawned task has finished. It returns nil on success, ErrDeadlock
// (wrapped) if all tasks end up blocked, or an error describing the first
// task panic.
func Run(root func(*Execution), opts ...Option) error {
	e := &Execution{
		strategy: RoundRobin(),
		log:      zap.NewNop(),
		current:  -1,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	t := e.addTask(func() { root(e) })
	t.resume <- struct{}{}
	<-e.done
	e.wg.Wait()
	return e.failure
}

// Spawn starts f as a new task and returns its ID. The new task does not
// run immediately; spawning is itself a scheduling point, so the strategy
// may choose it (or any other runnable task) next. Once the execution has
// aborted, Spawn does nothing and returns an invalid ID: the abort pass
// has already resumed every parked task, so a task started now would
// never run.
func (e *Execution) Spawn(f func()) task.ID {
	if e.aborted {
		return -1
	}
	t := e.addTask(f)
	e.log.Debug("spawn", zap.Stringer("task", t.id))
	e.Switch()
	return t.id
}

// Me returns the ID of the currently running task.
func (e *Execution) Me() task.ID {
	return e.current
}

// State returns the scheduling state of the given task.
func (e *Execution) State(id task.ID) TaskState {
	return e.get(id).state
}

// Aborted reports whether the execution has failed and its tasks are
// unwinding. Primitives built on the scheduler become no-ops once this
// returns true.
func (e *Execution) Aborted() bool {
	return e.aborted
}

// Block marks a task as not runnable. Blocking the current task takes
// effect at its next Switch. Blocking a finished task is a bug.
func (e *Execution) Block(id task.ID) {
	if e.aborted {
		return
	}
	t := e.get(id)
	if t.state == Finished {
		panic(fmt.Sprintf("block of finished %v", id))
	}
	e.log.Debug("block", zap.Stringer("task", id))
	t.state = Blocked
}

// Unblock marks a blocked task as runnable. The task must currently be
// blocked; unblocking a runnable or finished task is a bug.
func (e *Execution) Unblock(id task.ID) {
	if e.aborted {
		return
	}
	t := e.get(id)
	if t.state != Blocked {
		panic(fmt.Sprintf("unblock of %v which is %v", id, t.state))
	}
	e.log.Debug("unblock", zap.Stringer("task", id))
	t.state = Runnable
}

// MaybeUnblock marks a task as runnable if it is blocked and does nothing
// if it is already runnable. Waking a finished task is still a bug.
func (e *Execution) MaybeUnblock(id task.ID) {
	if e.aborted {
		return
	}
	t := e.get(id)
	switch t.state {
	case Blocked:
		e.log.Debug("unblock", zap.Stringer("task", id))
		t.state = Runnable
	case Runnable:
		// Never actually went to sleep; nothing to wake.
	default:
		panic(fmt.Sprintf("wake of finished %v", id))
	}
}

// Switch is a yield point. The strategy picks any runnable task (possibly
// the current one) to run next; Switch returns when the current task is
// chosen again. If no task is runnable the execution is deadlocked and
// fails.
func (e *Execution) Switch() {
	if e.aborted {
		return
	}
	self := e.get(e.current)
	next := e.pick()
	if next == nil {
		e.failDeadlock()
	}
	if next == self {
		return
	}
	e.log.Debug("switch",
		zap.Stringer("from", self.id),
		zap.Stringer("to", next.id),
		zap.Stringer("state", self.state))
	next.resume <- struct{}{}
	e.park(self)
}

func (e *Execution) addTask(f func()) *taskEntry {
	t := &taskEntry{
		id:     task.ID(len(e.tasks)),
		state:  Runnable,
		resume: make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	e.tasks = append(e.tasks, t)
	e.wg.Add(1)

	go func() {
		completed := false
		defer func() {
			switch r := recover(); {
			case r == nil && !completed:
				// runtime.Goexit out of a task (e.g. FailNow inside
				// task code) would otherwise hang the execution.
				e.abort(fmt.Errorf("%v exited without completing", t.id))
			case r != nil:
				if _, ok := r.(taskAborted); !ok {
					e.abort(fmt.Errorf("%v panicked: %v\n%s", t.id, r, debug.Stack()))
				}
			}
			close(t.exited)
			e.wg.Done()
		}()

		e.park(t)
		f()
		completed = true
		e.finish(t)
	}()

	return t
}

// park suspends the calling task goroutine until it is handed the running
// token. If the execution was aborted in the meantime, the task unwinds.
func (e *Execution) park(t *taskEntry) {
	<-t.resume
	if e.aborted {
		panic(taskAborted{})
	}
	e.current = t.id
}

// finish retires the current task and hands control onward: to any
// runnable task, to a deadlock failure if only blocked tasks remain, or to
// completion of the whole execution.
func (e *Execution) finish(t *taskEntry) {
	t.state = Finished
	e.log.Debug("finish", zap.Stringer("task", t.id))

	next := e.pick()
	if next != nil {
		next.resume <- struct{}{}
		return
	}
	for _, o := range e.tasks {
		if o.state == Blocked {
			e.abort(fmt.Errorf("%w after %v finished: %v", ErrDeadlock, t.id, e.blockedIDs()))
			return
		}
	}
	close(e.done)
}

// pick asks the strategy to choose among the runnable tasks. It returns
// nil when nothing is runnable.
func (e *Execution) pick() *taskEntry {
	var runnable []task.ID
	for _, t := range e.tasks {
		if t.state == Runnable {
			runnable = append(runnable, t.id)
		}
	}
	if len(runnable) == 0 {
		return nil
	}
	id := e.strategy.Pick(runnable)
	t := e.get(id)
	if t.state != Runnable {
		panic(fmt.Sprintf("strategy picked %v which is %v", id, t.state))
	}
	return t
}

func (e *Execution) failDeadlock() {
	e.abort(fmt.Errorf("%w: %v", ErrDeadlock, e.blockedIDs()))
	panic(taskAborted{})
}

// abort records the execution failure, wakes every parked task one at a
// time so it unwinds, and releases Run. Unwinding is serialized to keep
// the single-running-task model intact while deferred releases run.
func (e *Execution) abort(err error) {
	e.failOnce.Do(func() {
		e.failure = err
		e.aborted = true
		e.log.Debug("abort", zap.Error(err))
		for _, t := range e.tasks {
			if t.state == Finished || t.id == e.current {
				continue
			}
			t.resume <- struct{}{}
			<-t.exited
		}
		close(e.done)
	})
}

func (e *Execution) blockedIDs() []task.ID {
	blocked := task.NewSet()
	for _, t := range e.tasks {
		if t.state == Blocked {
			blocked.Insert(t.id)
		}
	}
	return blocked.IDs()
}

func (e *Execution) get(id task.ID) *taskEntry {
	if id < 0 || int(id) >= len(e.tasks) {
		panic(fmt.Sprintf("unknown %v", id))
	}
	return e.tasks[id]
}
