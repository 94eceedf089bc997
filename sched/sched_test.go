package sched_test

import (
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"gitlab.com/slon/interleave/sched"
	"gitlab.com/slon/interleave/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRoundRobinOrder(t *testing.T) {
	var trace []string
	err := sched.Run(func(e *sched.Execution) {
		e.Spawn(func() { trace = append(trace, "A") })
		e.Spawn(func() { trace = append(trace, "B") })
		trace = append(trace, "R")
	}, sched.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "R"}, trace)
}

func TestTaskIdentity(t *testing.T) {
	var root, inTask, spawned task.ID
	err := sched.Run(func(e *sched.Execution) {
		root = e.Me()
		spawned = e.Spawn(func() { inTask = e.Me() })
	})
	require.NoError(t, err)
	require.Equal(t, task.ID(0), root)
	require.Equal(t, task.ID(1), spawned)
	require.Equal(t, spawned, inTask)
}

func TestBlockUnblock(t *testing.T) {
	var trace []string
	var observed sched.TaskState
	err := sched.Run(func(e *sched.Execution) {
		worker := e.Spawn(func() {
			trace = append(trace, "before")
			e.Block(e.Me())
			e.Switch()
			trace = append(trace, "after")
		})
		for e.State(worker) != sched.Blocked {
			e.Switch()
		}
		observed = e.State(worker)
		e.Unblock(worker)
		trace = append(trace, "woken")
	})
	require.NoError(t, err)
	require.Equal(t, sched.Blocked, observed)
	require.Equal(t, []string{"before", "woken", "after"}, trace)
}

func TestMaybeUnblockToleratesRunnable(t *testing.T) {
	err := sched.Run(func(e *sched.Execution) {
		worker := e.Spawn(func() {})
		e.MaybeUnblock(worker) // runnable, not blocked: must be a no-op
	})
	require.NoError(t, err)
}

func TestDeadlock(t *testing.T) {
	err := sched.Run(func(e *sched.Execution) {
		e.Block(e.Me())
		e.Switch()
	})
	require.ErrorIs(t, err, sched.ErrDeadlock)
}

func TestDeadlockAfterFinish(t *testing.T) {
	err := sched.Run(func(e *sched.Execution) {
		e.Spawn(func() {
			e.Block(e.Me())
			e.Switch()
		})
	})
	require.ErrorIs(t, err, sched.ErrDeadlock)
	require.Contains(t, err.Error(), "task-1")
}

func TestTaskPanicFailsRun(t *testing.T) {
	err := sched.Run(func(e *sched.Execution) {
		e.Spawn(func() { panic("boom") })
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "task-1")
	require.Contains(t, err.Error(), "boom")
}

func TestAbortUnwindsParkedTasks(t *testing.T) {
	var cleaned bool
	err := sched.Run(func(e *sched.Execution) {
		e.Spawn(func() {
			defer func() { cleaned = true }()
			for {
				e.Switch()
			}
		})
		e.Switch() // let the worker start spinning
		panic("root failure")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "root failure")
	require.True(t, cleaned)
}

func TestSpawnWhileUnwindingIsNoOp(t *testing.T) {
	var spawnedRan bool
	err := sched.Run(func(e *sched.Execution) {
		e.Spawn(func() {
			defer func() {
				// Runs while the task unwinds after the abort; the new
				// task must not be started (it could never be resumed).
				e.Spawn(func() { spawnedRan = true })
			}()
			e.Block(e.Me())
			e.Switch()
		})
		e.Switch() // let the worker park itself
		panic("root failure")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "root failure")
	require.False(t, spawnedRan)
}

func TestGoexitFailsRun(t *testing.T) {
	err := sched.Run(func(e *sched.Execution) {
		runtime.Goexit()
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exited without completing")
}

func TestRandomSameSeedSameTrace(t *testing.T) {
	run := func(seed uint64) []task.ID {
		var trace []task.ID
		err := sched.Run(func(e *sched.Execution) {
			for i := 0; i < 3; i++ {
				e.Spawn(func() {
					for j := 0; j < 3; j++ {
						trace = append(trace, e.Me())
						e.Switch()
					}
				})
			}
		}, sched.WithStrategy(sched.Random(seed)))
		require.NoError(t, err)
		return trace
	}

	first, second := run(42), run(42)
	require.Len(t, first, 9)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("same seed produced different traces (-first +second):\n%s", diff)
	}
}

func TestScriptFollowsChoices(t *testing.T) {
	var trace []string
	err := sched.Run(func(e *sched.Execution) {
		e.Spawn(func() { trace = append(trace, "a") })
		trace = append(trace, "r")
		e.Switch()
		trace = append(trace, "r2")
	}, sched.WithStrategy(sched.Script(0, 1, 0)))
	require.NoError(t, err)
	require.Equal(t, []string{"r", "a", "r2"}, trace)
}

func TestPriorityPrefersListedTasks(t *testing.T) {
	var trace []string
	err := sched.Run(func(e *sched.Execution) {
		e.Spawn(func() { trace = append(trace, "a") })
		e.Spawn(func() { trace = append(trace, "b") })
		trace = append(trace, "r")
	}, sched.WithStrategy(sched.Priority(0, 2, 1)))
	require.NoError(t, err)
	require.Equal(t, []string{"r", "b", "a"}, trace)
}
