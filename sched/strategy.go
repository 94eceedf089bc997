package sched

import (
	"fmt"
	"slices"

	"golang.org/x/exp/rand"

	"gitlab.com/slon/interleave/task"
)

// Strategy chooses which task runs at every scheduling point.
//
// Pick receives the runnable task IDs in ascending order; the slice is
// never empty and the result must be one of its members. A strategy may
// keep state across calls, but must be deterministic given the same
// construction parameters, so that an execution can be replayed.
type Strategy interface {
	Pick(runnable []task.ID) task.ID
}

// RoundRobin returns a strategy that cycles through runnable tasks in ID
// order, starting after the most recently picked one. It is the default
// strategy: deterministic and fair, which makes single-run tests
// predictable.
func RoundRobin() Strategy {
	return &roundRobin{last: -1}
}

type roundRobin struct {
	last task.ID
}

func (s *roundRobin) Pick(runnable []task.ID) task.ID {
	for _, id := range runnable {
		if id > s.last {
			s.last = id
			return id
		}
	}
	s.last = runnable[0]
	return runnable[0]
}

// Random returns a strategy that picks uniformly among runnable tasks
// using a PRNG seeded with seed. Two executions of the same program with
// the same seed make identical choices, so a failing seed is a replayable
// interleaving.
func Random(seed uint64) Strategy {
	return &random{rng: rand.New(rand.NewSource(seed))}
}

type random struct {
	rng *rand.Rand
}

func (s *random) Pick(runnable []task.ID) task.ID {
	return runnable[s.rng.Intn(len(runnable))]
}

// Priority returns a strategy that always runs the earliest task in order
// that is currently runnable; tasks not listed come after listed ones, in
// ID order. Useful for building a specific contention scenario in tests.
func Priority(order ...task.ID) Strategy {
	return &priority{order: order}
}

type priority struct {
	order []task.ID
}

func (s *priority) Pick(runnable []task.ID) task.ID {
	for _, id := range s.order {
		if slices.Contains(runnable, id) {
			return id
		}
	}
	return runnable[0]
}

// Script returns a strategy that makes exactly the given choices, one per
// scheduling point, then falls back to RoundRobin. A scripted choice that
// is not runnable at its scheduling point panics: the script no longer
// matches the program.
func Script(choices ...task.ID) Strategy {
	return &script{choices: choices, fallback: RoundRobin()}
}

type script struct {
	choices  []task.ID
	pos      int
	fallback Strategy
}

func (s *script) Pick(runnable []task.ID) task.ID {
	if s.pos >= len(s.choices) {
		return s.fallback.Pick(runnable)
	}
	id := s.choices[s.pos]
	s.pos++
	if !slices.Contains(runnable, id) {
		panic(fmt.Sprintf("scripted choice #%d is %v, but runnable tasks are %v", s.pos, id, runnable))
	}
	return id
}
