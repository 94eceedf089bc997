// Package task defines task identities and task sets used by the
// cooperative scheduler and the synchronization primitives built on it.
package task

import (
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
)

// ID identifies a single task within one execution. IDs are assigned
// densely starting from zero in spawn order, so they are stable across
// replays of the same interleaving.
type ID int

func (id ID) String() string {
	return fmt.Sprintf("task-%d", id)
}

// Set is an unordered collection of task IDs.
//
// Iteration via IDs is sorted, so that within a single execution every
// pass over a set visits tasks in the same order.
type Set struct {
	ids map[ID]struct{}
}

// NewSet creates a set holding the given IDs.
func NewSet(ids ...ID) *Set {
	s := &Set{ids: make(map[ID]struct{})}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

// Insert adds id to the set. It reports whether id was not already present.
func (s *Set) Insert(id ID) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Remove deletes id from the set. It reports whether id was present.
func (s *Set) Remove(id ID) bool {
	if _, ok := s.ids[id]; !ok {
		return false
	}
	delete(s.ids, id)
	return true
}

// Contains reports whether id is in the set.
func (s *Set) Contains(id ID) bool {
	_, ok := s.ids[id]
	return ok
}

// Empty reports whether the set has no members.
func (s *Set) Empty() bool {
	return len(s.ids) == 0
}

// Len returns the number of members.
func (s *Set) Len() int {
	return len(s.ids)
}

// IDs returns the members in ascending order, or nil for an empty set.
func (s *Set) IDs() []ID {
	if len(s.ids) == 0 {
		return nil
	}
	ids := maps.Keys(s.ids)
	slices.Sort(ids)
	return ids
}

func (s *Set) String() string {
	return fmt.Sprint(s.IDs())
}
