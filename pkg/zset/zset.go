// Package zset provides a concurrent-safe score-ordered set.
//
// Members are strings scored by int64 values (Unix-millisecond
// timestamps in practice). Range queries return members ordered by
// ascending score, ties broken by member lexical order, matching the
// ordering guarantees of a Redis sorted set.
package zset

import (
	"math"
	"sort"
	"sync"
)

// Unbounded range sentinels.
const (
	MinScore = math.MinInt64
	MaxScore = math.MaxInt64
)

// Set is a concurrent-safe sorted set.
type Set struct {
	mu     sync.RWMutex
	scores map[string]int64
}

// New creates an empty set.
func New() *Set {
	return &Set{
		scores: make(map[string]int64),
	}
}

// Add inserts the member or updates its score.
func (s *Set) Add(member string, score int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[member] = score
}

// Remove deletes the member. Returns whether it was present.
func (s *Set) Remove(member string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.scores[member]
	delete(s.scores, member)
	return ok
}

// Score returns the member's score.
func (s *Set) Score(member string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.scores[member]
	return score, ok
}

// Card returns the number of members.
func (s *Set) Card() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.scores)
}

// RangeByScore returns members with min <= score <= max, ordered by
// ascending score then member.
func (s *Set) RangeByScore(min, max int64) []string {
	type entry struct {
		member string
		score  int64
	}

	s.mu.RLock()
	entries := make([]entry, 0, len(s.scores))
	for m, sc := range s.scores {
		if sc >= min && sc <= max {
			entries = append(entries, entry{m, sc})
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].member < entries[j].member
	})

	members := make([]string, len(entries))
	for i, e := range entries {
		members[i] = e.member
	}
	return members
}

// CountByScore returns the number of members with min <= score <= max.
func (s *Set) CountByScore(min, max int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sc := range s.scores {
		if sc >= min && sc <= max {
			count++
		}
	}
	return count
}

// Min returns the member with the lowest score, ties broken by member
// lexical order.
func (s *Set) Min() (string, int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best      string
		bestScore int64
		found     bool
	)
	for m, sc := range s.scores {
		if !found || sc < bestScore || (sc == bestScore && m < best) {
			best, bestScore, found = m, sc, true
		}
	}
	return best, bestScore, found
}

// Members returns all members ordered by ascending score then member.
func (s *Set) Members() []string {
	return s.RangeByScore(MinScore, MaxScore)
}
