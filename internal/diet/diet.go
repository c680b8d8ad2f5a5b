// Package diet implements a discrete interval encoding tree:
// a set of integers, stored as merged intervals.
package diet

import (
	"fmt"
	"sort"
	"strings"
)

// An Interval is a closed range [Start, End] of integers.
type Interval struct {
	Start, End uint64
}

func (i Interval) String() string {
	if i.Start == i.End {
		return fmt.Sprintf("%d", i.Start)
	}
	return fmt.Sprintf("%d-%d", i.Start, i.End)
}

// A Set stores a set of integers as merged intervals.
// Adjacent and overlapping intervals are coalesced on insertion.
// The zero value is an empty set.
type Set struct {
	// sorted ascending by Start, non-overlapping, non-adjacent
	intervals []Interval
}

// Empty says if the set contains no values.
func (s *Set) Empty() bool { return len(s.intervals) == 0 }

// NumIntervals returns the number of merged intervals in the set.
func (s *Set) NumIntervals() int { return len(s.intervals) }

// Min returns the smallest value in the set.
// It must not be called on an empty set.
func (s *Set) Min() uint64 {
	if s.Empty() {
		panic("diet: Min called on empty set")
	}
	return s.intervals[0].Start
}

// Max returns the largest value in the set.
// It must not be called on an empty set.
func (s *Set) Max() uint64 {
	if s.Empty() {
		panic("diet: Max called on empty set")
	}
	return s.intervals[len(s.intervals)-1].End
}

// Contains says if x is in the set.
func (s *Set) Contains(x uint64) bool {
	idx := sort.Search(len(s.intervals), func(i int) bool { return s.intervals[i].End >= x })
	return idx < len(s.intervals) && s.intervals[idx].Start <= x
}

// Add inserts a single value.
func (s *Set) Add(x uint64) {
	s.AddRange(x, x)
}

// AddRange inserts all values in [start, end].
func (s *Set) AddRange(start, end uint64) {
	if start > end {
		panic("diet: invalid range")
	}
	// find the first interval ending at or after start-1, i.e. the first one the new range could touch
	idx := sort.Search(len(s.intervals), func(i int) bool {
		return s.intervals[i].End >= start || s.intervals[i].End+1 == start
	})
	if idx == len(s.intervals) {
		s.intervals = append(s.intervals, Interval{Start: start, End: end})
		return
	}
	if in := s.intervals[idx]; in.Start > end && in.Start != end+1 {
		// no overlap, no adjacency: insert before intervals[idx]
		s.intervals = append(s.intervals, Interval{})
		copy(s.intervals[idx+1:], s.intervals[idx:])
		s.intervals[idx] = Interval{Start: start, End: end}
		return
	}
	// the new range touches intervals[idx]; merge, possibly swallowing followers
	merged := Interval{Start: min(start, s.intervals[idx].Start), End: max(end, s.intervals[idx].End)}
	last := idx
	for last+1 < len(s.intervals) && s.intervals[last+1].Start <= merged.End+1 {
		last++
		merged.End = max(merged.End, s.intervals[last].End)
	}
	s.intervals[idx] = merged
	s.intervals = append(s.intervals[:idx+1], s.intervals[last+1:]...)
}

// DeleteBelow removes all values smaller than x.
func (s *Set) DeleteBelow(x uint64) {
	idx := sort.Search(len(s.intervals), func(i int) bool { return s.intervals[i].End >= x })
	s.intervals = s.intervals[idx:]
	if len(s.intervals) > 0 && s.intervals[0].Start < x {
		s.intervals[0].Start = x
	}
}

// Delete removes all values in [start, end] from the set.
func (s *Set) Delete(start, end uint64) {
	if start > end {
		panic("diet: invalid range")
	}
	var out []Interval
	for _, in := range s.intervals {
		if in.End < start || in.Start > end {
			out = append(out, in)
			continue
		}
		if in.Start < start {
			out = append(out, Interval{Start: in.Start, End: start - 1})
		}
		if in.End > end {
			out = append(out, Interval{Start: end + 1, End: in.End})
		}
	}
	s.intervals = out
}

// Clear removes all values.
func (s *Set) Clear() { s.intervals = s.intervals[:0] }

// Ascending returns the intervals sorted by Start, ascending.
// The returned slice is owned by the set and must not be modified.
func (s *Set) Ascending() []Interval { return s.intervals }

// Descending calls f for every interval, largest first.
// Iteration stops if f returns false.
func (s *Set) Descending(f func(Interval) bool) {
	for i := len(s.intervals) - 1; i >= 0; i-- {
		if !f(s.intervals[i]) {
			return
		}
	}
}

func (s *Set) String() string {
	strs := make([]string, 0, len(s.intervals))
	for _, in := range s.intervals {
		strs = append(strs, in.String())
	}
	return "{" + strings.Join(strs, ", ") + "}"
}
