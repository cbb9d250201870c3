package selection

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
)

// Set is the ordered result of one draw. Immutable once built.
type Set struct {
	indices []int
	targets []r3.Vec
	members *bitset.BitSet
	rank    map[int]int
}

// NewSet rebuilds a Set from indices in draw order. Duplicates are rejected.
func NewSet(indices []int) (*Set, error) {
	s := &Set{
		indices: make([]int, len(indices)),
		targets: Targets(len(indices)),
		members: bitset.New(0),
		rank:    make(map[int]int, len(indices)),
	}
	copy(s.indices, indices)
	for r, idx := range indices {
		if idx < 0 {
			return nil, fmt.Errorf("selection index %d is negative", idx)
		}
		if s.members.Test(uint(idx)) {
			return nil, fmt.Errorf("selection index %d drawn twice", idx)
		}
		s.members.Set(uint(idx))
		s.rank[idx] = r
	}
	return s, nil
}

// Targets returns K evenly spaced positions on the x axis in [-1,1].
// A single target sits at the origin.
func Targets(k int) []r3.Vec {
	out := make([]r3.Vec, k)
	if k < 2 {
		return out
	}
	xs := make([]float64, k)
	floats.Span(xs, -1, 1)
	for i, x := range xs {
		out[i] = r3.Vec{X: x}
	}
	return out
}

// Len returns K
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.indices)
}

// Indices returns a copy of the selected indices in draw order
func (s *Set) Indices() []int {
	if s == nil {
		return nil
	}
	out := make([]int, len(s.indices))
	copy(out, s.indices)
	return out
}

// Numbers returns the 1-based drawn numbers in draw order
func (s *Set) Numbers() []int {
	if s == nil {
		return nil
	}
	out := make([]int, len(s.indices))
	for i, idx := range s.indices {
		out[i] = idx + 1
	}
	return out
}

// Contains reports whether particle i was drawn
func (s *Set) Contains(i int) bool {
	if s == nil || i < 0 {
		return false
	}
	return s.members.Test(uint(i))
}

// Rank returns the 0-based draw position of particle i
func (s *Set) Rank(i int) (int, bool) {
	if s == nil {
		return 0, false
	}
	r, ok := s.rank[i]
	return r, ok
}

// Target returns the line-up position assigned to particle i
func (s *Set) Target(i int) (r3.Vec, bool) {
	r, ok := s.Rank(i)
	if !ok {
		return r3.Vec{}, false
	}
	return s.targets[r], true
}

// MaxIndex returns the largest selected index, or -1 for an empty set
func (s *Set) MaxIndex() int {
	max := -1
	for _, idx := range s.Indices() {
		if idx > max {
			max = idx
		}
	}
	return max
}
