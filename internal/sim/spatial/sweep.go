package spatial

import (
	"slices"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
)

// Sweep keeps entries sorted along the x axis. A query binary-searches the
// slab [x-r, x+r] and runs the exact distance test on what falls inside it.
//
// With insertion sort enabled and entries arriving in roughly the order of
// the previous tick (agents move little between frames), sorting approaches
// O(n). This is the same temporal-coherence trick sweep-and-prune broad
// phases use.
type Sweep[H comparable] struct {
	entries    []Entry[H] // sorted by Pos.X
	useInsSort bool
}

// NewSweep creates an empty sorted-axis index.
func NewSweep[H comparable]() *Sweep[H] {
	return &Sweep[H]{}
}

// SetInsertionSort enables/disables insertion sort on bulk inserts.
// When false (default), uses the standard O(n log n) sort.
func (s *Sweep[H]) SetInsertionSort(enabled bool) {
	s.useInsSort = enabled
}

// Kind implements Index.
func (s *Sweep[H]) Kind() Kind { return KindSweep }

// Len implements Index.
func (s *Sweep[H]) Len() int { return len(s.entries) }

// Clear implements Index.
func (s *Sweep[H]) Clear() {
	s.entries = s.entries[:0]
}

// BulkInsert implements Index.
func (s *Sweep[H]) BulkInsert(entries []Entry[H]) {
	s.entries = append(s.entries, entries...)
	if s.useInsSort {
		insertionSortByX(s.entries)
		return
	}
	slices.SortFunc(s.entries, func(a, b Entry[H]) int {
		switch {
		case a.Pos[0] < b.Pos[0]:
			return -1
		case a.Pos[0] > b.Pos[0]:
			return 1
		}
		return 0
	})
}

// Insert places the entry at its sorted position.
func (s *Sweep[H]) Insert(handle H, pos mgl64.Vec3) {
	i := s.lowerBound(pos[0])
	s.entries = slices.Insert(s.entries, i, Entry[H]{Handle: handle, Pos: pos})
}

// lowerBound returns the first slot whose x is >= x.
func (s *Sweep[H]) lowerBound(x float64) int {
	return sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Pos[0] >= x
	})
}

// Nearby implements Index.
func (s *Sweep[H]) Nearby(origin mgl64.Vec3, radius float64, dst []H) []H {
	rSq, ok := radiusSq(radius)
	if !ok {
		return dst
	}
	maxX := origin[0] + radius
	for i := s.lowerBound(origin[0] - radius); i < len(s.entries); i++ {
		e := &s.entries[i]
		if e.Pos[0] > maxX {
			break
		}
		if distSq(e.Pos, origin) <= rSq {
			dst = append(dst, e.Handle)
		}
	}
	return dst
}

// insertionSortByX sorts in place; O(n) for nearly-sorted input.
func insertionSortByX[H comparable](entries []Entry[H]) {
	for i := 1; i < len(entries); i++ {
		key := entries[i]
		j := i - 1
		for j >= 0 && entries[j].Pos[0] > key.Pos[0] {
			entries[j+1] = entries[j]
			j--
		}
		entries[j+1] = key
	}
}
