package spatial

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeighborhoodSizes(t *testing.T) {
	assert.Len(t, PlanarNeighborhood, 9)
	assert.Len(t, VolumeNeighborhood, 27)
	assert.Len(t, Neighborhood(2, false), 25)
	assert.Len(t, Neighborhood(0, true), 1)

	for _, o := range PlanarNeighborhood {
		assert.Zero(t, o.Z)
	}
}

func TestGridCellKey(t *testing.T) {
	g, err := NewGrid[int](32, nil)
	require.NoError(t, err)

	tests := []struct {
		pos  mgl64.Vec3
		want CellKey
	}{
		{mgl64.Vec3{0, 0, 0}, CellKey{0, 0, 0}},
		{mgl64.Vec3{31.9, 32, 64}, CellKey{0, 1, 2}},
		{mgl64.Vec3{-0.1, -32, -32.1}, CellKey{-1, -1, -2}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.key(tt.pos), "pos %v", tt.pos)
	}
}

func TestPlanarGridIgnoresZ(t *testing.T) {
	g, err := NewGrid[int](10, PlanarNeighborhood)
	require.NoError(t, err)

	g.Insert(1, mgl64.Vec3{0, 0, 500})
	g.Insert(2, mgl64.Vec3{0, 0, 3})

	assert.Equal(t, CellKey{0, 0, 0}, g.key(mgl64.Vec3{0, 0, 500}))
	assert.ElementsMatch(t, []int{2}, g.Nearby(mgl64.Vec3{}, 5, nil))
	assert.ElementsMatch(t, []int{1, 2}, g.Nearby(mgl64.Vec3{0, 0, 250}, 250, nil))
}

func TestGridIrregularNeighborhoodStaysExact(t *testing.T) {
	// Origin cell only: every query must fall back to the covering scan.
	g, err := NewGrid[int](10, []CellKey{{0, 0, 0}})
	require.NoError(t, err)
	g.BulkInsert([]Entry[int]{
		{Handle: 1, Pos: mgl64.Vec3{9, 0, 0}},
		{Handle: 2, Pos: mgl64.Vec3{11, 0, 0}},
		{Handle: 3, Pos: mgl64.Vec3{-8, 0, 0}},
	})

	assert.ElementsMatch(t, []int{1, 2, 3}, g.Nearby(mgl64.Vec3{1, 0, 0}, 10, nil))
}

func TestGridSetCellSize(t *testing.T) {
	g, err := NewGrid[int](8, nil)
	require.NoError(t, err)
	g.BulkInsert([]Entry[int]{
		{Handle: 1, Pos: mgl64.Vec3{0, 0, 0}},
		{Handle: 2, Pos: mgl64.Vec3{30, 0, 0}},
		{Handle: 3, Pos: mgl64.Vec3{90, 0, 0}},
	})

	require.NoError(t, g.SetCellSize(32))
	assert.Equal(t, 32.0, g.CellSize())
	assert.Equal(t, 3, g.Len())
	assert.ElementsMatch(t, []int{1, 2}, g.Nearby(mgl64.Vec3{}, 32, nil))

	for _, bad := range []float64{0, -1} {
		err := g.SetCellSize(bad)
		assert.ErrorIs(t, err, ErrInvalidCellSize)
	}
	assert.Equal(t, 32.0, g.CellSize())
}

func TestGridClearDropsIdleBuckets(t *testing.T) {
	g, err := NewGrid[int](10, nil)
	require.NoError(t, err)

	g.Insert(1, mgl64.Vec3{0, 0, 0})
	g.Insert(2, mgl64.Vec3{100, 0, 0})
	g.Clear()
	assert.Equal(t, 2, g.Stats().Buckets)
	assert.Equal(t, 0, g.Stats().NonEmptyCells)

	g.Insert(3, mgl64.Vec3{0, 0, 0})
	g.Clear()
	// The bucket at x=100 sat empty for a whole cycle.
	assert.Equal(t, 1, g.Stats().Buckets)
}

func TestGridStats(t *testing.T) {
	g, err := NewGrid[int](10, PlanarNeighborhood)
	require.NoError(t, err)
	g.BulkInsert([]Entry[int]{
		{Handle: 1, Pos: mgl64.Vec3{1, 1, 0}},
		{Handle: 2, Pos: mgl64.Vec3{2, 2, 0}},
		{Handle: 3, Pos: mgl64.Vec3{3, 3, 0}},
		{Handle: 4, Pos: mgl64.Vec3{55, 0, 0}},
	})

	s := g.Stats()
	assert.Equal(t, 10.0, s.CellSize)
	assert.Equal(t, 2, s.NonEmptyCells)
	assert.Equal(t, 4, s.TotalEntities)
	assert.Equal(t, 3, s.MaxInCell)
	assert.InDelta(t, 2.0, s.AvgPerNonEmpty, 1e-9)
}

func TestSweepInsertionSort(t *testing.T) {
	s := NewSweep[int]()
	s.SetInsertionSort(true)
	s.BulkInsert([]Entry[int]{
		{Handle: 1, Pos: mgl64.Vec3{5, 0, 0}},
		{Handle: 2, Pos: mgl64.Vec3{-3, 0, 0}},
		{Handle: 3, Pos: mgl64.Vec3{1, 0, 0}},
	})
	s.Insert(4, mgl64.Vec3{0, 0, 0})

	xs := make([]float64, 0, s.Len())
	for _, e := range s.entries {
		xs = append(xs, e.Pos[0])
	}
	assert.Equal(t, []float64{-3, 0, 1, 5}, xs)
	assert.ElementsMatch(t, []int{2, 3, 4}, s.Nearby(mgl64.Vec3{-1, 0, 0}, 2.5, nil))
}
