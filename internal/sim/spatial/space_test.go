package spatial

import (
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpaceRejectsQueryBeforeRefresh(t *testing.T) {
	s := NewSpace[int](NewBrute[int]())

	_, err := s.Nearby(1, mgl64.Vec3{}, 10, nil)
	assert.ErrorIs(t, err, ErrStaleIndex)

	s.Refresh(1, []Entry[int]{{Handle: 1, Pos: mgl64.Vec3{}}})
	got, err := s.Nearby(1, mgl64.Vec3{}, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got)

	// Tick 2 has not been refreshed yet.
	_, err = s.Nearby(2, mgl64.Vec3{}, 10, nil)
	assert.ErrorIs(t, err, ErrStaleIndex)
}

func TestSpaceSwapMarksStale(t *testing.T) {
	s := NewSpace[int](NewBrute[int]())
	s.Refresh(5, nil)

	s.Swap(NewKdTree[int]())
	assert.Equal(t, KindKdTree, s.Kind())

	_, err := s.Nearby(5, mgl64.Vec3{}, 10, nil)
	assert.ErrorIs(t, err, ErrStaleIndex)
}

func TestSpaceRefreshReplacesContents(t *testing.T) {
	s := NewSpace[int](NewBrute[int]())
	s.Refresh(1, []Entry[int]{{Handle: 1, Pos: mgl64.Vec3{}}})
	s.Refresh(2, []Entry[int]{{Handle: 2, Pos: mgl64.Vec3{}}})

	got, err := s.Nearby(2, mgl64.Vec3{}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, got)
	assert.Equal(t, 1, s.Len())
}

func TestSpaceRefreshWithCellSize(t *testing.T) {
	g, err := NewGrid[int](4, PlanarNeighborhood)
	require.NoError(t, err)
	s := NewSpace[int](g)

	entries := []Entry[int]{
		{Handle: 1, Pos: mgl64.Vec3{0, 0, 0}},
		{Handle: 2, Pos: mgl64.Vec3{30, 0, 0}},
	}
	require.NoError(t, s.RefreshWithCellSize(1, entries, 32))
	assert.Equal(t, 32.0, g.CellSize())

	got, err := s.Nearby(1, mgl64.Vec3{}, 32, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, got)

	err = s.RefreshWithCellSize(2, entries, 0)
	assert.ErrorIs(t, err, ErrInvalidCellSize)
	_, err = s.Nearby(2, mgl64.Vec3{}, 32, nil)
	assert.ErrorIs(t, err, ErrStaleIndex)

	stats, ok := s.GridStats()
	require.True(t, ok)
	assert.Equal(t, 32.0, stats.CellSize)
}

func TestSpaceRefreshWithCellSizeIgnoredByTrees(t *testing.T) {
	s := NewSpace[int](NewRTree[int]())
	require.NoError(t, s.RefreshWithCellSize(1, []Entry[int]{{Handle: 3, Pos: mgl64.Vec3{1, 1, 0}}}, 0))

	got, err := s.Nearby(1, mgl64.Vec3{}, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, got)

	_, ok := s.GridStats()
	assert.False(t, ok)
}

func TestSpaceNearbyBounded(t *testing.T) {
	s := NewSpace[int](NewBrute[int]())
	entries := make([]Entry[int], 10)
	for i := range entries {
		entries[i] = Entry[int]{Handle: i, Pos: mgl64.Vec3{float64(i), 0, 0}}
	}
	s.Refresh(1, entries)

	dst := []int{-1}
	dst, err := s.NearbyBounded(1, mgl64.Vec3{}, 100, 4, dst)
	require.NoError(t, err)
	assert.Len(t, dst, 5)
	assert.Equal(t, -1, dst[0])

	all, err := s.NearbyBounded(1, mgl64.Vec3{}, 100, 0, nil)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestSpaceNearest(t *testing.T) {
	s := NewSpace[int](NewKdTree[int]())
	s.Refresh(1, nil)

	_, ok, err := s.Nearest(1, mgl64.Vec3{})
	require.NoError(t, err)
	assert.False(t, ok)

	s.Refresh(2, []Entry[int]{
		{Handle: 1, Pos: mgl64.Vec3{10, 0, 0}},
		{Handle: 2, Pos: mgl64.Vec3{-3, 0, 0}},
	})
	h, ok, err := s.Nearest(2, mgl64.Vec3{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, h)

	s.Swap(NewSweep[int]())
	s.Refresh(3, nil)
	_, _, err = s.Nearest(3, mgl64.Vec3{})
	assert.ErrorIs(t, err, ErrNearestUnsupported)
}

func TestSpaceConcurrentQueries(t *testing.T) {
	g, err := NewGrid[int](16, nil)
	require.NoError(t, err)
	s := NewSpace[int](g)

	entries := randomEntries(newRand(5), 1000, 200, false)
	s.Refresh(1, entries)

	brute := NewBrute[int]()
	brute.BulkInsert(entries)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var buf []int
			for i := w; i < len(entries); i += 8 {
				var err error
				buf, err = s.Nearby(1, entries[i].Pos, 16, buf[:0])
				if err != nil {
					errs <- err
					return
				}
				if len(buf) != len(brute.Nearby(entries[i].Pos, 16, nil)) {
					errs <- assert.AnError
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
