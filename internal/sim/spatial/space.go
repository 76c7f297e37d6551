package spatial

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
)

var (
	// ErrStaleIndex is returned by a query for a tick the index was not
	// refreshed for. Reading it would mean answering from last tick's
	// positions.
	ErrStaleIndex = errors.New("spatial index not refreshed for this tick")
	// ErrNearestUnsupported is returned when the active index cannot answer
	// nearest-neighbor queries.
	ErrNearestUnsupported = errors.New("index does not support nearest queries")
)

// Space owns the active index and enforces the per-tick protocol: a refresh
// for tick N must complete before any query for tick N is answered.
//
// Refresh and Swap take the write lock; queries share the read lock, so any
// number of workers may query one refreshed tick concurrently.
type Space[H comparable] struct {
	mu    sync.RWMutex
	index Index[H]
	tick  uint64
	fresh bool
}

// NewSpace wraps index. The space starts stale.
func NewSpace[H comparable](index Index[H]) *Space[H] {
	return &Space[H]{index: index}
}

// Kind reports the active implementation.
func (s *Space[H]) Kind() Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Kind()
}

// Len reports how many entries the last refresh stored.
func (s *Space[H]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// Swap replaces the active index. The space is stale until the next
// Refresh.
func (s *Space[H]) Swap(index Index[H]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = index
	s.fresh = false
}

// Refresh rebuilds the index from entries (Clear then BulkInsert) and marks
// it current for tick.
func (s *Space[H]) Refresh(tick uint64, entries []Entry[H]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked(tick, entries)
}

// RefreshWithCellSize is Refresh preceded by a cell size update, for
// indexes that bucket by cell size. Other indexes ignore cellSize.
func (s *Space[H]) RefreshWithCellSize(tick uint64, entries []Entry[H], cellSize float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.index.(Resizer); ok {
		// Clear first so the resize has nothing to rebucket.
		s.index.Clear()
		if err := r.SetCellSize(cellSize); err != nil {
			s.fresh = false
			return err
		}
	}
	s.refreshLocked(tick, entries)
	return nil
}

func (s *Space[H]) refreshLocked(tick uint64, entries []Entry[H]) {
	s.index.Clear()
	s.index.BulkInsert(entries)
	s.tick = tick
	s.fresh = true
}

// Current reports whether the index was refreshed for tick.
func (s *Space[H]) Current(tick uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fresh && s.tick == tick
}

func (s *Space[H]) checkLocked(tick uint64) error {
	if !s.fresh || s.tick != tick {
		return errors.Wrapf(ErrStaleIndex, "query tick %d, refreshed tick %d", tick, s.tick)
	}
	return nil
}

// Nearby appends every handle within radius of origin for tick.
func (s *Space[H]) Nearby(tick uint64, origin mgl64.Vec3, radius float64, dst []H) ([]H, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(tick); err != nil {
		return dst, err
	}
	return s.index.Nearby(origin, radius, dst), nil
}

// NearbyBounded is Nearby with the appended handles capped at limit.
// limit <= 0 means no cap. Which handles survive the cap is unspecified.
func (s *Space[H]) NearbyBounded(tick uint64, origin mgl64.Vec3, radius float64, limit int, dst []H) ([]H, error) {
	start := len(dst)
	dst, err := s.Nearby(tick, origin, radius, dst)
	if err != nil {
		return dst, err
	}
	if limit > 0 && len(dst)-start > limit {
		dst = dst[:start+limit]
	}
	return dst, nil
}

// Nearest returns the handle closest to origin for tick. ok is false when
// the index is empty.
func (s *Space[H]) Nearest(tick uint64, origin mgl64.Vec3) (handle H, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(tick); err != nil {
		return handle, false, err
	}
	nf, supported := s.index.(NearestFinder[H])
	if !supported {
		return handle, false, errors.Wrapf(ErrNearestUnsupported, "kind %s", s.index.Kind())
	}
	handle, ok = nf.Nearest(origin)
	return handle, ok, nil
}

// GridStats returns the grid statistics when the active index is a grid.
func (s *Space[H]) GridStats() (GridStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.index.(*Grid[H])
	if !ok {
		return GridStats{}, false
	}
	return g.Stats(), true
}
