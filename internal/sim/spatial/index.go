// Package spatial provides the interchangeable spatial indexes used to answer
// "which agents are within radius r of this point" once per agent per tick.
//
// Every index is rebuilt from scratch each tick (Clear + BulkInsert) and is
// then only read until the next rebuild. All implementations return exactly
// the same handle set as the brute-force scan: a stored handle is a neighbor
// when its squared distance to the origin is <= radius². The query origin's
// own handle is not excluded; callers filter self.
package spatial

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
)

// Kind names an index implementation.
type Kind string

const (
	KindGrid     Kind = "grid"
	KindKdTree   Kind = "kdtree"
	KindRTree    Kind = "rtree"
	KindFlatbush Kind = "flatbush"
	KindSweep    Kind = "sweep"
	KindBrute    Kind = "brute"
)

// Kinds returns every supported index kind, brute force last.
func Kinds() []Kind {
	return []Kind{KindGrid, KindKdTree, KindRTree, KindFlatbush, KindSweep, KindBrute}
}

// ParseKind converts a user-supplied name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", &ConfigError{Param: "kind", Value: s, Err: ErrUnknownKind}
}

var (
	// ErrUnknownKind is returned for an index kind that has no implementation.
	ErrUnknownKind = errors.New("unknown index kind")
	// ErrInvalidCellSize is returned for a grid cell size that is not a
	// finite positive number.
	ErrInvalidCellSize = errors.New("cell size must be finite and > 0")
)

// ConfigError reports an invalid index construction parameter.
type ConfigError struct {
	Param string
	Value any
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("spatial: invalid %s %v: %v", e.Param, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Entry is one handle/position pair held by an index for a single refresh
// cycle.
type Entry[H comparable] struct {
	Handle H
	Pos    mgl64.Vec3
}

// Index is the neighbor-query contract shared by every implementation.
//
// Clear and the insert methods must not run concurrently with Nearby.
// Nearby is safe for concurrent use between rebuilds.
type Index[H comparable] interface {
	// Clear discards all entries. Calling it twice is a no-op.
	Clear()
	// BulkInsert adds entries to whatever the index already holds.
	BulkInsert(entries []Entry[H])
	// Insert adds a single entry.
	Insert(handle H, pos mgl64.Vec3)
	// Nearby appends to dst every stored handle within radius of origin
	// (inclusive) and returns the extended slice. A negative or NaN radius
	// yields no handles.
	Nearby(origin mgl64.Vec3, radius float64, dst []H) []H
	// Len reports the number of stored entries.
	Len() int
	// Kind reports the implementation.
	Kind() Kind
}

// NearestFinder is implemented by indexes that can answer a single nearest
// neighbor query. ok is false when the index is empty.
type NearestFinder[H comparable] interface {
	Nearest(origin mgl64.Vec3) (handle H, ok bool)
}

// Resizer is implemented by indexes whose bucketing depends on a cell size.
type Resizer interface {
	CellSize() float64
	SetCellSize(size float64) error
}

// Options configures New.
type Options struct {
	Kind Kind
	// CellSize is only used by the grid. It should be at least the largest
	// query radius.
	CellSize float64
	// Neighborhood is the grid's cell-offset set. Empty means
	// VolumeNeighborhood.
	Neighborhood []CellKey
	// InsertionSort makes the sweep index sort with insertion sort, which is
	// close to linear when entries arrive nearly ordered on x.
	InsertionSort bool
}

// New builds an empty index of the requested kind.
func New[H comparable](opts Options) (Index[H], error) {
	switch opts.Kind {
	case KindGrid:
		return NewGrid[H](opts.CellSize, opts.Neighborhood)
	case KindKdTree:
		return NewKdTree[H](), nil
	case KindRTree:
		return NewRTree[H](), nil
	case KindFlatbush:
		return NewFlatbush[H](), nil
	case KindSweep:
		s := NewSweep[H]()
		s.SetInsertionSort(opts.InsertionSort)
		return s, nil
	case KindBrute:
		return NewBrute[H](), nil
	default:
		return nil, &ConfigError{Param: "kind", Value: opts.Kind, Err: ErrUnknownKind}
	}
}

// radiusSq returns radius² and whether the radius can match anything.
// NaN and negative radii never match.
func radiusSq(radius float64) (float64, bool) {
	if !(radius >= 0) {
		return 0, false
	}
	return radius * radius, true
}

func distSq(a, b mgl64.Vec3) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return dx*dx + dy*dy + dz*dz
}

func validCellSize(size float64) bool {
	return size > 0 && !math.IsInf(size, 1)
}
