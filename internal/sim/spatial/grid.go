package spatial

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// CellKey is the integer coordinate of a grid cell: floor(pos / cellSize)
// per axis.
type CellKey struct {
	X, Y, Z int
}

func (k CellKey) add(o CellKey) CellKey {
	return CellKey{k.X + o.X, k.Y + o.Y, k.Z + o.Z}
}

var (
	// PlanarNeighborhood is the 3x3 block of cells around the origin cell.
	// A grid using it ignores z when bucketing, so it suits flat flocks.
	PlanarNeighborhood = Neighborhood(1, false)
	// VolumeNeighborhood is the 3x3x3 block of cells around the origin cell.
	VolumeNeighborhood = Neighborhood(1, true)
)

// Neighborhood returns the cell offsets of a cube (or square, when volume is
// false) extending reach cells from the origin cell on each side.
func Neighborhood(reach int, volume bool) []CellKey {
	if reach < 0 {
		reach = 0
	}
	zr := 0
	if volume {
		zr = reach
	}
	side := 2*reach + 1
	offsets := make([]CellKey, 0, side*side*(2*zr+1))
	for z := -zr; z <= zr; z++ {
		for y := -reach; y <= reach; y++ {
			for x := -reach; x <= reach; x++ {
				offsets = append(offsets, CellKey{x, y, z})
			}
		}
	}
	return offsets
}

// Grid is a uniform spatial hash. Entries are bucketed by the cell that
// contains them; a query visits the origin cell plus the configured offsets
// and keeps only entries that pass the exact distance test.
//
// Optimal cell size equals the largest query radius. Larger radii are still
// answered exactly: the query widens to every cell the radius can reach, and
// past a point it simply scans every occupied bucket.
type Grid[H comparable] struct {
	cellSize    float64
	invCellSize float64 // 1/cellSize for faster division
	offsets     []CellKey
	volume      bool // z participates in bucketing
	// coverage is the largest radius the offset set alone answers exactly.
	coverage float64
	cells    map[CellKey][]Entry[H]
	count    int
}

// NewGrid creates an empty grid. cellSize must be finite and positive.
// A nil or empty neighborhood defaults to VolumeNeighborhood.
func NewGrid[H comparable](cellSize float64, neighborhood []CellKey) (*Grid[H], error) {
	if !validCellSize(cellSize) {
		return nil, &ConfigError{Param: "cell size", Value: cellSize, Err: ErrInvalidCellSize}
	}
	if len(neighborhood) == 0 {
		neighborhood = VolumeNeighborhood
	}

	g := &Grid[H]{
		cells: make(map[CellKey][]Entry[H]),
	}
	g.setOffsets(neighborhood)
	g.resize(cellSize)
	return g, nil
}

// setOffsets dedupes the offset set and works out which axes it spans.
func (g *Grid[H]) setOffsets(neighborhood []CellKey) {
	seen := make(map[CellKey]struct{}, len(neighborhood))
	g.offsets = make([]CellKey, 0, len(neighborhood))
	reach := CellKey{-1, -1, -1}
	hasOrigin := false
	for _, o := range neighborhood {
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		g.offsets = append(g.offsets, o)
		if o == (CellKey{}) {
			hasOrigin = true
		}
		reach.X = max(reach.X, abs(o.X))
		reach.Y = max(reach.Y, abs(o.Y))
		reach.Z = max(reach.Z, abs(o.Z))
	}
	g.volume = reach.Z > 0

	// The offset set is only trusted when it is a full block around the
	// origin; anything irregular falls back to the covering scan.
	full := hasOrigin && len(g.offsets) == blockSize(reach, g.volume)
	g.coverage = -1
	if full {
		r := min(reach.X, reach.Y)
		if g.volume {
			r = min(r, reach.Z)
		}
		g.coverage = float64(r)
	}
}

func blockSize(reach CellKey, volume bool) int {
	n := (2*reach.X + 1) * (2*reach.Y + 1)
	if volume {
		n *= 2*reach.Z + 1
	}
	return n
}

func (g *Grid[H]) resize(cellSize float64) {
	g.cellSize = cellSize
	g.invCellSize = 1.0 / cellSize
}

// Kind implements Index.
func (g *Grid[H]) Kind() Kind { return KindGrid }

// Len implements Index.
func (g *Grid[H]) Len() int { return g.count }

// CellSize returns the current cell edge length.
func (g *Grid[H]) CellSize() float64 { return g.cellSize }

// SetCellSize changes the cell edge length and rebuckets what is stored, so
// inserts and queries always agree on the cell size.
func (g *Grid[H]) SetCellSize(size float64) error {
	if !validCellSize(size) {
		return &ConfigError{Param: "cell size", Value: size, Err: ErrInvalidCellSize}
	}
	if size == g.cellSize {
		return nil
	}

	old := g.cells
	g.cells = make(map[CellKey][]Entry[H], len(old))
	g.count = 0
	g.resize(size)
	for _, bucket := range old {
		for _, e := range bucket {
			g.Insert(e.Handle, e.Pos)
		}
	}
	return nil
}

// Clear resets all buckets without releasing their memory. Buckets that
// stayed empty for a whole cycle are dropped so the map tracks the live
// flock rather than everywhere it has ever been.
func (g *Grid[H]) Clear() {
	for k, bucket := range g.cells {
		if len(bucket) == 0 {
			delete(g.cells, k)
			continue
		}
		g.cells[k] = bucket[:0]
	}
	g.count = 0
}

// BulkInsert implements Index.
func (g *Grid[H]) BulkInsert(entries []Entry[H]) {
	for _, e := range entries {
		g.Insert(e.Handle, e.Pos)
	}
}

// Insert adds an entry to the bucket containing pos.
func (g *Grid[H]) Insert(handle H, pos mgl64.Vec3) {
	k := g.key(pos)
	g.cells[k] = append(g.cells[k], Entry[H]{Handle: handle, Pos: pos})
	g.count++
}

func (g *Grid[H]) key(pos mgl64.Vec3) CellKey {
	k := CellKey{
		X: g.coord(pos[0]),
		Y: g.coord(pos[1]),
	}
	if g.volume {
		k.Z = g.coord(pos[2])
	}
	return k
}

func (g *Grid[H]) coord(v float64) int {
	return int(math.Floor(v * g.invCellSize))
}

// Nearby implements Index.
func (g *Grid[H]) Nearby(origin mgl64.Vec3, radius float64, dst []H) []H {
	rSq, ok := radiusSq(radius)
	if !ok || g.count == 0 {
		return dst
	}

	if g.coverage >= 0 && radius <= g.coverage*g.cellSize {
		center := g.key(origin)
		for _, o := range g.offsets {
			dst = appendWithin(dst, g.cells[center.add(o)], origin, rSq)
		}
		return dst
	}

	// Radius outruns the neighborhood: visit every cell the query box
	// touches, or every occupied bucket if that is fewer. The span is sized
	// in floats first so a huge radius never reaches the int conversion.
	if !g.boxFits(origin, radius) {
		return g.scanAll(origin, rSq, dst)
	}
	lo := g.key(origin.Sub(mgl64.Vec3{radius, radius, radius}))
	hi := g.key(origin.Add(mgl64.Vec3{radius, radius, radius}))
	for z := lo.Z; z <= hi.Z; z++ {
		for y := lo.Y; y <= hi.Y; y++ {
			for x := lo.X; x <= hi.X; x++ {
				dst = appendWithin(dst, g.cells[CellKey{x, y, z}], origin, rSq)
			}
		}
	}
	return dst
}

// Nearest implements NearestFinder. It searches rings of cells outward from
// the origin cell and stops once no unvisited cell can hold anything closer
// than the best match so far.
func (g *Grid[H]) Nearest(origin mgl64.Vec3) (H, bool) {
	var best H
	if g.count == 0 {
		return best, false
	}
	bestSq := math.Inf(1)
	center := g.key(origin)

	for r := 0; ; r++ {
		side := float64(2*r + 1)
		block := side * side
		if g.volume {
			block *= side
		}
		if block > float64(len(g.cells)) {
			return g.nearestScan(origin)
		}

		zr := 0
		if g.volume {
			zr = r
		}
		for z := -zr; z <= zr; z++ {
			for y := -r; y <= r; y++ {
				for x := -r; x <= r; x++ {
					if max(abs(x), abs(y), abs(z)) != r {
						continue
					}
					for _, e := range g.cells[center.add(CellKey{x, y, z})] {
						if d := distSq(e.Pos, origin); d < bestSq {
							best, bestSq = e.Handle, d
						}
					}
				}
			}
		}

		// Every cell in ring r+1 is at least r cells away on some axis.
		if bound := float64(r) * g.cellSize; bestSq <= bound*bound {
			return best, true
		}
	}
}

func (g *Grid[H]) nearestScan(origin mgl64.Vec3) (H, bool) {
	var best H
	found := false
	bestSq := math.Inf(1)
	for _, bucket := range g.cells {
		for _, e := range bucket {
			if d := distSq(e.Pos, origin); d < bestSq {
				best, bestSq, found = e.Handle, d, true
			}
		}
	}
	return best, found
}

// maxCellCoord bounds cell coordinates that convert to int exactly.
const maxCellCoord = 1 << 52

// boxFits reports whether the cells covering the cube of half-width radius
// around origin have representable keys and number no more than the
// occupied buckets.
func (g *Grid[H]) boxFits(origin mgl64.Vec3, radius float64) bool {
	axes := 2
	if g.volume {
		axes = 3
	}
	span := 1.0
	for i := 0; i < axes; i++ {
		lo := math.Floor((origin[i] - radius) * g.invCellSize)
		hi := math.Floor((origin[i] + radius) * g.invCellSize)
		if !(lo >= -maxCellCoord && hi <= maxCellCoord) {
			return false
		}
		span *= hi - lo + 1
	}
	return span <= float64(len(g.cells))
}

func (g *Grid[H]) scanAll(origin mgl64.Vec3, rSq float64, dst []H) []H {
	for _, bucket := range g.cells {
		dst = appendWithin(dst, bucket, origin, rSq)
	}
	return dst
}

func appendWithin[H comparable](dst []H, bucket []Entry[H], origin mgl64.Vec3, rSq float64) []H {
	for i := range bucket {
		if distSq(bucket[i].Pos, origin) <= rSq {
			dst = append(dst, bucket[i].Handle)
		}
	}
	return dst
}

// Stats returns grid statistics for debugging/profiling.
func (g *Grid[H]) Stats() GridStats {
	var maxInCell, nonEmpty int
	for _, cell := range g.cells {
		n := len(cell)
		if n > maxInCell {
			maxInCell = n
		}
		if n > 0 {
			nonEmpty++
		}
	}

	avg := 0.0
	if nonEmpty > 0 {
		avg = float64(g.count) / float64(nonEmpty)
	}

	return GridStats{
		CellSize:       g.cellSize,
		Buckets:        len(g.cells),
		NonEmptyCells:  nonEmpty,
		TotalEntities:  g.count,
		MaxInCell:      maxInCell,
		AvgPerNonEmpty: avg,
	}
}

// GridStats contains grid statistics for debugging.
type GridStats struct {
	CellSize       float64
	Buckets        int
	NonEmptyCells  int
	TotalEntities  int
	MaxInCell      int
	AvgPerNonEmpty float64
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
