package spatial

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIndex(t testing.TB, kind Kind, cellSize float64) Index[int] {
	t.Helper()
	idx, err := New[int](Options{Kind: kind, CellSize: cellSize})
	require.NoError(t, err)
	return idx
}

func newRand(seed int64) *rand.Rand { return rand.New(rand.NewSource(seed)) }

func randomEntries(rng *rand.Rand, n int, extent float64, flat bool) []Entry[int] {
	entries := make([]Entry[int], n)
	for i := range entries {
		p := mgl64.Vec3{
			(rng.Float64()*2 - 1) * extent,
			(rng.Float64()*2 - 1) * extent,
		}
		if !flat {
			p[2] = (rng.Float64()*2 - 1) * extent
		}
		entries[i] = Entry[int]{Handle: i, Pos: p}
	}
	return entries
}

func sorted(h []int) []int {
	out := append([]int(nil), h...)
	sort.Ints(out)
	return out
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(" " + string(k) + " ")
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseKind("octree")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"unknown kind", Options{Kind: "octree"}, ErrUnknownKind},
		{"zero cell size", Options{Kind: KindGrid, CellSize: 0}, ErrInvalidCellSize},
		{"negative cell size", Options{Kind: KindGrid, CellSize: -4}, ErrInvalidCellSize},
		{"nan cell size", Options{Kind: KindGrid, CellSize: math.NaN()}, ErrInvalidCellSize},
		{"inf cell size", Options{Kind: KindGrid, CellSize: math.Inf(1)}, ErrInvalidCellSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New[int](tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestScenarioABC(t *testing.T) {
	entries := []Entry[string]{
		{Handle: "A", Pos: mgl64.Vec3{0, 0, 0}},
		{Handle: "B", Pos: mgl64.Vec3{10, 0, 0}},
		{Handle: "C", Pos: mgl64.Vec3{50, 0, 0}},
	}

	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			idx, err := New[string](Options{Kind: kind, CellSize: 32})
			require.NoError(t, err)
			idx.Clear()
			idx.BulkInsert(entries)

			got := idx.Nearby(mgl64.Vec3{}, 20, nil)
			assert.ElementsMatch(t, []string{"A", "B"}, got)
		})
	}
}

func TestEmptyIndex(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			idx := newIndex(t, kind, 32)
			idx.Clear()
			idx.BulkInsert(nil)

			for _, r := range []float64{0, 1, 100, math.Inf(1)} {
				assert.Empty(t, idx.Nearby(mgl64.Vec3{}, r, nil), "radius %v", r)
			}
			assert.Equal(t, 0, idx.Len())

			if nf, ok := idx.(NearestFinder[int]); ok {
				_, found := nf.Nearest(mgl64.Vec3{})
				assert.False(t, found)
			}
		})
	}
}

func TestSelfIncluded(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			idx := newIndex(t, kind, 32)
			self := mgl64.Vec3{12.5, -3, 0}
			idx.BulkInsert([]Entry[int]{
				{Handle: 7, Pos: self},
				{Handle: 8, Pos: mgl64.Vec3{500, 500, 0}},
			})

			assert.Equal(t, []int{7}, idx.Nearby(self, 10, nil))
			// Zero radius still finds the entry sitting on the origin.
			assert.Equal(t, []int{7}, idx.Nearby(self, 0, nil))
		})
	}
}

func TestBoundaryInclusive(t *testing.T) {
	origin := mgl64.Vec3{3, 4, 0}
	const r = 25.0

	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			idx := newIndex(t, kind, r)
			idx.BulkInsert([]Entry[int]{
				{Handle: 1, Pos: origin.Add(mgl64.Vec3{r, 0, 0})},
				{Handle: 2, Pos: origin.Add(mgl64.Vec3{0, -r, 0})},
				{Handle: 3, Pos: origin.Add(mgl64.Vec3{r + 0.001, 0, 0})},
			})

			assert.ElementsMatch(t, []int{1, 2}, idx.Nearby(origin, r, nil))
		})
	}
}

func TestMalformedRadius(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			idx := newIndex(t, kind, 32)
			idx.BulkInsert(randomEntries(rand.New(rand.NewSource(1)), 50, 100, false))

			assert.Empty(t, idx.Nearby(mgl64.Vec3{}, -1, nil))
			assert.Empty(t, idx.Nearby(mgl64.Vec3{}, math.NaN(), nil))
			assert.Len(t, idx.Nearby(mgl64.Vec3{}, math.Inf(1), nil), 50)
		})
	}
}

func TestHugeRadiusMatchesBrute(t *testing.T) {
	entries := []Entry[int]{
		{Handle: 1, Pos: mgl64.Vec3{0, 0, 0}},
		{Handle: 2, Pos: mgl64.Vec3{10, 0, 0}},
		{Handle: 3, Pos: mgl64.Vec3{50, 0, 0}},
	}
	brute := NewBrute[int]()
	brute.BulkInsert(entries)

	origins := []mgl64.Vec3{{}, {5, -3, 2}, {1e18, 0, 0}}
	radii := []float64{1e17, 1e19, 1e300, math.MaxFloat64}

	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			idx := newIndex(t, kind, 1)
			idx.BulkInsert(entries)

			for _, origin := range origins {
				for _, r := range radii {
					want := sorted(brute.Nearby(origin, r, nil))
					got := sorted(idx.Nearby(origin, r, nil))
					assert.Equal(t, want, got, "origin %v radius %g", origin, r)
				}
			}
			assert.ElementsMatch(t, []int{1, 2, 3}, idx.Nearby(mgl64.Vec3{}, 1e19, nil))
		})
	}

	t.Run("planar grid", func(t *testing.T) {
		g, err := NewGrid[int](1, PlanarNeighborhood)
		require.NoError(t, err)
		g.BulkInsert(entries)
		for _, r := range radii {
			assert.ElementsMatch(t, []int{1, 2, 3}, g.Nearby(mgl64.Vec3{}, r, nil), "radius %g", r)
		}
	})
}

func TestEquivalenceWithBrute(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		extent   float64
		cellSize float64
		radius   float64
		flat     bool
	}{
		{"flat cell equals radius", 500, 400, 32, 32, true},
		{"volume cell above radius", 500, 300, 64, 40, false},
		{"radius beyond cell", 400, 300, 16, 70, false},
		{"dense cluster", 300, 20, 8, 6, false},
		{"radius covers world", 200, 50, 10, 500, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			entries := randomEntries(rng, tt.n, tt.extent, tt.flat)

			brute := NewBrute[int]()
			brute.BulkInsert(entries)

			for _, kind := range Kinds() {
				idx := newIndex(t, kind, tt.cellSize)
				idx.Clear()
				idx.BulkInsert(entries)
				require.Equal(t, tt.n, idx.Len(), kind)

				for q := 0; q < 50; q++ {
					var origin mgl64.Vec3
					if q%2 == 0 {
						origin = entries[rng.Intn(len(entries))].Pos
					} else {
						origin = randomEntries(rng, 1, tt.extent, tt.flat)[0].Pos
					}
					want := sorted(brute.Nearby(origin, tt.radius, nil))
					got := sorted(idx.Nearby(origin, tt.radius, nil))
					require.Equal(t, want, got, "kind %s origin %v", kind, origin)
				}
			}
		})
	}
}

func TestIdempotentRebuild(t *testing.T) {
	entries := randomEntries(rand.New(rand.NewSource(7)), 300, 200, false)
	origins := randomEntries(rand.New(rand.NewSource(8)), 20, 200, false)

	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			idx := newIndex(t, kind, 40)

			run := func() [][]int {
				idx.Clear()
				idx.Clear()
				idx.BulkInsert(entries)
				out := make([][]int, len(origins))
				for i, o := range origins {
					out[i] = sorted(idx.Nearby(o.Pos, 40, nil))
				}
				return out
			}

			assert.Equal(t, run(), run())
		})
	}
}

func TestInsertMatchesBulkInsert(t *testing.T) {
	entries := randomEntries(rand.New(rand.NewSource(3)), 120, 100, false)

	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			bulk := newIndex(t, kind, 25)
			bulk.BulkInsert(entries)

			single := newIndex(t, kind, 25)
			single.BulkInsert(entries[:60])
			for _, e := range entries[60:] {
				single.Insert(e.Handle, e.Pos)
			}
			require.Equal(t, bulk.Len(), single.Len())

			for _, o := range entries[:20] {
				assert.Equal(t,
					sorted(bulk.Nearby(o.Pos, 25, nil)),
					sorted(single.Nearby(o.Pos, 25, nil)))
			}
		})
	}
}

func TestNearest(t *testing.T) {
	entries := randomEntries(rand.New(rand.NewSource(11)), 400, 300, false)
	brute := NewBrute[int]()
	brute.BulkInsert(entries)

	finders := map[string]NearestFinder[int]{
		"kdtree": NewKdTree[int](),
		"rtree":  NewRTree[int](),
		"grid":   newIndex(t, KindGrid, 16).(NearestFinder[int]),
		// Sparse enough that the ring search falls back to a full scan.
		"grid_fine": newIndex(t, KindGrid, 0.5).(NearestFinder[int]),
	}
	for name, nf := range finders {
		t.Run(name, func(t *testing.T) {
			nf.(Index[int]).BulkInsert(entries)

			rng := rand.New(rand.NewSource(12))
			for q := 0; q < 100; q++ {
				origin := randomEntries(rng, 1, 300, false)[0].Pos
				want, ok := brute.Nearest(origin)
				require.True(t, ok)
				got, ok := nf.Nearest(origin)
				require.True(t, ok)
				assert.InDelta(t,
					distSq(entries[want].Pos, origin),
					distSq(entries[got].Pos, origin), 1e-9)
			}
		})
	}
}

func TestDoesNotAppendOverDst(t *testing.T) {
	for _, kind := range Kinds() {
		t.Run(string(kind), func(t *testing.T) {
			idx := newIndex(t, kind, 32)
			idx.BulkInsert([]Entry[int]{{Handle: 5, Pos: mgl64.Vec3{1, 1, 0}}})

			dst := []int{99}
			dst = idx.Nearby(mgl64.Vec3{}, 5, dst)
			assert.Equal(t, []int{99, 5}, dst)
		})
	}
}

func BenchmarkRefreshAndQuery_1000(b *testing.B)  { benchmarkRefreshAndQuery(b, 1000) }
func BenchmarkRefreshAndQuery_5000(b *testing.B)  { benchmarkRefreshAndQuery(b, 5000) }
func BenchmarkRefreshAndQuery_10000(b *testing.B) { benchmarkRefreshAndQuery(b, 10000) }

func benchmarkRefreshAndQuery(b *testing.B, n int) {
	entries := randomEntries(rand.New(rand.NewSource(1)), n, 1000, true)
	for _, kind := range Kinds() {
		if kind == KindBrute && n > 5000 {
			continue
		}
		b.Run(string(kind), func(b *testing.B) {
			idx := newIndex(b, kind, 32)
			buf := make([]int, 0, 64)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				idx.Clear()
				idx.BulkInsert(entries)
				for _, e := range entries {
					buf = idx.Nearby(e.Pos, 32, buf[:0])
				}
			}
		})
	}
}
