// Bench compares the spatial index implementations on one random point set.
//
// For every kind it times a full rebuild and a batch of radius queries, and
// checks each query result against the brute-force index.
//
// Profiling:
// go run ./cmd/bench -profile cpu
// go tool pprof -http=":8000" ./cpu.pprof
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"flock-sim/internal/sim/spatial"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/profile"
)

func main() {
	n := flag.Int("n", 10000, "number of points")
	queries := flag.Int("queries", 2000, "radius queries per kind")
	radius := flag.Float64("radius", 64, "query radius")
	extent := flag.Float64("extent", 3200, "side of the square the points are spread over")
	volume := flag.Bool("volume", false, "spread points over a cube instead of the z = 0 plane")
	kindsFlag := flag.String("kinds", "", "comma separated kinds, empty for all")
	rounds := flag.Int("rounds", 5, "rebuilds per kind")
	seed := flag.Int64("seed", 1, "RNG seed")
	prof := flag.String("profile", "", "cpu or mem")
	flag.Parse()

	switch *prof {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	default:
		log.Fatalf("unknown profile %q", *prof)
	}

	kinds, err := parseKinds(*kindsFlag)
	if err != nil {
		log.Fatal(err)
	}

	rng := rand.New(rand.NewSource(*seed))
	entries := randomEntries(rng, *n, *extent, *volume)
	origins := make([]mgl64.Vec3, *queries)
	for i := range origins {
		origins[i] = entries[rng.Intn(len(entries))].Pos
	}

	neighborhood := spatial.PlanarNeighborhood
	if *volume {
		neighborhood = spatial.VolumeNeighborhood
	}

	ref := spatial.NewBrute[int]()
	ref.BulkInsert(entries)
	want := make([][]int, len(origins))
	for i, o := range origins {
		want[i] = sorted(ref.Nearby(o, *radius, nil))
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "kind\tbuild\tquery\tper query\tmean hits\tmismatches\t\n")
	for _, kind := range kinds {
		idx, err := spatial.New[int](spatial.Options{
			Kind:         kind,
			CellSize:     *radius,
			Neighborhood: neighborhood,
		})
		if err != nil {
			log.Fatalf("%s: %v", kind, err)
		}
		r := run(idx, entries, origins, *radius, *rounds, want)
		fmt.Fprintf(tw, "%s\t%v\t%v\t%v\t%.1f\t%d\t\n",
			kind, r.build, r.query, r.query/time.Duration(max(len(origins), 1)), r.meanHits, r.mismatches)
	}
	tw.Flush()
}

type result struct {
	build      time.Duration
	query      time.Duration
	meanHits   float64
	mismatches int
}

// run rebuilds idx rounds times and reports the mean build time, then times
// one pass of queries.
func run(idx spatial.Index[int], entries []spatial.Entry[int], origins []mgl64.Vec3, radius float64, rounds int, want [][]int) result {
	var r result
	rounds = max(rounds, 1)

	start := time.Now()
	for i := 0; i < rounds; i++ {
		idx.Clear()
		idx.BulkInsert(entries)
	}
	r.build = time.Since(start) / time.Duration(rounds)

	results := make([][]int, len(origins))
	var buf []int
	hits := 0
	start = time.Now()
	for i, o := range origins {
		buf = idx.Nearby(o, radius, buf[:0])
		results[i] = append([]int(nil), buf...)
		hits += len(buf)
	}
	r.query = time.Since(start)
	if len(origins) > 0 {
		r.meanHits = float64(hits) / float64(len(origins))
	}

	for i := range results {
		if !slices.Equal(sorted(results[i]), want[i]) {
			r.mismatches++
		}
	}
	return r
}

func parseKinds(s string) ([]spatial.Kind, error) {
	if s == "" {
		return spatial.Kinds(), nil
	}
	var kinds []spatial.Kind
	for _, part := range strings.Split(s, ",") {
		k, err := spatial.ParseKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func randomEntries(rng *rand.Rand, n int, extent float64, volume bool) []spatial.Entry[int] {
	entries := make([]spatial.Entry[int], n)
	for i := range entries {
		p := mgl64.Vec3{
			(rng.Float64() - 0.5) * extent,
			(rng.Float64() - 0.5) * extent,
		}
		if volume {
			p[2] = (rng.Float64() - 0.5) * extent
		}
		entries[i] = spatial.Entry[int]{Handle: i, Pos: p}
	}
	return entries
}

func sorted(s []int) []int {
	slices.Sort(s)
	return s
}
