package sim

import (
	"time"

	"flock-sim/internal/sim/spatial"
)

// TickStats describes one completed tick.
type TickStats struct {
	Tick          uint64        `json:"tick"`
	Agents        int           `json:"agents"`
	Index         spatial.Kind  `json:"index"`
	Neighbors     int           `json:"neighbors"`
	MeanNeighbors float64       `json:"mean_neighbors"`
	CellSize      float64       `json:"cell_size,omitempty"` // grid only
	Refresh       time.Duration `json:"refresh_ns"`
	Query         time.Duration `json:"query_ns"`
	Total         time.Duration `json:"total_ns"`
}

// Observer receives TickStats after every tick. It is called with the
// engine lock held and must not call back into the engine.
type Observer interface {
	ObserveTick(TickStats)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(TickStats)

func (f ObserverFunc) ObserveTick(s TickStats) { f(s) }

type nopObserver struct{}

func (nopObserver) ObserveTick(TickStats) {}
