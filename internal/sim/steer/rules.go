package steer

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
)

// Rules are the live-tunable flocking parameters. The engine re-reads them
// every tick, so changing them takes effect on the next step.
type Rules struct {
	// Perception is the neighbor query radius. It also sizes grid cells when
	// the grid follows perception.
	Perception float64 `json:"perception" toml:"perception"`

	CohesionFactor     float64 `json:"cohesion" toml:"cohesion"`
	AlignmentFactor    float64 `json:"alignment" toml:"alignment"`
	SeparationFactor   float64 `json:"separation" toml:"separation"`
	SeparationDistance float64 `json:"separation_distance" toml:"separation_distance"`
	BoundsFactor       float64 `json:"bounds" toml:"bounds"`
	AvoidanceFactor    float64 `json:"avoidance" toml:"avoidance"`
	DesiredFactor      float64 `json:"desired" toml:"desired"`
	DesiredSpeed       float64 `json:"desired_speed" toml:"desired_speed"`

	MaxForce    float64 `json:"max_force" toml:"max_force"`
	MaxVelocity float64 `json:"max_velocity" toml:"max_velocity"`

	// MaxNeighbors caps each agent's neighbor list. 0 means no cap.
	MaxNeighbors int `json:"max_neighbors" toml:"max_neighbors"`

	// Freeze skips integration; queries and steering still run.
	Freeze bool `json:"freeze" toml:"freeze"`
}

// DefaultRules returns the tuning used by the reference flock.
func DefaultRules() Rules {
	return Rules{
		Perception:         128,
		CohesionFactor:     4,
		AlignmentFactor:    2,
		SeparationFactor:   8,
		SeparationDistance: 10,
		BoundsFactor:       4,
		AvoidanceFactor:    50,
		DesiredFactor:      0.1,
		DesiredSpeed:       175,
		MaxForce:           1000,
		MaxVelocity:        225,
	}
}

// Validate rejects parameters the simulation cannot run with.
func (r Rules) Validate() error {
	if !(r.Perception > 0) || math.IsInf(r.Perception, 0) {
		return errors.Errorf("perception must be finite and > 0, got %v", r.Perception)
	}
	for name, v := range map[string]float64{
		"separation_distance": r.SeparationDistance,
		"desired_speed":       r.DesiredSpeed,
		"max_force":           r.MaxForce,
		"max_velocity":        r.MaxVelocity,
	} {
		if !(v >= 0) {
			return errors.Errorf("%s must be >= 0, got %v", name, v)
		}
	}
	if r.MaxNeighbors < 0 {
		return errors.Errorf("max_neighbors must be >= 0, got %d", r.MaxNeighbors)
	}
	return nil
}

// Behaviours builds the steering pipeline for these rules. obstacles may be
// nil.
func (r Rules) Behaviours(area Box, obstacles *Obstacles) []Behaviour {
	return []Behaviour{
		Cohesion{Factor: r.CohesionFactor},
		Separation{Distance: r.SeparationDistance, Factor: r.SeparationFactor},
		Alignment{Factor: r.AlignmentFactor},
		Bounds{Area: area, Factor: r.BoundsFactor},
		Avoidance{Obstacles: obstacles, Range: r.Perception, Factor: r.AvoidanceFactor},
		DesiredVelocity{Speed: r.DesiredSpeed, Factor: r.DesiredFactor},
	}
}

// Integrate applies force to agent over dt: the force is clamped to
// MaxForce, velocity to MaxVelocity, and position advances by the new
// velocity.
func Integrate(a Agent, force mgl64.Vec3, r Rules, dt float64) Agent {
	force = clampLen(force, r.MaxForce)
	a.Vel = clampLen(a.Vel.Add(force.Mul(dt)), r.MaxVelocity)
	a.Pos = a.Pos.Add(a.Vel.Mul(dt))
	return a
}

func clampLen(v mgl64.Vec3, limit float64) mgl64.Vec3 {
	l := v.Len()
	if l > limit && l > 0 {
		return v.Mul(limit / l)
	}
	return v
}
