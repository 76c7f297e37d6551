// Package steer implements the boids steering behaviours and the integrator
// that turns their summed force into motion.
//
// Behaviours only see an agent and its neighbor list; they never query a
// spatial index themselves. The neighbor list must already exclude the agent.
package steer

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Agent is the position/velocity pair a behaviour reads.
type Agent struct {
	Pos mgl64.Vec3
	Vel mgl64.Vec3
}

// Behaviour produces one force contribution for self.
type Behaviour interface {
	Force(self Agent, neighbors []Agent) mgl64.Vec3
}

// Sum adds every behaviour's contribution.
func Sum(self Agent, neighbors []Agent, behaviours []Behaviour) mgl64.Vec3 {
	var total mgl64.Vec3
	for _, b := range behaviours {
		total = total.Add(b.Force(self, neighbors))
	}
	return total
}

// Cohesion steers toward the mean position of the neighbors.
type Cohesion struct {
	Factor float64
}

func (c Cohesion) Force(self Agent, neighbors []Agent) mgl64.Vec3 {
	if len(neighbors) == 0 || c.Factor == 0 {
		return mgl64.Vec3{}
	}
	var center mgl64.Vec3
	for _, n := range neighbors {
		center = center.Add(n.Pos)
	}
	center = center.Mul(1 / float64(len(neighbors)))
	return center.Sub(self.Pos).Mul(c.Factor)
}

// Alignment steers toward the mean velocity of the neighbors.
type Alignment struct {
	Factor float64
}

func (a Alignment) Force(self Agent, neighbors []Agent) mgl64.Vec3 {
	if len(neighbors) == 0 || a.Factor == 0 {
		return mgl64.Vec3{}
	}
	var avg mgl64.Vec3
	for _, n := range neighbors {
		avg = avg.Add(n.Vel)
	}
	avg = avg.Mul(1 / float64(len(neighbors)))
	return avg.Sub(self.Vel).Mul(a.Factor)
}

// Separation pushes away from every neighbor with a fixed magnitude of
// Distance per neighbor. Neighbors sharing self's position have no direction
// and are skipped.
type Separation struct {
	Distance float64
	Factor   float64
}

func (s Separation) Force(self Agent, neighbors []Agent) mgl64.Vec3 {
	if s.Factor == 0 {
		return mgl64.Vec3{}
	}
	var push mgl64.Vec3
	for _, n := range neighbors {
		away := self.Pos.Sub(n.Pos)
		d := away.Len()
		if d == 0 {
			continue
		}
		push = push.Add(away.Mul(s.Distance / d))
	}
	return push.Mul(s.Factor)
}

// DesiredVelocity accelerates or brakes along the current heading toward
// Speed. A stationary agent has no heading and gets no force.
type DesiredVelocity struct {
	Speed  float64
	Factor float64
}

func (d DesiredVelocity) Force(self Agent, _ []Agent) mgl64.Vec3 {
	speed := self.Vel.Len()
	if speed == 0 || math.IsNaN(speed) || d.Factor == 0 {
		return mgl64.Vec3{}
	}
	return self.Vel.Mul((d.Speed - speed) / speed * d.Factor)
}

// Box is an axis-aligned area. Only x and y are enforced by Bounds.
type Box struct {
	Min mgl64.Vec3 `json:"min"`
	Max mgl64.Vec3 `json:"max"`
}

// Contains reports whether p lies inside the XY extent of b.
func (b Box) Contains(p mgl64.Vec3) bool {
	return p[0] > b.Min[0] && p[0] < b.Max[0] && p[1] > b.Min[1] && p[1] < b.Max[1]
}

// Bounds pulls agents that reach or leave the area back toward its edge,
// proportionally to how far out they are.
type Bounds struct {
	Area   Box
	Factor float64
}

func (b Bounds) Force(self Agent, _ []Agent) mgl64.Vec3 {
	var f mgl64.Vec3
	for axis := 0; axis < 2; axis++ {
		switch p := self.Pos[axis]; {
		case p >= b.Area.Max[axis]:
			f[axis] = (b.Area.Max[axis] - p) * b.Factor
		case p <= b.Area.Min[axis]:
			f[axis] = (b.Area.Min[axis] - p) * b.Factor
		}
	}
	return f
}
