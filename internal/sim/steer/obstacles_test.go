package steer

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObstaclesNearestPoints(t *testing.T) {
	o := NewObstacles()
	o.AddCircle(mgl64.Vec3{100, 0, 0}, 10)
	o.AddBox(mgl64.Vec3{-20, 50, 0}, mgl64.Vec3{20, 60, 0})
	require.Equal(t, 2, o.Len())

	points := o.NearestPoints(mgl64.Vec3{0, 0, 0}, 95, nil)
	require.Len(t, points, 2)
	assert.ElementsMatch(t,
		[]mgl64.Vec3{{90, 0, 0}, {0, 50, 0}},
		roundAll(points))

	assert.Len(t, o.NearestPoints(mgl64.Vec3{0, 0, 0}, 40, nil), 0)
	assert.Empty(t, o.NearestPoints(mgl64.Vec3{}, -1, nil))
}

func TestObstaclesRemoveAndList(t *testing.T) {
	o := NewObstacles()
	a := o.AddSegment(mgl64.Vec3{0, 0, 0}, mgl64.Vec3{10, 0, 0}, 1)
	b := o.AddCircle(mgl64.Vec3{5, 5, 3}, 2)

	list := o.List()
	require.Len(t, list, 2)
	assert.Equal(t, a, list[0].ID)
	assert.Equal(t, ShapeSegment, list[0].Shape)
	assert.Equal(t, mgl64.Vec3{5, 5, 0}, list[1].Center)

	assert.True(t, o.Remove(a))
	assert.False(t, o.Remove(a))
	assert.Equal(t, []int{b}, ids(o.List()))
}

func TestAvoidance(t *testing.T) {
	o := NewObstacles()
	o.AddSegment(mgl64.Vec3{-100, 10, 0}, mgl64.Vec3{100, 10, 0}, 0)

	av := Avoidance{Obstacles: o, Range: 20, Factor: 3}
	got := av.Force(Agent{Pos: mgl64.Vec3{0, 0, 7}}, nil)
	// Wall is 10 above; push down by 10 * factor.
	assert.InDelta(t, -30.0, got[1], 1e-6)
	assert.InDelta(t, 0.0, got[0], 1e-6)
	assert.Zero(t, got[2])

	far := av.Force(Agent{Pos: mgl64.Vec3{0, -500, 0}}, nil)
	assert.Equal(t, mgl64.Vec3{}, far)
}

func roundAll(ps []mgl64.Vec3) []mgl64.Vec3 {
	out := make([]mgl64.Vec3, len(ps))
	for i, p := range ps {
		for j := range p {
			out[i][j] = math.Round(p[j]*1e6) / 1e6
		}
	}
	return out
}

func ids(obs []Obstacle) []int {
	out := make([]int, len(obs))
	for i, ob := range obs {
		out[i] = ob.ID
	}
	return out
}
