package steer

import (
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/jakecoffman/cp/v2"
)

// ObstacleShape names the geometry of a static obstacle.
type ObstacleShape string

const (
	ShapeCircle  ObstacleShape = "circle"
	ShapeSegment ObstacleShape = "segment"
	ShapeBox     ObstacleShape = "box"
)

// Obstacle describes one static obstacle on the XY plane.
type Obstacle struct {
	ID     int           `json:"id"`
	Shape  ObstacleShape `json:"shape"`
	Center mgl64.Vec3    `json:"center"`           // circle
	A      mgl64.Vec3    `json:"a"`                // segment start, box min
	B      mgl64.Vec3    `json:"b"`                // segment end, box max
	Radius float64       `json:"radius,omitempty"` // circle radius, segment thickness
}

// Obstacles is a set of static shapes held in a chipmunk space, queried for
// the nearest surface point of every shape within range of an agent.
//
// The chipmunk space is not safe for concurrent queries; all access goes
// through mu.
type Obstacles struct {
	mu     sync.Mutex
	space  *cp.Space
	shapes map[int]*cp.Shape
	byID   map[int]Obstacle
	nextID int
}

// NewObstacles creates an empty obstacle set.
func NewObstacles() *Obstacles {
	return &Obstacles{
		space:  cp.NewSpace(),
		shapes: make(map[int]*cp.Shape),
		byID:   make(map[int]Obstacle),
		nextID: 1,
	}
}

// AddCircle adds a disc and returns its id.
func (o *Obstacles) AddCircle(center mgl64.Vec3, radius float64) int {
	return o.add(Obstacle{Shape: ShapeCircle, Center: flat(center), Radius: radius}, func(body *cp.Body) *cp.Shape {
		return cp.NewCircle(body, radius, toCP(center))
	})
}

// AddSegment adds a line segment with the given thickness radius.
func (o *Obstacles) AddSegment(a, b mgl64.Vec3, radius float64) int {
	return o.add(Obstacle{Shape: ShapeSegment, A: flat(a), B: flat(b), Radius: radius}, func(body *cp.Body) *cp.Shape {
		return cp.NewSegment(body, toCP(a), toCP(b), radius)
	})
}

// AddBox adds an axis-aligned rectangle with corners a and b.
func (o *Obstacles) AddBox(a, b mgl64.Vec3) int {
	bb := cp.BB{
		L: min(a[0], b[0]),
		B: min(a[1], b[1]),
		R: max(a[0], b[0]),
		T: max(a[1], b[1]),
	}
	lo := mgl64.Vec3{bb.L, bb.B, 0}
	hi := mgl64.Vec3{bb.R, bb.T, 0}
	return o.add(Obstacle{Shape: ShapeBox, A: lo, B: hi}, func(body *cp.Body) *cp.Shape {
		return cp.NewBox2(body, bb, 0)
	})
}

func (o *Obstacles) add(ob Obstacle, build func(*cp.Body) *cp.Shape) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID
	o.nextID++
	ob.ID = id
	o.shapes[id] = o.space.AddShape(build(o.space.StaticBody))
	o.byID[id] = ob
	return id
}

// Remove deletes an obstacle. It reports false for an unknown id.
func (o *Obstacles) Remove(id int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	shape, ok := o.shapes[id]
	if !ok {
		return false
	}
	o.space.RemoveShape(shape)
	delete(o.shapes, id)
	delete(o.byID, id)
	return true
}

// Len reports how many obstacles are registered.
func (o *Obstacles) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byID)
}

// List returns the obstacles ordered by id.
func (o *Obstacles) List() []Obstacle {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Obstacle, 0, len(o.byID))
	for _, ob := range o.byID {
		out = append(out, ob)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NearestPoints appends, for every obstacle whose surface lies within
// maxDistance of pos, the closest surface point to pos. z is ignored.
func (o *Obstacles) NearestPoints(pos mgl64.Vec3, maxDistance float64, dst []mgl64.Vec3) []mgl64.Vec3 {
	if !(maxDistance >= 0) {
		return dst
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.shapes) == 0 {
		return dst
	}
	o.space.PointQuery(toCP(pos), maxDistance, cp.SHAPE_FILTER_ALL,
		func(_ *cp.Shape, point cp.Vector, _ float64, _ cp.Vector, _ interface{}) {
			dst = append(dst, mgl64.Vec3{point.X, point.Y, 0})
		}, nil)
	return dst
}

// Avoidance steers away from nearby obstacle surfaces: the mean of
// (agent - nearest point) over every obstacle within Range, times Factor.
type Avoidance struct {
	Obstacles *Obstacles
	Range     float64
	Factor    float64
}

func (a Avoidance) Force(self Agent, _ []Agent) mgl64.Vec3 {
	if a.Obstacles == nil || a.Factor == 0 {
		return mgl64.Vec3{}
	}
	var buf [8]mgl64.Vec3
	points := a.Obstacles.NearestPoints(self.Pos, a.Range, buf[:0])
	if len(points) == 0 {
		return mgl64.Vec3{}
	}

	origin := flat(self.Pos)
	var steer mgl64.Vec3
	for _, p := range points {
		steer = steer.Add(origin.Sub(p))
	}
	return steer.Mul(a.Factor / float64(len(points)))
}

func toCP(v mgl64.Vec3) cp.Vector { return cp.Vector{X: v[0], Y: v[1]} }

func flat(v mgl64.Vec3) mgl64.Vec3 { return mgl64.Vec3{v[0], v[1], 0} }
