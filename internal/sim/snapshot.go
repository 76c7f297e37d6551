package sim

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"flock-sim/internal/sim/steer"

	"github.com/go-gl/mathgl/mgl64"
)

// ResourceLimits defines hard caps on what the engine holds and publishes.
type ResourceLimits struct {
	MaxAgents         int // Hard cap on live agents
	MaxSnapshotAgents int // Agents copied into each snapshot
}

// DefaultLimits provides production-safe default limits
var DefaultLimits = ResourceLimits{
	MaxAgents:         50000,
	MaxSnapshotAgents: 5000,
}

// AgentSnapshot is an immutable copy of one agent for rendering.
type AgentSnapshot struct {
	ID     uint64  `json:"id" msgpack:"id"`
	X      float64 `json:"x" msgpack:"x"`
	Y      float64 `json:"y" msgpack:"y"`
	Z      float64 `json:"z" msgpack:"z"`
	VX     float64 `json:"vx" msgpack:"vx"`
	VY     float64 `json:"vy" msgpack:"vy"`
	VZ     float64 `json:"vz" msgpack:"vz"`
	Angle  float64 `json:"angle" msgpack:"angle"`
	Speed  float64 `json:"speed" msgpack:"speed"`
	Nearby int     `json:"nearby" msgpack:"nearby"`
}

// Snapshot is a complete immutable flock state.
// The agent slice is pre-allocated and capped at MaxSnapshotAgents.
type Snapshot struct {
	RunID      string    `json:"run_id" msgpack:"run_id"`
	Sequence   uint64    `json:"sequence" msgpack:"sequence"`
	Timestamp  time.Time `json:"timestamp" msgpack:"timestamp"`
	TickNumber uint64    `json:"tick" msgpack:"tick"`
	Index      string    `json:"index" msgpack:"index"`

	Agents    []AgentSnapshot  `json:"agents" msgpack:"agents"`
	Obstacles []steer.Obstacle `json:"obstacles" msgpack:"obstacles"`

	// Aggregate stats
	AgentCount    int     `json:"agent_count" msgpack:"agent_count"`
	Truncated     bool    `json:"truncated" msgpack:"truncated"`
	MeanNeighbors float64 `json:"mean_neighbors" msgpack:"mean_neighbors"`
	TickMillis    float64 `json:"tick_ms" msgpack:"tick_ms"`
}

// Clone returns a deep copy that stays valid after the pool reuses the slot.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Agents = append([]AgentSnapshot(nil), s.Agents...)
	c.Obstacles = append([]steer.Obstacle(nil), s.Obstacles...)
	return &c
}

// SnapshotPool pre-allocates snapshots to avoid GC pressure.
// It triple buffers: the producer fills one slot while readers use the last
// published one. Each slot carries its own lock so a slow reader delays the
// producer instead of observing a half-written slot.
type SnapshotPool struct {
	snapshots [3]Snapshot
	locks     [3]sync.RWMutex
	limits    ResourceLimits
	writeIdx  uint32 // atomic - producer index
	readIdx   uint32 // atomic - consumer index
	sequence  uint64 // atomic - monotonic sequence
}

// NewSnapshotPool creates a pool with pre-allocated slices
func NewSnapshotPool(limits ResourceLimits) *SnapshotPool {
	pool := &SnapshotPool{limits: limits}
	for i := range pool.snapshots {
		pool.snapshots[i].Agents = make([]AgentSnapshot, 0, limits.MaxSnapshotAgents)
	}
	return pool
}

// AcquireWrite locks the next write slot (producer only, called from the
// tick). The slot comes back with its slices reset but capacity kept.
// PublishWrite must follow.
func (p *SnapshotPool) AcquireWrite() *Snapshot {
	idx := atomic.AddUint32(&p.writeIdx, 1) % 3
	p.locks[idx].Lock()
	snap := &p.snapshots[idx]

	snap.Agents = snap.Agents[:0]
	snap.Obstacles = snap.Obstacles[:0]
	snap.Truncated = false

	snap.Sequence = atomic.AddUint64(&p.sequence, 1)
	snap.Timestamp = time.Now()
	return snap
}

// PublishWrite unlocks the slot from AcquireWrite and makes it the one
// readers see.
func (p *SnapshotPool) PublishWrite() {
	idx := atomic.LoadUint32(&p.writeIdx)
	p.locks[idx%3].Unlock()
	atomic.StoreUint32(&p.readIdx, idx)
}

// Read calls fn with the latest published snapshot. fn must not retain it.
func (p *SnapshotPool) Read(fn func(*Snapshot)) {
	idx := atomic.LoadUint32(&p.readIdx) % 3
	p.locks[idx].RLock()
	defer p.locks[idx].RUnlock()
	fn(&p.snapshots[idx])
}

// AcquireRead returns a copy of the latest published snapshot. Before the
// first tick it is an empty snapshot with sequence 0.
func (p *SnapshotPool) AcquireRead() *Snapshot {
	var out *Snapshot
	p.Read(func(s *Snapshot) { out = s.Clone() })
	return out
}

// GetLimits returns the resource limits
func (p *SnapshotPool) GetLimits() ResourceLimits {
	return p.limits
}

// produceSnapshot copies this tick's state into the next pool slot.
// Called with e.mu held, after integration.
func (e *Engine) produceSnapshot() {
	snap := e.snapshotPool.AcquireWrite()
	defer e.snapshotPool.PublishWrite()

	snap.RunID = e.runID.String()
	snap.TickNumber = e.tickCount
	snap.Index = string(e.space.Kind())
	snap.AgentCount = len(e.snap)
	snap.MeanNeighbors = e.lastStats.MeanNeighbors
	snap.TickMillis = float64(e.lastStats.Total.Microseconds()) / 1000
	snap.Obstacles = append(snap.Obstacles, e.obstacles.List()...)

	limit := e.cfg.Limits.MaxSnapshotAgents
	for i, ent := range e.entries {
		if len(snap.Agents) >= limit {
			snap.Truncated = true
			break
		}
		pos, vel := e.posRefs[i].Vec3, e.velRefs[i].Vec3
		snap.Agents = append(snap.Agents, AgentSnapshot{
			ID:     uint64(idOf(ent.Handle)),
			X:      pos[0],
			Y:      pos[1],
			Z:      pos[2],
			VX:     vel[0],
			VY:     vel[1],
			VZ:     vel[2],
			Angle:  heading(vel),
			Speed:  vel.Len(),
			Nearby: e.neighborCounts[i],
		})
	}
}

func heading(v mgl64.Vec3) float64 {
	if v[0] == 0 && v[1] == 0 {
		return 0
	}
	return math.Atan2(v[1], v[0])
}
