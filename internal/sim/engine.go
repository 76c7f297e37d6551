// Package sim runs the flock: it owns the agents, drives the fixed-step tick
// loop and publishes snapshots for the API layer.
//
// Each tick runs four phases in order under the engine lock:
//
//  1. refresh: the active spatial index is rebuilt from every agent position
//  2. query: each agent's neighbors are fetched, in parallel, read-only
//  3. steer: behaviours turn neighbor lists into one force per agent
//  4. integrate: forces become velocity and position changes
//
// The refresh for tick N always completes before any query for tick N; the
// spatial.Space enforces this by rejecting queries against a stale tick.
package sim

import (
	"log"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"flock-sim/internal/sim/spatial"
	"flock-sim/internal/sim/steer"

	"github.com/edwinsyarief/teishoku"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Position is the agent position component.
type Position struct{ mgl64.Vec3 }

// Velocity is the agent velocity component.
type Velocity struct{ mgl64.Vec3 }

// AgentID is the external, stable identifier of an agent: the ECS entity id
// in the low 32 bits and its version in the high 32 bits.
type AgentID uint64

func idOf(e teishoku.Entity) AgentID {
	return AgentID(uint64(e.Version)<<32 | uint64(e.ID))
}

func (id AgentID) entity() teishoku.Entity {
	return teishoku.Entity{ID: uint32(id), Version: uint32(id >> 32)}
}

var (
	// ErrAgentLimit is returned when a spawn would exceed MaxAgents.
	ErrAgentLimit = errors.New("agent limit reached")
	// ErrUnknownObstacle is returned for an obstacle shape the engine cannot
	// build.
	ErrUnknownObstacle = errors.New("unknown obstacle shape")
)

// EngineConfig configures NewEngine.
type EngineConfig struct {
	TickRate int
	Area     steer.Box
	Rules    steer.Rules

	Index spatial.Kind
	// CellSize fixes the grid cell size. 0 makes the grid follow
	// Rules.Perception every tick.
	CellSize float64
	// Planar keeps the flock on z = 0 and uses the 9-cell grid neighborhood.
	Planar bool
	// InsertionSort is forwarded to the sweep index.
	InsertionSort bool

	// Workers is the number of goroutines in the query phase. 0 means
	// GOMAXPROCS.
	Workers int
	Limits  ResourceLimits
	// Seed feeds the spawn RNG. 0 picks a time-based seed.
	Seed int64
}

// DefaultEngineConfig returns the reference flock setup.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TickRate: 60,
		Area: steer.Box{
			Min: mgl64.Vec3{-1600, -1200, 0},
			Max: mgl64.Vec3{1600, 1200, 0},
		},
		Rules:  steer.DefaultRules(),
		Index:  spatial.KindGrid,
		Planar: true,
		Limits: DefaultLimits,
	}
}

// Engine is the simulation engine handling the tick loop and the flock.
type Engine struct {
	mu sync.RWMutex

	world  teishoku.World
	agents *teishoku.Builder2[Position, Velocity]
	query  *teishoku.Filter2[Position, Velocity]
	count  int
	// dirty is set when agents were added or removed since the last collect.
	dirty bool

	space     *spatial.Space[teishoku.Entity]
	obstacles *steer.Obstacles
	rules     steer.Rules
	area      steer.Box
	cfg       EngineConfig

	// Per-tick scratch, reused across ticks.
	entries []spatial.Entry[teishoku.Entity]
	snap    []steer.Agent
	posRefs []*Position
	velRefs []*Velocity
	slot    map[teishoku.Entity]int
	forces  []mgl64.Vec3
	workers []*queryWorker

	// neighborCounts[i] is how many neighbors agent i steered by this tick.
	neighborCounts []int

	tickRate  int
	running   bool
	ticker    *time.Ticker
	stopChan  chan struct{}
	tickCount uint64
	lastStats TickStats

	snapshotPool *SnapshotPool
	eventLog     *EventLog
	observer     Observer

	rng   *rand.Rand
	runID uuid.UUID
}

// NewEngine creates an engine with no agents.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.TickRate <= 0 {
		return nil, errors.Errorf("tick rate must be > 0, got %d", cfg.TickRate)
	}
	if err := cfg.Rules.Validate(); err != nil {
		return nil, errors.Wrap(err, "rules")
	}
	if cfg.Limits.MaxAgents <= 0 {
		cfg.Limits = DefaultLimits
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	e := &Engine{
		obstacles:    steer.NewObstacles(),
		rules:        cfg.Rules,
		area:         cfg.Area,
		cfg:          cfg,
		slot:         make(map[teishoku.Entity]int),
		tickRate:     cfg.TickRate,
		snapshotPool: NewSnapshotPool(cfg.Limits),
		eventLog:     NewEventLog(),
		observer:     nopObserver{},
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		runID:        uuid.New(),
	}

	idx, err := e.newIndex(cfg.Index)
	if err != nil {
		return nil, err
	}
	e.space = spatial.NewSpace(idx)

	e.world = teishoku.NewWorld(min(cfg.Limits.MaxAgents, 4096))
	e.query = teishoku.NewFilter2[Position, Velocity](&e.world)
	e.agents = teishoku.NewBuilder2[Position, Velocity](&e.world)

	for i := 0; i < cfg.Workers; i++ {
		e.workers = append(e.workers, &queryWorker{})
	}
	return e, nil
}

func (e *Engine) newIndex(kind spatial.Kind) (spatial.Index[teishoku.Entity], error) {
	cellSize := e.cfg.CellSize
	if cellSize == 0 {
		cellSize = e.rules.Perception
	}
	nb := spatial.VolumeNeighborhood
	if e.cfg.Planar {
		nb = spatial.PlanarNeighborhood
	}
	return spatial.New[teishoku.Entity](spatial.Options{
		Kind:          kind,
		CellSize:      cellSize,
		Neighborhood:  nb,
		InsertionSort: e.cfg.InsertionSort,
	})
}

// Start begins the tick loop
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.ticker = time.NewTicker(time.Second / time.Duration(e.tickRate))
	ticker, stop := e.ticker, e.stopChan
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				e.mu.Lock()
				if e.running {
					e.tick()
				}
				e.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()

	log.Printf("🐦 Flock engine started at %d TPS (index=%s, run=%s)", e.tickRate, e.space.Kind(), e.runID)
}

// Stop stops the tick loop. The current tick, if any, runs to completion.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	e.running = false
	if e.ticker != nil {
		e.ticker.Stop()
	}
	close(e.stopChan)
	log.Println("🛑 Flock engine stopped")
}

// Step runs one tick.
func (e *Engine) Step() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tick()
}

func (e *Engine) tick() {
	start := time.Now()
	e.tickCount++
	dt := 1.0 / float64(e.tickRate)
	rules := e.rules

	e.collect()

	refreshStart := time.Now()
	if err := e.refreshLocked(); err != nil {
		log.Printf("⚠️ Tick %d skipped: index refresh failed: %v", e.tickCount, err)
		return
	}
	refreshDur := time.Since(refreshStart)

	queryStart := time.Now()
	neighbors, err := e.queryAndSteer(rules)
	if err != nil {
		// Only reachable if refresh and query disagree on the tick.
		log.Printf("⚠️ Tick %d skipped: %v", e.tickCount, err)
		return
	}
	queryDur := time.Since(queryStart)

	if !rules.Freeze {
		e.integrate(rules, dt)
	}

	stats := TickStats{
		Tick:      e.tickCount,
		Agents:    len(e.snap),
		Index:     e.space.Kind(),
		Neighbors: neighbors,
		Refresh:   refreshDur,
		Query:     queryDur,
		Total:     time.Since(start),
	}
	if len(e.snap) > 0 {
		stats.MeanNeighbors = float64(neighbors) / float64(len(e.snap))
	}
	if gs, ok := e.space.GridStats(); ok {
		stats.CellSize = gs.CellSize
	}
	e.lastStats = stats

	e.produceSnapshot()
	e.eventLog.EmitSimple(EventTypeTick, e.tickCount, "", TickPayload{
		Agents:        stats.Agents,
		Index:         string(stats.Index),
		MeanNeighbors: stats.MeanNeighbors,
		TotalNs:       int64(stats.Total),
	})
	e.observer.ObserveTick(stats)
}

// collect copies every agent out of the ECS into the per-tick scratch.
func (e *Engine) collect() {
	e.entries = e.entries[:0]
	e.snap = e.snap[:0]
	e.posRefs = e.posRefs[:0]
	e.velRefs = e.velRefs[:0]
	clear(e.slot)
	e.dirty = false

	e.query.Reset()
	for e.query.Next() {
		ent := e.query.Entity()
		p, v := e.query.Get()
		e.slot[ent] = len(e.snap)
		e.entries = append(e.entries, spatial.Entry[teishoku.Entity]{Handle: ent, Pos: p.Vec3})
		e.snap = append(e.snap, steer.Agent{Pos: p.Vec3, Vel: v.Vec3})
		e.posRefs = append(e.posRefs, p)
		e.velRefs = append(e.velRefs, v)
	}
}

// refreshLocked rebuilds the index for the current tick. The grid follows
// the live perception range unless a fixed cell size was configured.
func (e *Engine) refreshLocked() error {
	if e.cfg.CellSize == 0 {
		return e.space.RefreshWithCellSize(e.tickCount, e.entries, e.rules.Perception)
	}
	e.space.Refresh(e.tickCount, e.entries)
	return nil
}

// ensureFresh refreshes the index outside the tick loop when it was swapped,
// agents changed, or nothing has ticked yet, so external queries never see
// stale data.
func (e *Engine) ensureFresh() error {
	if !e.dirty && e.space.Current(e.tickCount) {
		return nil
	}
	e.collect()
	return e.refreshLocked()
}

// queryAndSteer runs the neighbor query and steering for every agent and
// returns the total neighbor count.
func (e *Engine) queryAndSteer(rules steer.Rules) (int, error) {
	n := len(e.snap)
	if cap(e.forces) < n {
		e.forces = make([]mgl64.Vec3, n)
	}
	e.forces = e.forces[:n]
	if cap(e.neighborCounts) < n {
		e.neighborCounts = make([]int, n)
	}
	e.neighborCounts = e.neighborCounts[:n]
	if n == 0 {
		return 0, nil
	}

	behaviours := rules.Behaviours(e.area, e.obstacles)
	workers := e.workers
	if len(workers) > n {
		workers = workers[:n]
	}
	chunk := (n + len(workers) - 1) / len(workers)

	var wg sync.WaitGroup
	for w, qw := range workers {
		lo := w * chunk
		hi := min(lo+chunk, n)
		if lo >= hi {
			qw.err, qw.neighbors = nil, 0
			continue
		}
		wg.Add(1)
		go func(qw *queryWorker, lo, hi int) {
			defer wg.Done()
			qw.run(e, rules, behaviours, lo, hi)
		}(qw, lo, hi)
	}
	wg.Wait()

	total := 0
	for _, qw := range workers {
		if qw.err != nil {
			return 0, qw.err
		}
		total += qw.neighbors
	}
	return total, nil
}

// queryWorker owns the buffers of one query goroutine.
type queryWorker struct {
	handles   []teishoku.Entity
	agents    []steer.Agent
	neighbors int
	err       error
}

func (qw *queryWorker) run(e *Engine, rules steer.Rules, behaviours []steer.Behaviour, lo, hi int) {
	qw.neighbors, qw.err = 0, nil
	limit := rules.MaxNeighbors
	if limit > 0 {
		limit++ // room for self, filtered below
	}

	for i := lo; i < hi; i++ {
		self := e.entries[i].Handle
		var err error
		qw.handles, err = e.space.NearbyBounded(e.tickCount, e.snap[i].Pos, rules.Perception, limit, qw.handles[:0])
		if err != nil {
			qw.err = err
			return
		}

		qw.agents = qw.agents[:0]
		for _, h := range qw.handles {
			if h == self {
				continue
			}
			j, ok := e.slot[h]
			if !ok {
				// Not in this tick's snapshot; treat as not indexed.
				continue
			}
			qw.agents = append(qw.agents, e.snap[j])
			if rules.MaxNeighbors > 0 && len(qw.agents) == rules.MaxNeighbors {
				break
			}
		}
		qw.neighbors += len(qw.agents)
		e.neighborCounts[i] = len(qw.agents)
		e.forces[i] = steer.Sum(e.snap[i], qw.agents, behaviours)
	}
}

func (e *Engine) integrate(rules steer.Rules, dt float64) {
	for i := range e.snap {
		a := steer.Integrate(e.snap[i], e.forces[i], rules, dt)
		if e.cfg.Planar {
			a.Pos[2], a.Vel[2] = 0, 0
		}
		if !finite(a.Pos) || !finite(a.Vel) {
			continue
		}
		e.posRefs[i].Vec3 = a.Pos
		e.velRefs[i].Vec3 = a.Vel
	}
}

func finite(v mgl64.Vec3) bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// SpawnAgents adds n agents at random positions inside the area, heading in
// random directions at half the desired speed. It returns the number added,
// which is less than n when MaxAgents is reached.
func (e *Engine) SpawnAgents(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	room := e.cfg.Limits.MaxAgents - e.count
	if n > room {
		n = room
	}
	if n <= 0 {
		return 0
	}

	speed := e.rules.DesiredSpeed * 0.5
	for i := 0; i < n; i++ {
		pos := e.randomPosition()
		dir := mgl64.Vec3{e.rng.Float64()*2 - 1, e.rng.Float64()*2 - 1, 0}
		if !e.cfg.Planar {
			dir[2] = e.rng.Float64()*2 - 1
		}
		if l := dir.Len(); l > 0 {
			dir = dir.Mul(speed / l)
		}
		e.addLocked(pos, dir)
	}

	e.eventLog.EmitSimple(EventTypeAgentsSpawned, e.tickCount, "", SpawnPayload{Count: n, Total: e.count})
	log.Printf("🐣 Spawned %d agents (%d total)", n, e.count)
	return n
}

func (e *Engine) randomPosition() mgl64.Vec3 {
	lo, hi := e.area.Min, e.area.Max
	p := mgl64.Vec3{
		lo[0] + e.rng.Float64()*(hi[0]-lo[0]),
		lo[1] + e.rng.Float64()*(hi[1]-lo[1]),
	}
	if !e.cfg.Planar {
		p[2] = lo[2] + e.rng.Float64()*(hi[2]-lo[2])
	}
	return p
}

// AddAgent adds one agent with the given state.
func (e *Engine) AddAgent(pos, vel mgl64.Vec3) (AgentID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count >= e.cfg.Limits.MaxAgents {
		return 0, errors.Wrapf(ErrAgentLimit, "max %d", e.cfg.Limits.MaxAgents)
	}
	if e.cfg.Planar {
		pos[2], vel[2] = 0, 0
	}
	return idOf(e.addLocked(pos, vel)), nil
}

func (e *Engine) addLocked(pos, vel mgl64.Vec3) teishoku.Entity {
	ent := e.agents.NewEntity()
	e.agents.Set(ent, Position{pos}, Velocity{vel})
	e.count++
	e.dirty = true
	return ent
}

// RemoveAgent deletes an agent. It reports false for an unknown or already
// removed id.
func (e *Engine) RemoveAgent(id AgentID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent := id.entity()
	if !e.world.IsValid(ent) {
		return false
	}
	e.world.RemoveEntity(ent)
	e.count--
	e.dirty = true
	e.eventLog.EmitSimple(EventTypeAgentRemoved, e.tickCount, "", AgentPayload{ID: uint64(id)})
	return true
}

// AgentCount returns the number of live agents.
func (e *Engine) AgentCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.count
}

// Rules returns the active rules.
func (e *Engine) Rules() steer.Rules {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// SetRules replaces the rules from the next tick on.
func (e *Engine) SetRules(r steer.Rules) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = r
	e.eventLog.EmitSimple(EventTypeRulesChanged, e.tickCount, "", r)
	return nil
}

// IndexKind returns the active spatial index implementation.
func (e *Engine) IndexKind() spatial.Kind {
	return e.space.Kind()
}

// SetIndexKind switches the spatial index. The swap happens between ticks;
// the new index is rebuilt by the next refresh.
func (e *Engine) SetIndexKind(kind spatial.Kind) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if kind == e.space.Kind() {
		return nil
	}
	idx, err := e.newIndex(kind)
	if err != nil {
		return err
	}
	from := e.space.Kind()
	e.space.Swap(idx)
	e.eventLog.EmitSimple(EventTypeIndexChanged, e.tickCount, "", IndexPayload{From: string(from), To: string(kind)})
	log.Printf("🔀 Spatial index switched %s -> %s", from, kind)
	return nil
}

// Neighbor is one result of an external neighbor query.
type Neighbor struct {
	ID       AgentID    `json:"id"`
	Pos      mgl64.Vec3 `json:"pos"`
	Vel      mgl64.Vec3 `json:"vel"`
	Distance float64    `json:"distance"`
}

// QueryNeighbors returns every agent within radius of origin as of the last
// tick, nearest first.
func (e *Engine) QueryNeighbors(origin mgl64.Vec3, radius float64) ([]Neighbor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureFresh(); err != nil {
		return nil, err
	}
	handles, err := e.space.Nearby(e.tickCount, origin, radius, nil)
	if err != nil {
		return nil, err
	}

	out := make([]Neighbor, 0, len(handles))
	for _, h := range handles {
		if n, ok := e.neighborLocked(h, origin); ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

// Nearest returns the agent closest to origin as of the last tick. ok is
// false when there are no agents.
func (e *Engine) Nearest(origin mgl64.Vec3) (n Neighbor, ok bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureFresh(); err != nil {
		return n, false, err
	}
	h, ok, err := e.space.Nearest(e.tickCount, origin)
	if err != nil || !ok {
		return n, false, err
	}
	n, ok = e.neighborLocked(h, origin)
	return n, ok, nil
}

func (e *Engine) neighborLocked(h teishoku.Entity, origin mgl64.Vec3) (Neighbor, bool) {
	i, ok := e.slot[h]
	if !ok {
		return Neighbor{}, false
	}
	a := e.snap[i]
	return Neighbor{
		ID:       idOf(h),
		Pos:      a.Pos,
		Vel:      a.Vel,
		Distance: a.Pos.Sub(origin).Len(),
	}, true
}

// ObstacleSpec describes an obstacle to add.
type ObstacleSpec struct {
	Shape  steer.ObstacleShape `json:"shape"`
	Center mgl64.Vec3          `json:"center"`
	A      mgl64.Vec3          `json:"a"`
	B      mgl64.Vec3          `json:"b"`
	Radius float64             `json:"radius"`
}

// AddObstacle registers a static obstacle for avoidance steering.
func (e *Engine) AddObstacle(spec ObstacleSpec) (int, error) {
	var id int
	switch spec.Shape {
	case steer.ShapeCircle:
		if !(spec.Radius > 0) {
			return 0, errors.New("circle radius must be > 0")
		}
		id = e.obstacles.AddCircle(spec.Center, spec.Radius)
	case steer.ShapeSegment:
		if !(spec.Radius >= 0) {
			return 0, errors.New("segment radius must be >= 0")
		}
		id = e.obstacles.AddSegment(spec.A, spec.B, spec.Radius)
	case steer.ShapeBox:
		id = e.obstacles.AddBox(spec.A, spec.B)
	default:
		return 0, errors.Wrapf(ErrUnknownObstacle, "%q", spec.Shape)
	}

	e.eventLog.EmitSimple(EventTypeObstacleAdded, e.Tick(), "", ObstaclePayload{ID: id, Shape: string(spec.Shape)})
	return id, nil
}

// RemoveObstacle deletes an obstacle by id.
func (e *Engine) RemoveObstacle(id int) bool {
	if !e.obstacles.Remove(id) {
		return false
	}
	e.eventLog.EmitSimple(EventTypeObstacleRemoved, e.Tick(), "", ObstaclePayload{ID: id})
	return true
}

// Obstacles lists the registered obstacles.
func (e *Engine) Obstacles() []steer.Obstacle {
	return e.obstacles.List()
}

// Tick returns the number of completed ticks.
func (e *Engine) Tick() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tickCount
}

// Stats returns the statistics of the last tick.
func (e *Engine) Stats() TickStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastStats
}

// Area returns the simulation area.
func (e *Engine) Area() steer.Box {
	return e.area
}

// RunID identifies this engine instance in logs, events and snapshots.
func (e *Engine) RunID() string {
	return e.runID.String()
}

// SetObserver installs a per-tick observer. nil removes it.
func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	e.observer = o
}

// GetSnapshot returns the latest published snapshot (lock-free read).
func (e *Engine) GetSnapshot() *Snapshot {
	return e.snapshotPool.AcquireRead()
}

// GetLimits returns the resource limits
func (e *Engine) GetLimits() ResourceLimits {
	return e.cfg.Limits
}

// StartEventLog starts event logging to the specified file
func (e *Engine) StartEventLog(filePath string) error {
	return e.eventLog.Start(filePath, e.RunID())
}

// StopEventLog stops event logging
func (e *Engine) StopEventLog() {
	e.eventLog.Stop()
}

// GetEventLogStats returns event log statistics
func (e *Engine) GetEventLogStats() EventLogStats {
	return e.eventLog.GetStats()
}
