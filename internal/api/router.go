package api

import (
	"net/http"

	"flock-sim/internal/sim"
	"flock-sim/internal/sim/spatial"
	"flock-sim/internal/sim/steer"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-gl/mathgl/mgl64"
)

// EngineInterface defines the engine methods used by the API.
// This interface enables mocking for tests without spinning up the tick loop.
// Keep this minimal - only include methods the API layer actually calls.
type EngineInterface interface {
	// GetSnapshot returns a copy of the latest published snapshot
	GetSnapshot() *sim.Snapshot
	Stats() sim.TickStats
	RunID() string
	GetEventLogStats() sim.EventLogStats

	Rules() steer.Rules
	SetRules(steer.Rules) error
	IndexKind() spatial.Kind
	SetIndexKind(spatial.Kind) error

	AgentCount() int
	SpawnAgents(n int) int
	AddAgent(pos, vel mgl64.Vec3) (sim.AgentID, error)
	RemoveAgent(id sim.AgentID) bool

	QueryNeighbors(origin mgl64.Vec3, radius float64) ([]sim.Neighbor, error)
	Nearest(origin mgl64.Vec3) (sim.Neighbor, bool, error)

	AddObstacle(sim.ObstacleSpec) (int, error)
	RemoveObstacle(id int) bool
	Obstacles() []steer.Obstacle
}

// RouterConfig contains all dependencies needed to construct the HTTP router.
// This struct is designed for dependency injection and testability.
//
// Example usage in tests:
//
//	cfg := api.RouterConfig{
//	    Engine: engine,
//	    RateLimitConfig: &api.RateLimitConfig{
//	        RequestsPerSecond: 1000, // High limit for tests
//	        Burst:             1000,
//	    },
//	}
//	router := api.NewRouter(cfg)
//	ts := httptest.NewServer(router)
type RouterConfig struct {
	// Engine is the flock engine (required)
	Engine EngineInterface

	// RateLimiter is an optional pre-configured rate limiter.
	// If nil, a new one will be created using RateLimitConfig.
	RateLimiter *IPRateLimiter

	// RateLimitConfig is optional configuration for the rate limiter.
	// Only used if RateLimiter is nil. If both are nil, uses DefaultRateLimitConfig.
	RateLimitConfig *RateLimitConfig

	// CORSOrigins is an optional list of allowed CORS origins.
	// If nil, only localhost origins are allowed.
	CORSOrigins []string

	// AdminToken guards the mutating routes when non-empty.
	AdminToken string

	// MaxSpawnPerCall caps POST /api/agents. 0 uses DefaultMaxSpawnPerCall.
	MaxSpawnPerCall int

	// DisableLogging disables the request logger middleware (useful for benchmarks).
	DisableLogging bool
}

// DefaultMaxSpawnPerCall is the spawn cap when RouterConfig leaves it unset.
const DefaultMaxSpawnPerCall = 1000

// routerHandlers holds the handler functions for the router.
type routerHandlers struct {
	engine   EngineInterface
	limiter  *IPRateLimiter
	maxSpawn int
}

// NewRouter constructs the HTTP router with all middleware and routes.
//
// NewRouter has no side effects beyond the rate limiter's cleanup goroutine:
// no listeners are opened and no broadcast loop is started. This makes it
// safe to use in tests with httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware - Order matters!
	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	// Rate limiting (BEFORE CORS to reject early and save CPU)
	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", AdminTokenHeader},
		MaxAge:         300,
	}))

	maxSpawn := cfg.MaxSpawnPerCall
	if maxSpawn <= 0 {
		maxSpawn = DefaultMaxSpawnPerCall
	}
	h := &routerHandlers{
		engine:   cfg.Engine,
		limiter:  rateLimiter,
		maxSpawn: maxSpawn,
	}
	admin := RequireAdminToken(cfg.AdminToken)

	r.Get("/health", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		// Read-only
		r.Get("/state", h.handleGetState)
		r.Get("/stats", h.handleGetStats)
		r.Get("/neighbors", h.handleNeighbors)
		r.Get("/nearest", h.handleNearest)
		r.Get("/rules", h.handleGetRules)
		r.Get("/index", h.handleGetIndex)
		r.Get("/obstacles", h.handleListObstacles)

		// Mutating
		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Put("/rules", h.handlePutRules)
			r.Put("/index", h.handlePutIndex)
			r.Post("/agents", h.handleAddAgents)
			r.Delete("/agents/{id}", h.handleRemoveAgent)
			r.Post("/obstacles", h.handleAddObstacle)
			r.Delete("/obstacles/{id}", h.handleRemoveObstacle)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "not found", http.StatusNotFound)
	})

	return r
}
