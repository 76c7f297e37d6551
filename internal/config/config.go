// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for simulation and server settings.
//
// Values are layered: defaults, then an optional TOML file named by
// FLOCK_CONFIG, then environment variables. Load validates the result.
package config

import (
	"os"
	"strconv"
	"strings"

	"flock-sim/internal/sim"
	"flock-sim/internal/sim/spatial"
	"flock-sim/internal/sim/steer"

	"github.com/BurntSushi/toml"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
)

// =============================================================================
// SIMULATION CONFIGURATION
// =============================================================================

// SimConfig holds the world and tick loop settings.
type SimConfig struct {
	TickRate      int     `toml:"tick_rate"`      // Ticks per second
	Width         float64 `toml:"width"`          // Area width, centered on the origin
	Height        float64 `toml:"height"`         // Area height
	Depth         float64 `toml:"depth"`          // Area depth, ignored when planar
	Planar        bool    `toml:"planar"`         // Keep the flock on z = 0
	InitialAgents int     `toml:"initial_agents"` // Spawned at startup
	Workers       int     `toml:"workers"`        // Query goroutines, 0 = GOMAXPROCS
	Seed          int64   `toml:"seed"`           // 0 = time based
}

// DefaultSim returns the default simulation configuration.
func DefaultSim() SimConfig {
	return SimConfig{
		TickRate:      60,
		Width:         3200,
		Height:        2400,
		Depth:         1200,
		Planar:        true,
		InitialAgents: 1000,
	}
}

// =============================================================================
// SPATIAL CONFIGURATION
// =============================================================================

// SpatialConfig selects and tunes the spatial index.
type SpatialConfig struct {
	Index string `toml:"index"` // grid, kdtree, rtree, flatbush, sweep, brute
	// CellSize fixes the grid cell size. 0 follows the perception range.
	CellSize      float64 `toml:"cell_size"`
	InsertionSort bool    `toml:"insertion_sort"` // sweep index only
}

// DefaultSpatial returns the default spatial configuration.
func DefaultSpatial() SpatialConfig {
	return SpatialConfig{
		Index: string(spatial.KindGrid),
	}
}

// =============================================================================
// RESOURCE LIMITS
// =============================================================================

// ResourceLimits controls DoS protection and performance limits.
type ResourceLimits struct {
	MaxAgents         int `toml:"max_agents"`          // Hard cap on live agents
	MaxSnapshotAgents int `toml:"max_snapshot_agents"` // Agents per published snapshot
	MaxSpawnPerCall   int `toml:"max_spawn_per_call"`  // Cap on POST /api/agents
}

// DefaultLimits returns the default resource limits.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxAgents:         50_000,
		MaxSnapshotAgents: 5_000,
		MaxSpawnPerCall:   5_000,
	}
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           int      `toml:"port"`
	BroadcastHz    int      `toml:"broadcast_hz"`     // WebSocket snapshot rate
	RequestsPerSec float64  `toml:"requests_per_sec"` // Per-IP API rate limit
	Burst          int      `toml:"burst"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:           3000,
		BroadcastHz:    20,
		RequestsPerSec: 10,
		Burst:          20,
		AllowedOrigins: []string{"*"},
	}
}

// DebugConfig holds the localhost debug server settings.
type DebugConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// DefaultDebug returns the default debug server configuration.
func DefaultDebug() DebugConfig {
	return DebugConfig{
		Enabled: true,
		Addr:    "localhost:6060",
	}
}

// EventLogConfig configures the JSONL event log.
type EventLogConfig struct {
	Path string `toml:"path"` // Empty disables the log
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Sim      SimConfig      `toml:"sim"`
	Rules    steer.Rules    `toml:"rules"`
	Spatial  SpatialConfig  `toml:"spatial"`
	Limits   ResourceLimits `toml:"limits"`
	Server   ServerConfig   `toml:"server"`
	Debug    DebugConfig    `toml:"debug"`
	EventLog EventLogConfig `toml:"event_log"`
}

// Default returns the complete default configuration.
func Default() AppConfig {
	return AppConfig{
		Sim:      DefaultSim(),
		Rules:    steer.DefaultRules(),
		Spatial:  DefaultSpatial(),
		Limits:   DefaultLimits(),
		Server:   DefaultServer(),
		Debug:    DefaultDebug(),
		EventLog: EventLogConfig{Path: "events.jsonl"},
	}
}

// Load returns the complete configuration: defaults, the TOML file named by
// FLOCK_CONFIG if set, then environment overrides.
func Load() (AppConfig, error) {
	cfg := Default()
	if path := os.Getenv("FLOCK_CONFIG"); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// LoadFile returns the defaults overlaid with the TOML file at path. No
// environment overrides are applied.
func LoadFile(path string) (AppConfig, error) {
	cfg := Default()
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid configuration in %s", path)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *AppConfig) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// applyEnv applies environment variable overrides.
// Environment variables take precedence over the file and defaults.
func applyEnv(cfg *AppConfig) {
	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Server.Port = p
	}
	if v := getEnvInt("FLOCK_TICK_RATE", 0); v > 0 {
		cfg.Sim.TickRate = v
	}
	if v := getEnvInt("FLOCK_AGENTS", -1); v >= 0 {
		cfg.Sim.InitialAgents = v
	}
	if v := getEnvInt("FLOCK_WORKERS", -1); v >= 0 {
		cfg.Sim.Workers = v
	}
	if v := os.Getenv("FLOCK_PLANAR"); v != "" {
		cfg.Sim.Planar = v == "true"
	}
	if v := os.Getenv("FLOCK_INDEX"); v != "" {
		cfg.Spatial.Index = v
	}
	if v := getEnvFloat("FLOCK_CELL_SIZE", -1); v >= 0 {
		cfg.Spatial.CellSize = v
	}
	if v := getEnvFloat("FLOCK_PERCEPTION", 0); v > 0 {
		cfg.Rules.Perception = v
	}
	if v := getEnvInt("FLOCK_MAX_NEIGHBORS", -1); v >= 0 {
		cfg.Rules.MaxNeighbors = v
	}
	if v := getEnvInt("MAX_AGENTS", 0); v > 0 {
		cfg.Limits.MaxAgents = v
	}
	if v, ok := os.LookupEnv("EVENT_LOG_PATH"); ok {
		cfg.EventLog.Path = v
	}
	if os.Getenv("DISABLE_DEBUG_SERVER") == "true" {
		cfg.Debug.Enabled = false
	}
	if v := os.Getenv("DEBUG_ADDR"); v != "" {
		cfg.Debug.Addr = v
	}
}

// Validate rejects configurations the server cannot start with.
func (c AppConfig) Validate() error {
	if c.Sim.TickRate <= 0 {
		return errors.Errorf("sim.tick_rate must be > 0, got %d", c.Sim.TickRate)
	}
	if !(c.Sim.Width > 0) || !(c.Sim.Height > 0) {
		return errors.Errorf("sim area must be positive, got %vx%v", c.Sim.Width, c.Sim.Height)
	}
	if !c.Sim.Planar && !(c.Sim.Depth > 0) {
		return errors.Errorf("sim.depth must be > 0 when not planar, got %v", c.Sim.Depth)
	}
	if c.Sim.InitialAgents < 0 || c.Sim.InitialAgents > c.Limits.MaxAgents {
		return errors.Errorf("sim.initial_agents must be in [0, %d], got %d", c.Limits.MaxAgents, c.Sim.InitialAgents)
	}
	if err := c.Rules.Validate(); err != nil {
		return errors.Wrap(err, "rules")
	}
	if _, err := spatial.ParseKind(c.Spatial.Index); err != nil {
		return err
	}
	if c.Spatial.CellSize < 0 {
		return errors.Errorf("spatial.cell_size must be >= 0, got %v", c.Spatial.CellSize)
	}
	if c.Limits.MaxAgents <= 0 || c.Limits.MaxSnapshotAgents <= 0 {
		return errors.New("limits must be > 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.BroadcastHz <= 0 {
		return errors.Errorf("server.broadcast_hz must be > 0, got %d", c.Server.BroadcastHz)
	}
	return nil
}

// EngineConfig converts the configuration into the engine's settings.
func (c AppConfig) EngineConfig() (sim.EngineConfig, error) {
	kind, err := spatial.ParseKind(c.Spatial.Index)
	if err != nil {
		return sim.EngineConfig{}, err
	}
	halfW, halfH, halfD := c.Sim.Width/2, c.Sim.Height/2, c.Sim.Depth/2
	if c.Sim.Planar {
		halfD = 0
	}
	return sim.EngineConfig{
		TickRate: c.Sim.TickRate,
		Area: steer.Box{
			Min: mgl64.Vec3{-halfW, -halfH, -halfD},
			Max: mgl64.Vec3{halfW, halfH, halfD},
		},
		Rules:         c.Rules,
		Index:         kind,
		CellSize:      c.Spatial.CellSize,
		Planar:        c.Sim.Planar,
		InsertionSort: c.Spatial.InsertionSort,
		Workers:       c.Sim.Workers,
		Limits: sim.ResourceLimits{
			MaxAgents:         c.Limits.MaxAgents,
			MaxSnapshotAgents: c.Limits.MaxSnapshotAgents,
		},
		Seed: c.Sim.Seed,
	}, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
