package config

import (
	"os"
	"path/filepath"
	"testing"

	"flock-sim/internal/sim/spatial"
	"flock-sim/internal/sim/steer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flock.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
[sim]
tick_rate = 30
initial_agents = 200
planar = false
depth = 800

[rules]
perception = 64
max_neighbors = 12

[spatial]
index = "kdtree"
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Sim.TickRate)
	assert.Equal(t, 200, cfg.Sim.InitialAgents)
	assert.False(t, cfg.Sim.Planar)
	assert.Equal(t, 64.0, cfg.Rules.Perception)
	assert.Equal(t, 12, cfg.Rules.MaxNeighbors)
	assert.Equal(t, "kdtree", cfg.Spatial.Index)
	// Untouched values keep their defaults.
	assert.Equal(t, DefaultSim().Width, cfg.Sim.Width)
	assert.Equal(t, steer.DefaultRules().CohesionFactor, cfg.Rules.CohesionFactor)
}

func TestLoadFileRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "[sim]\nticks = 3\n"},
		{"bad index", "[spatial]\nindex = \"octree\"\n"},
		{"bad perception", "[rules]\nperception = 0\n"},
		{"syntax", "[sim\n"},
		{"too many agents", "[sim]\ninitial_agents = 10\n[limits]\nmax_agents = 5\nmax_snapshot_agents = 5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "[server]\nport = 4000\n[spatial]\nindex = \"rtree\"\n")
	t.Setenv("FLOCK_CONFIG", path)
	t.Setenv("PORT", "5000")
	t.Setenv("FLOCK_CELL_SIZE", "40")
	t.Setenv("DISABLE_DEBUG_SERVER", "true")
	t.Setenv("EVENT_LOG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "rtree", cfg.Spatial.Index)
	assert.Equal(t, 40.0, cfg.Spatial.CellSize)
	assert.False(t, cfg.Debug.Enabled)
	assert.Empty(t, cfg.EventLog.Path)
}

func TestLoadInvalidEnv(t *testing.T) {
	t.Setenv("FLOCK_INDEX", "quadtree")
	_, err := Load()
	assert.ErrorIs(t, err, spatial.ErrUnknownKind)
}

func TestEngineConfig(t *testing.T) {
	cfg := Default()
	cfg.Spatial.Index = "sweep"
	cfg.Sim.Width, cfg.Sim.Height = 200, 100

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, spatial.KindSweep, ec.Index)
	assert.Equal(t, -100.0, ec.Area.Min[0])
	assert.Equal(t, 50.0, ec.Area.Max[1])
	assert.Zero(t, ec.Area.Max[2])
	assert.Equal(t, cfg.Limits.MaxAgents, ec.Limits.MaxAgents)

	cfg.Sim.Planar = false
	ec, err = cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg.Sim.Depth/2, ec.Area.Max[2])
}
