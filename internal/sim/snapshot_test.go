package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotPoolPublish(t *testing.T) {
	pool := NewSnapshotPool(ResourceLimits{MaxAgents: 10, MaxSnapshotAgents: 4})

	s := pool.AcquireWrite()
	s.TickNumber = 7
	s.Agents = append(s.Agents, AgentSnapshot{ID: 1}, AgentSnapshot{ID: 2})
	pool.PublishWrite()

	got := pool.AcquireRead()
	assert.Equal(t, uint64(7), got.TickNumber)
	assert.Equal(t, uint64(1), got.Sequence)
	require.Len(t, got.Agents, 2)

	// The copy survives slot reuse.
	for i := 0; i < 3; i++ {
		w := pool.AcquireWrite()
		w.TickNumber = uint64(100 + i)
		pool.PublishWrite()
	}
	assert.Equal(t, uint64(7), got.TickNumber)
	assert.Len(t, got.Agents, 2)

	latest := pool.AcquireRead()
	assert.Equal(t, uint64(102), latest.TickNumber)
	assert.Empty(t, latest.Agents)
	assert.Equal(t, uint64(4), latest.Sequence)
}

func TestSnapshotPoolKeepsCapacity(t *testing.T) {
	pool := NewSnapshotPool(ResourceLimits{MaxSnapshotAgents: 8})
	for i := 0; i < 6; i++ {
		s := pool.AcquireWrite()
		assert.Empty(t, s.Agents)
		assert.Equal(t, 8, cap(s.Agents))
		pool.PublishWrite()
	}
	assert.Equal(t, 8, pool.GetLimits().MaxSnapshotAgents)
}
