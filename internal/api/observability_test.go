package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"flock-sim/internal/sim"
	"flock-sim/internal/sim/spatial"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsObserver(t *testing.T) {
	MetricsObserver{}.ObserveTick(sim.TickStats{
		Tick:          3,
		Agents:        120,
		Index:         spatial.KindRTree,
		MeanNeighbors: 4.5,
		Total:         2 * time.Millisecond,
	})

	assert.Equal(t, 120.0, testutil.ToFloat64(agentCount))
	assert.Equal(t, 4.5, testutil.ToFloat64(meanNeighbors))
	assert.Zero(t, testutil.ToFloat64(cellSize))
}

func TestUpdateEventLogStats(t *testing.T) {
	UpdateEventLogStats(sim.EventLogStats{Total: 10, Dropped: 2, Written: 7, Pending: 1})

	assert.Equal(t, 10.0, testutil.ToFloat64(eventLogEvents.WithLabelValues("total")))
	assert.Equal(t, 2.0, testutil.ToFloat64(eventLogEvents.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(eventLogEvents.WithLabelValues("pending")))
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:6060"))
	assert.True(t, isLoopback("localhost:6060"))
	assert.True(t, isLoopback("[::1]:6060"))
	assert.False(t, isLoopback("0.0.0.0:6060"))
	assert.False(t, isLoopback(":6060"))
	assert.False(t, isLoopback("no-port"))
}

func TestDebugMux(t *testing.T) {
	mux := debugMux()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "flock_agents")
}

func TestBasicAuthMiddleware(t *testing.T) {
	h := basicAuthMiddleware("admin", "pw", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req.SetBasicAuth("admin", "pw")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTeapot, w.Code)
}
