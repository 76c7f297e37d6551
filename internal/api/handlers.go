package api

import (
	"encoding/json"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"

	"flock-sim/internal/sim"
	"flock-sim/internal/sim/spatial"

	"github.com/go-chi/chi/v5"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
)

// Handler methods for routerHandlers
// These are used by both the standalone router (for testing) and the full Server.

func (h *routerHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "ok",
		"run_id": h.engine.RunID(),
	})
}

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.GetSnapshot())
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"run_id":     h.engine.RunID(),
		"agents":     h.engine.AgentCount(),
		"index":      h.engine.IndexKind(),
		"tick":       h.engine.Stats(),
		"event_log":  h.engine.GetEventLogStats(),
		"rate_limit": h.limiter.GetStats(),
	})
}

func (h *routerHandlers) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	origin, err := parseOrigin(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	radius, err := parseFloat(r, "radius", h.engine.Rules().Perception)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !(radius >= 0) {
		writeError(w, "radius must be >= 0", http.StatusBadRequest)
		return
	}

	neighbors, err := h.engine.QueryNeighbors(origin, radius)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"origin":    origin,
		"radius":    radius,
		"count":     len(neighbors),
		"neighbors": neighbors,
	})
}

func (h *routerHandlers) handleNearest(w http.ResponseWriter, r *http.Request) {
	origin, err := parseOrigin(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	n, ok, err := h.engine.Nearest(origin)
	switch {
	case errors.Is(err, spatial.ErrNearestUnsupported):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	case !ok:
		writeError(w, "no agents", http.StatusNotFound)
		return
	}
	writeJSON(w, n)
}

func (h *routerHandlers) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Rules())
}

// handlePutRules merges the body into the current rules, so clients can
// send only the fields they change.
func (h *routerHandlers) handlePutRules(w http.ResponseWriter, r *http.Request) {
	rules := h.engine.Rules()
	if err := decodeJSON(r, &rules); err != nil {
		writeError(w, "Invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.engine.SetRules(rules); err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	log.Printf("🎛️ Rules updated by %s", GetClientIP(r))
	writeJSON(w, h.engine.Rules())
}

func (h *routerHandlers) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"kind":      h.engine.IndexKind(),
		"available": spatial.Kinds(),
	})
}

func (h *routerHandlers) handlePutIndex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string `json:"kind"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "Invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	kind, err := spatial.ParseKind(req.Kind)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.engine.SetIndexKind(kind); err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, map[string]interface{}{"kind": h.engine.IndexKind()})
}

// handleAddAgents spawns Count random agents, or one agent at Pos when Pos
// is given.
func (h *routerHandlers) handleAddAgents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int         `json:"count"`
		Pos   *mgl64.Vec3 `json:"pos"`
		Vel   mgl64.Vec3  `json:"vel"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "Invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Pos != nil {
		id, err := h.engine.AddAgent(*req.Pos, req.Vel)
		if errors.Is(err, sim.ErrAgentLimit) {
			writeError(w, "Agent limit reached", http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSONStatus(w, http.StatusCreated, map[string]interface{}{
			"id":    id,
			"total": h.engine.AgentCount(),
		})
		return
	}

	if req.Count <= 0 {
		req.Count = 10 // Default
	}
	if req.Count > h.maxSpawn {
		req.Count = h.maxSpawn // Cap
	}

	added := h.engine.SpawnAgents(req.Count)
	if added == 0 {
		writeError(w, "Agent limit reached", http.StatusServiceUnavailable)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]interface{}{
		"count": added,
		"total": h.engine.AgentCount(),
	})
}

func (h *routerHandlers) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "Invalid agent id", http.StatusBadRequest)
		return
	}
	if !h.engine.RemoveAgent(sim.AgentID(id)) {
		writeError(w, "Agent not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *routerHandlers) handleListObstacles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Obstacles())
}

func (h *routerHandlers) handleAddObstacle(w http.ResponseWriter, r *http.Request) {
	var spec sim.ObstacleSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, "Invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	id, err := h.engine.AddObstacle(spec)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]int{"id": id})
}

func (h *routerHandlers) handleRemoveObstacle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "Invalid obstacle id", http.StatusBadRequest)
		return
	}
	if !h.engine.RemoveObstacle(id) {
		writeError(w, "Obstacle not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Helper functions (package-level for reuse)

const maxBodyBytes = 64 << 10

// decodeJSON decodes the request body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func parseOrigin(r *http.Request) (mgl64.Vec3, error) {
	var origin mgl64.Vec3
	for i, key := range []string{"x", "y", "z"} {
		v, err := parseFloat(r, key, 0)
		if err != nil {
			return origin, err
		}
		origin[i] = v
	}
	return origin, nil
}

func parseFloat(r *http.Request, key string, def float64) (float64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.Errorf("invalid %s: %q", key, s)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

// writeJSONStatus marshals data before the header goes out; an encode
// failure is answered with 500.
func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		log.Printf("⚠️ Failed to encode response: %v", err)
		writeError(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
