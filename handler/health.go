package handler

import (
	"encoding/json"
	"net/http"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/store"
)

// HealthHandler serves liveness, readiness, and detailed health probes.
type HealthHandler struct {
	store *store.Store
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(s *store.Store) *HealthHandler {
	return &HealthHandler{store: s}
}

// Live handles GET /healthz — always OK if the process is running.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready handles GET /readyz — OK only if the store is reachable, since
// every gate depends on it.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := h.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not_ready", "reason": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// Detailed handles GET /health/detailed — reports individual
// dependency status for operator debugging.
func (h *HealthHandler) Detailed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	storeOK := true
	storeErr := ""
	if err := h.store.Ping(r.Context()); err != nil {
		storeOK = false
		storeErr = err.Error()
	}

	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}

	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": map[bool]string{true: "ok", false: "degraded"}[storeOK],
		"dependencies": map[string]interface{}{
			"store": map[string]interface{}{
				"ok":    storeOK,
				"error": storeErr,
			},
		},
	})
}
