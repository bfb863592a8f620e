package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/ratelimit"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/store"
)

// AdminHandler exposes operator introspection and remediation
// endpoints, gated behind middleware.AdminAuthMiddleware.
type AdminHandler struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(s *store.Store, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{store: s, logger: logger.With().Str("component", "admin-handler").Logger()}
}

// Usage handles GET /api/v1/admin/usage?ip=...&scope=chat — reports
// whether an IP is currently banned under a scope and its ban TTL.
func (h *AdminHandler) Usage(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = string(ratelimit.ScopeChat)
	}
	if ip == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "ip query parameter is required", 0)
		return
	}

	bannedKey := fmt.Sprintf("banned:%s:%s", scope, ip)
	exists, err := h.store.Exists(r.Context(), bannedKey)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to query ban state", 0)
		return
	}

	resp := map[string]interface{}{"ip": ip, "scope": scope, "banned": exists}
	if exists {
		if ttl, err := h.store.TTL(r.Context(), bannedKey); err == nil {
			resp["ban_expires_in_seconds"] = int64(ttl.Seconds())
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Unban handles POST /api/v1/admin/unban?ip=...&scope=chat — manual
// remediation for an operator-confirmed false positive.
func (h *AdminHandler) Unban(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = string(ratelimit.ScopeChat)
	}
	if ip == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "ip query parameter is required", 0)
		return
	}

	bannedKey := fmt.Sprintf("banned:%s:%s", scope, ip)
	if err := h.store.Del(r.Context(), bannedKey); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to clear ban", 0)
		return
	}

	h.logger.Info().Str("ip", ip).Str("scope", scope).Msg("admin cleared ban")
	w.WriteHeader(http.StatusNoContent)
}
