package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/challenge"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/identity"
)

// ChallengeHandler issues challenge tokens ahead of a chat request.
type ChallengeHandler struct {
	service     *challenge.Service
	identityCfg identity.TrustConfig
	logger      zerolog.Logger
}

// NewChallengeHandler constructs a ChallengeHandler.
func NewChallengeHandler(service *challenge.Service, identityCfg identity.TrustConfig, logger zerolog.Logger) *ChallengeHandler {
	return &ChallengeHandler{service: service, identityCfg: identityCfg, logger: logger.With().Str("component", "challenge-handler").Logger()}
}

// Issue handles POST /api/v1/auth/challenge.
func (h *ChallengeHandler) Issue(w http.ResponseWriter, r *http.Request) {
	id := identity.Extract(r, h.identityCfg)
	result := h.service.Issue(r.Context(), id.StableID)

	switch result.Kind {
	case challenge.OK, challenge.Reused:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"challenge":          result.ChallengeID,
			"expires_in_seconds": result.ExpiresInSeconds,
		})
	case challenge.RateLimited:
		writeError(w, http.StatusTooManyRequests, "challenge_rate_limited", "challenge requested too frequently", result.RetryAfterSeconds)
	case challenge.TooManyActive:
		writeError(w, http.StatusTooManyRequests, "too_many_challenges", "too many active challenges for this identifier", 0)
	default:
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "challenge service temporarily unavailable", 0)
	}
}
