package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/config"
)

type contextKey string

const adminTokenContextKey contextKey = "admin_authenticated"

// AdminAuthMiddleware gates the /api/v1/admin/* surface behind a
// bearer token compared in constant time against a comma-separated
// rotation list in config, so old and new tokens can be accepted side
// by side during a rotation. The list is cfg.AdminToken, which is
// loaded once at startup and is not part of the live snapshot; changing
// it takes a restart.
type AdminAuthMiddleware struct {
	logger zerolog.Logger
	cfg    *config.Config
}

// NewAdminAuthMiddleware constructs an AdminAuthMiddleware.
func NewAdminAuthMiddleware(logger zerolog.Logger, cfg *config.Config) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{logger: logger.With().Str("component", "admin-auth").Logger(), cfg: cfg}
}

// Handler returns the middleware handler function.
func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			// no "Bearer " prefix present
			token = ""
		}

		if token == "" || !m.validToken(token) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"type":"unauthorized","message":"admin token required"}}`))
			return
		}

		ctx := context.WithValue(r.Context(), adminTokenContextKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validToken compares token against every entry in the rotation list
// in constant time, so the comparison cost never leaks which (if any)
// entry matched.
func (m *AdminAuthMiddleware) validToken(token string) bool {
	matched := false
	for _, candidate := range strings.Split(m.cfg.AdminToken, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			matched = true
		}
	}
	return matched
}

// IsAdminAuthenticated reports whether the request context carries a
// successful admin authentication.
func IsAdminAuthenticated(ctx context.Context) bool {
	v, _ := ctx.Value(adminTokenContextKey).(bool)
	return v
}
