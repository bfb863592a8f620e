/*
Package router mounts the guard service's HTTP surface: chat dispatch,
challenge issuance, health/readiness probes, Prometheus metrics,
webhook ingestion, and the admin surface — each behind the middleware
chain appropriate to its scope, following the reference gateway's
layered middleware-then-routes structure.
*/
package router

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/audit"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/challenge"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/config"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/handler"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/identity"
	guardmw "github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/middleware"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/observability"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/orchestrator"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/ratelimit"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/store"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/webhook"
)

// Deps bundles everything NewRouter needs to mount handlers. Built
// once in main and passed down, rather than threaded through a
// variadic opts slice, since every dependency here is required.
type Deps struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Store        *store.Store
	Metrics      *observability.Metrics
	Pipeline     *orchestrator.Pipeline
	Challenges   *challenge.Service
	Limiter      *ratelimit.Limiter
	Webhooks     *webhook.Authenticator
	Trail        *audit.Trail
	IdentityCfg  identity.TrustConfig
}

// NewRouter returns a configured chi Router with the full middleware
// chain and all API routes mounted.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(guardmw.CORSMiddleware([]string{"*"}))
	r.Use(guardmw.SecurityHeadersMiddleware(d.Config))
	r.Use(guardmw.RequestIDMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(d.Logger))
	r.Use(mwMaxBodySize(d.Config.MaxBodyBytes))

	probeLimiter := guardmw.NewLocalRateLimiter(20, 40)

	healthHandler := handler.NewHealthHandler(d.Store)
	r.With(probeLimiter.Handler).Get("/healthz", healthHandler.Live)
	r.With(probeLimiter.Handler).Get("/readyz", healthHandler.Ready)
	r.With(probeLimiter.Handler).Get("/health/detailed", healthHandler.Detailed)

	r.With(probeLimiter.Handler).Get("/metrics", observability.Handler().ServeHTTP)

	chatHandler := handler.NewChatHandler(d.Pipeline, d.Logger)
	challengeHandler := handler.NewChallengeHandler(d.Challenges, d.IdentityCfg, d.Logger)
	webhookHandler := handler.NewWebhookHandler(d.Webhooks, d.Trail, d.Logger)
	adminHandler := handler.NewAdminHandler(d.Store, d.Logger)
	adminAuth := guardmw.NewAdminAuthMiddleware(d.Logger, d.Config)
	chatTimeout := guardmw.NewTimeoutMiddleware(d.Logger, 35*time.Second)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rateLimitMiddleware(d, ratelimit.ScopeChallenge))
			r.Post("/auth/challenge", challengeHandler.Issue)
		})

		r.Group(func(r chi.Router) {
			r.Use(rateLimitMiddleware(d, ratelimit.ScopeChat))
			r.Use(chatTimeout.Handler)
			r.Post("/chat", chatHandler.Chat)
			r.Post("/chat/stream", chatHandler.ChatStream)
		})

		r.Post("/webhooks/content", webhookHandler.Ingest)

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth.Handler)
			r.Use(rateLimitMiddleware(d, ratelimit.ScopeAdminUsage))
			r.Get("/usage", adminHandler.Usage)
			r.Post("/unban", adminHandler.Unban)
		})
	})

	return r
}

// rateLimitMiddleware enforces the given scope's limits ahead of the
// wrapped handler, using the requester's stable identifier and
// trusted IP from identity.Extract.
func rateLimitMiddleware(d Deps, scope ratelimit.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity.Extract(r, d.IdentityCfg)
			limits := scopeDefaultLimits(d, scope)
			decision := d.Limiter.Check(r.Context(), scope, id.StableID, id.FullFingerprint, id.TrustedIP, limits)

			switch decision.Kind {
			case ratelimit.Allowed:
				next.ServeHTTP(w, r)
			case ratelimit.Banned:
				writeLimitError(w, http.StatusForbidden, "banned", decision.RetryAfterSeconds)
			default:
				writeLimitError(w, http.StatusTooManyRequests, "rate_limited", decision.RetryAfterSeconds)
			}
		})
	}
}

func scopeDefaultLimits(d Deps, scope ratelimit.Scope) ratelimit.Limits {
	switch scope {
	case ratelimit.ScopeChat:
		return ratelimit.Limits{PerMinute: d.Config.RateLimitPerMinute, PerHour: d.Config.RateLimitPerHour}
	case ratelimit.ScopeChallenge:
		return ratelimit.Limits{PerMinute: 10, PerHour: 100}
	case ratelimit.ScopeAdminUsage:
		return ratelimit.Limits{PerMinute: 30, PerHour: 1800}
	default:
		return ratelimit.Limits{PerMinute: d.Config.RateLimitPerMinute, PerHour: d.Config.RateLimitPerHour}
	}
}

func writeLimitError(w http.ResponseWriter, status int, errType string, retryAfterSeconds int64) {
	w.Header().Set("Content-Type", "application/json")
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	}
	w.WriteHeader(status)
	w.Write([]byte(`{"error":{"type":"` + errType + `","retry_after_seconds":` + strconv.FormatInt(retryAfterSeconds, 10) + `}}`))
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"error":{"type":"request_too_large"}}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", r.Header.Get("X-Request-ID")).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
