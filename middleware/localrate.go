package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// LocalRateLimiter throttles a single process's traffic with an
// in-memory token bucket, ahead of any store-backed check. It exists
// for high-frequency, low-value endpoints (health probes, metrics
// scrapes) where hitting the shared store on every request would be
// wasted load — unlike the per-identifier/global limiter, this has no
// cross-process visibility and is not a security boundary by itself.
type LocalRateLimiter struct {
	limiter *rate.Limiter
}

// NewLocalRateLimiter constructs a limiter allowing burst requests
// immediately and ratePerSecond thereafter.
func NewLocalRateLimiter(ratePerSecond float64, burst int) *LocalRateLimiter {
	return &LocalRateLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Handler rejects requests once the local bucket is exhausted.
func (l *LocalRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"type":"rate_limited","message":"local probe rate limit exceeded"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
