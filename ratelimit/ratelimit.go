/*
Package ratelimit implements the per-identifier and global sliding-window
rate limiter with progressive IP bans. The admit decision is computed by
a single Lua script executed atomically against the store so concurrent
requests cannot bypass limits by interleaving — see the store's scripting
facility in package store. Do not attempt to emulate this with
client-side locks; a local mutex only protects one process, and the
admit decision must be correct across every process sharing the store.
*/
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/config"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/observability"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/store"
)

// Scope names the rate-limit bucket family. Each scope carries its
// own per-minute/per-hour limits and its own ban namespace.
type Scope string

const (
	ScopeChat       Scope = "chat"
	ScopeChallenge  Scope = "challenge"
	ScopeHealth     Scope = "health"
	ScopeMetrics    Scope = "metrics"
	ScopeProbe      Scope = "probe"
	ScopeAdminUsage Scope = "admin-usage"
	ScopeGlobal     Scope = "global"
)

// Kind tags the outcome of a Check call. Per the design notes, flow
// control never uses panics or bare errors for expected rejections —
// only StoreError represents something actually going wrong.
type Kind int

const (
	Allowed Kind = iota
	RateLimited
	Banned
	StoreError
)

// Decision is the tagged result of a Check call.
type Decision struct {
	Kind              Kind
	Limits            Limits
	Count             int64
	ViolationCount    int64
	BanExpiresAt      int64
	RetryAfterSeconds int64
}

// Limits holds the per-minute/per-hour ceilings applied to a scope.
type Limits struct {
	PerMinute int64
	PerHour   int64
}

// banTTLs is the progressive-ban escalation table: 1st violation 60s,
// 2nd 300s, 3rd 900s, 4th+ 3600s.
var banTTLs = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
}

func banTTLFor(violationCount int64) time.Duration {
	idx := violationCount - 1
	if idx < 0 {
		idx = 0
	}
	if int(idx) >= len(banTTLs) {
		idx = int64(len(banTTLs) - 1)
	}
	return banTTLs[idx]
}

// slidingWindowScript implements the five-step admit algorithm over a
// Redis sorted set keyed by bucket:
//
//	KEYS[1] = bucket key (sorted set, member = dedup_key, score = timestamp)
//	ARGV[1] = now (seconds, float ok)
//	ARGV[2] = window (seconds)
//	ARGV[3] = limit
//	ARGV[4] = dedup_key
//
// Returns {allowed(0/1), count, oldest_ts}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local dedup = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
local oldest = 0
local oldest_list = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest_list > 0 then
  oldest = tonumber(oldest_list[2])
end

local existing = redis.call('ZSCORE', key, dedup)
if existing then
  redis.call('ZADD', key, now, dedup)
  redis.call('EXPIRE', key, window * 2)
  return {1, count, oldest}
end

if count < limit then
  redis.call('ZADD', key, now, dedup)
  redis.call('EXPIRE', key, window * 2)
  return {1, count + 1, oldest}
end

return {0, count, oldest}
`)

// Limiter checks and records sliding-window admits and progressive bans.
type Limiter struct {
	store   *store.Store
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// New constructs a Limiter bound to a Store and the live config snapshot.
func New(s *store.Store, cfg *config.Config, logger zerolog.Logger, metrics *observability.Metrics) *Limiter {
	return &Limiter{store: s, cfg: cfg, logger: logger.With().Str("component", "ratelimit").Logger(), metrics: metrics}
}

func scopeLimits(cfg *config.Config, scope Scope) Limits {
	switch scope {
	case ScopeChat:
		return Limits{PerMinute: cfg.RateLimitPerMinute, PerHour: cfg.RateLimitPerHour}
	case ScopeChallenge:
		return Limits{PerMinute: 10, PerHour: 100}
	case ScopeHealth:
		return Limits{PerMinute: 60, PerHour: 3600}
	case ScopeMetrics:
		return Limits{PerMinute: 30, PerHour: 1800}
	case ScopeProbe:
		return Limits{PerMinute: 120, PerHour: 7200}
	case ScopeAdminUsage:
		return Limits{PerMinute: 30, PerHour: 1800}
	default:
		return Limits{PerMinute: cfg.RateLimitPerMinute, PerHour: cfg.RateLimitPerHour}
	}
}

// globalLimits reads the current global rate-limit ceilings, preferring
// the live-tunable snapshot (kept current by main's background
// refresher) over the static startup config when one has been wired in.
func (l *Limiter) globalLimits() Limits {
	if l.cfg.Live != nil {
		snap := l.cfg.Live.Load()
		return Limits{PerMinute: snap.GlobalRateLimitPerMinute, PerHour: snap.GlobalRateLimitPerHour}
	}
	return Limits{PerMinute: l.cfg.GlobalRateLimitPerMinute, PerHour: l.cfg.GlobalRateLimitPerHour}
}

// StrictProfile is applied by the orchestrator to chat-scope requests
// when the bot-check verifier has failed (fail-open-with-degradation).
func StrictProfile() Limits {
	return Limits{PerMinute: 6, PerHour: 60}
}

// Check runs the full per-request check order: ban lookup, then (if
// enabled and not admin scope) the global minute/hour windows, then
// the per-identifier minute/hour windows. It short-circuits on the
// first failure.
func (l *Limiter) Check(ctx context.Context, scope Scope, identifier, dedupKey, ip string, limits Limits) Decision {
	now := float64(time.Now().Unix())

	if banned, expiresAt, err := l.isBanned(ctx, scope, ip); err != nil {
		l.logger.Warn().Err(err).Str("scope", string(scope)).Msg("ban lookup failed — failing open")
	} else if banned {
		return l.recordOutcome(scope, Decision{
			Kind:              Banned,
			Limits:            limits,
			BanExpiresAt:      expiresAt,
			RetryAfterSeconds: expiresAt - time.Now().Unix(),
		})
	}

	if scope != ScopeAdminUsage && l.cfg.EnableGlobalRateLimit {
		gLimits := l.globalLimits()
		gKeyMin := fmt.Sprintf("rl:global:%s:minute", scope)
		gKeyHour := fmt.Sprintf("rl:global:%s:hour", scope)
		if d := l.admit(ctx, gKeyMin, dedupKey, now, 60, gLimits.PerMinute); d.Kind != Allowed {
			return l.recordOutcome(scope, l.recordViolation(ctx, scope, ip, gLimits, d))
		}
		if d := l.admit(ctx, gKeyHour, dedupKey, now, 3600, gLimits.PerHour); d.Kind != Allowed {
			return l.recordOutcome(scope, l.recordViolation(ctx, scope, ip, gLimits, d))
		}
	}

	keyMin := fmt.Sprintf("rl:%s:%s:minute", scope, identifier)
	keyHour := fmt.Sprintf("rl:%s:%s:hour", scope, identifier)

	if d := l.admit(ctx, keyMin, dedupKey, now, 60, limits.PerMinute); d.Kind != Allowed {
		return l.recordOutcome(scope, l.recordViolation(ctx, scope, ip, limits, d))
	}
	if d := l.admit(ctx, keyHour, dedupKey, now, 3600, limits.PerHour); d.Kind != Allowed {
		return l.recordOutcome(scope, l.recordViolation(ctx, scope, ip, limits, d))
	}

	return l.recordOutcome(scope, Decision{Kind: Allowed, Limits: limits})
}

// recordOutcome increments the per-scope/outcome check counter and, for
// non-allowed decisions, the rejection/ban counters and the retry-after
// histogram, before handing the decision back to the caller.
func (l *Limiter) recordOutcome(scope Scope, d Decision) Decision {
	if l.metrics == nil {
		return d
	}
	outcome := "allowed"
	switch d.Kind {
	case RateLimited:
		outcome = "rate_limited"
		l.metrics.RateLimitRejections.WithLabelValues(string(scope)).Inc()
	case Banned:
		outcome = "banned"
		l.metrics.RateLimitRejections.WithLabelValues(string(scope)).Inc()
	case StoreError:
		outcome = "store_error"
	}
	l.metrics.RateLimitChecks.WithLabelValues(string(scope), outcome).Inc()
	if d.ViolationCount > 0 {
		l.metrics.ViolationCount.WithLabelValues(string(scope)).Inc()
	}
	if d.BanExpiresAt > 0 && d.Kind == RateLimited {
		l.metrics.Bans.WithLabelValues(string(scope)).Inc()
	}
	if d.RetryAfterSeconds > 0 {
		l.metrics.RetryAfterSeconds.WithLabelValues(string(scope)).Observe(float64(d.RetryAfterSeconds))
	}
	return d
}

func (l *Limiter) admit(ctx context.Context, key, dedupKey string, now float64, window int64, limit int64) Decision {
	cmd, err := l.store.RunScript(ctx, slidingWindowScript, []string{key}, now, window, limit, dedupKey)
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("sliding window script failed — failing open")
		return Decision{Kind: Allowed}
	}
	res, err := cmd.Slice()
	if err != nil || len(res) != 3 {
		l.logger.Warn().Err(err).Msg("unexpected sliding window script result — failing open")
		return Decision{Kind: Allowed}
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	oldest, _ := res[2].(int64)

	if allowed == 1 {
		return Decision{Kind: Allowed, Count: count}
	}

	retryAfter := (oldest + window) - int64(now)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{Kind: RateLimited, Count: count, RetryAfterSeconds: retryAfter}
}

// recordViolation bumps the IP's violation counter and, per the
// progressive-ban table, may immediately set the ban flag. It then
// returns the rate-limited/banned decision to the caller.
func (l *Limiter) recordViolation(ctx context.Context, scope Scope, ip string, limits Limits, d Decision) Decision {
	banKey := fmt.Sprintf("ban:%s:%s", scope, ip)
	count, err := l.store.Incr(ctx, banKey, 24*time.Hour)
	if err != nil {
		l.logger.Warn().Err(err).Str("ip", ip).Msg("ban counter increment failed — failing open")
		d.Limits = limits
		d.ViolationCount = 1
		return d
	}

	ttl := banTTLFor(count)
	bannedKey := fmt.Sprintf("banned:%s:%s", scope, ip)
	if err := l.store.Set(ctx, bannedKey, "1", ttl); err != nil {
		l.logger.Warn().Err(err).Str("ip", ip).Msg("ban flag set failed")
	}

	d.Limits = limits
	d.ViolationCount = count
	d.BanExpiresAt = time.Now().Add(ttl).Unix()
	d.RetryAfterSeconds = int64(ttl.Seconds())
	return d
}

func (l *Limiter) isBanned(ctx context.Context, scope Scope, ip string) (bool, int64, error) {
	bannedKey := fmt.Sprintf("banned:%s:%s", scope, ip)
	exists, err := l.store.Exists(ctx, bannedKey)
	if err != nil {
		return false, 0, err
	}
	if !exists {
		return false, 0, nil
	}
	ttl, err := l.store.TTL(ctx, bannedKey)
	if err != nil {
		return true, time.Now().Unix(), nil
	}
	return true, time.Now().Add(ttl).Unix(), nil
}
