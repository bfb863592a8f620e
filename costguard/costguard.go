/*
Package costguard tracks per-identifier estimated and actual spend
across a rolling short window and a rolling 24h window, enforcing a
soft threshold and a hard daily cap. Both the check-and-record step
and the post-completion reconciliation step run as single atomic Lua
scripts against the store, for the same reason the rate limiter does:
concurrent requests for the same identifier must not be able to
interleave past the cap.
*/
package costguard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/observability"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/store"
)

// Kind tags the outcome of a CheckAndRecord call.
type Kind int

const (
	Allowed Kind = iota
	AlreadyThrottled
	WindowThresholdExceeded
	DailyCapExceeded
)

// Result is the tagged result of CheckAndRecord.
type Result struct {
	Kind       Kind
	ThrottleTTLSeconds int64
}

// Config holds the cost-throttle thresholds, mirroring §4.E's defaults.
type Config struct {
	Enabled              bool
	ShortWindow          time.Duration
	Threshold            float64
	DailyCap             float64
	ThrottleDuration     time.Duration
	DailyCapDuration     time.Duration
}

// DefaultConfig returns the spec's defaults: 600s window, $0.01
// threshold, $0.13 daily cap, 30s/60s throttle durations.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		ShortWindow:      600 * time.Second,
		Threshold:        0.01,
		DailyCap:         0.13,
		ThrottleDuration: 30 * time.Second,
		DailyCapDuration: 60 * time.Second,
	}
}

const daySeconds = 86400

func (k Kind) String() string {
	switch k {
	case Allowed:
		return "allowed"
	case AlreadyThrottled:
		return "already_throttled"
	case WindowThresholdExceeded:
		return "window_threshold_exceeded"
	case DailyCapExceeded:
		return "daily_cap_exceeded"
	default:
		return "unknown"
	}
}

// checkAndRecordScript implements the §4.E check-and-record protocol
// over two sorted sets. Both the window set and the day set store
// members as "request_id|estimated" with score = now, so purging by
// timestamp works cleanly; amounts are kept in a companion hash keyed
// by the same member string and summed from there.
//
//	KEYS[1] = throttle flag key
//	KEYS[2] = window zset key
//	KEYS[3] = day zset key
//	KEYS[4] = window amounts hash key
//	KEYS[5] = day amounts hash key
//	ARGV[1] = now
//	ARGV[2] = window seconds
//	ARGV[3] = day seconds
//	ARGV[4] = estimated_cost_usd
//	ARGV[5] = request_id
//	ARGV[6] = threshold
//	ARGV[7] = daily_cap
//	ARGV[8] = throttle_ttl
//	ARGV[9] = daily_ttl
//
// Returns {kind(0=allowed,1=window,2=daily,3=already throttled), ttl}
var checkAndRecordScript = redis.NewScript(`
local flag = redis.call('GET', KEYS[1])
if flag then
  local ttl = redis.call('TTL', KEYS[1])
  return {3, ttl}
end

local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local day = tonumber(ARGV[3])
local estimated = tonumber(ARGV[4])
local reqID = ARGV[5]
local threshold = tonumber(ARGV[6])
local dailyCap = tonumber(ARGV[7])
local throttleTTL = tonumber(ARGV[8])
local dailyTTL = tonumber(ARGV[9])

redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now - window)
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', now - day)

local wMembers = redis.call('ZRANGE', KEYS[2], 0, -1)
local wSum = 0
for _, m in ipairs(wMembers) do
  local amt = redis.call('HGET', KEYS[4], m)
  if amt then wSum = wSum + tonumber(amt) end
end

local dMembers = redis.call('ZRANGE', KEYS[3], 0, -1)
local dSum = 0
for _, m in ipairs(dMembers) do
  local amt = redis.call('HGET', KEYS[5], m)
  if amt then dSum = dSum + tonumber(amt) end
end

if dSum + estimated > dailyCap then
  redis.call('SET', KEYS[1], 'daily_cap_exceeded', 'EX', dailyTTL)
  return {2, dailyTTL}
end

if wSum + estimated > threshold then
  redis.call('SET', KEYS[1], 'window_threshold_exceeded', 'EX', throttleTTL)
  return {1, throttleTTL}
end

local member = reqID .. '|estimated'
redis.call('ZADD', KEYS[2], now, member)
redis.call('HSET', KEYS[4], member, estimated)
redis.call('EXPIRE', KEYS[2], window * 2)
redis.call('EXPIRE', KEYS[4], window * 2)

redis.call('ZADD', KEYS[3], now, member)
redis.call('HSET', KEYS[5], member, estimated)
redis.call('EXPIRE', KEYS[3], day * 2)
redis.call('EXPIRE', KEYS[5], day * 2)

return {0, 0}
`)

// reconcileScript removes the "request_id|estimated" entry (if
// present) and inserts "request_id|actual" with the real cost and
// current timestamp in both sets — an idempotent replace, so a retry
// with the same request_id is a no-op.
//
//	KEYS[1] = window zset key
//	KEYS[2] = day zset key
//	KEYS[3] = window amounts hash key
//	KEYS[4] = day amounts hash key
//	ARGV[1] = now
//	ARGV[2] = window seconds
//	ARGV[3] = day seconds
//	ARGV[4] = actual_cost_usd
//	ARGV[5] = request_id
var reconcileScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local day = tonumber(ARGV[3])
local actual = tonumber(ARGV[4])
local reqID = ARGV[5]

local estMember = reqID .. '|estimated'
local actMember = reqID .. '|actual'

redis.call('ZREM', KEYS[1], estMember)
redis.call('HDEL', KEYS[3], estMember)
redis.call('ZREM', KEYS[2], estMember)
redis.call('HDEL', KEYS[4], estMember)

redis.call('ZADD', KEYS[1], now, actMember)
redis.call('HSET', KEYS[3], actMember, actual)
redis.call('EXPIRE', KEYS[1], window * 2)
redis.call('EXPIRE', KEYS[3], window * 2)

redis.call('ZADD', KEYS[2], now, actMember)
redis.call('HSET', KEYS[4], actMember, actual)
redis.call('EXPIRE', KEYS[2], day * 2)
redis.call('EXPIRE', KEYS[4], day * 2)

return 1
`)

// Guard enforces the cost throttle for a stable identifier.
type Guard struct {
	store   *store.Store
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// New constructs a Guard.
func New(s *store.Store, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Guard {
	return &Guard{store: s, cfg: cfg, logger: logger.With().Str("component", "costguard").Logger(), metrics: metrics}
}

func keys(stableID string) (flag, window, day, windowAmounts, dayAmounts string) {
	return "cost_throttled:" + stableID,
		"cost:window:" + stableID,
		"cost:day:" + stableID,
		"cost:window:amounts:" + stableID,
		"cost:day:amounts:" + stableID
}

// CheckAndRecord runs the atomic check-and-record protocol. If the
// store is unavailable it fails open (Allowed) with a warning log.
func (g *Guard) CheckAndRecord(ctx context.Context, stableID string, estimatedCostUSD float64, requestID string) Result {
	return g.recordOutcome(g.checkAndRecord(ctx, stableID, estimatedCostUSD, requestID))
}

func (g *Guard) recordOutcome(r Result) Result {
	if g.metrics != nil {
		g.metrics.CostThrottleEvents.WithLabelValues(r.Kind.String()).Inc()
	}
	return r
}

func (g *Guard) checkAndRecord(ctx context.Context, stableID string, estimatedCostUSD float64, requestID string) Result {
	if !g.cfg.Enabled {
		return Result{Kind: Allowed}
	}

	flag, window, day, wAmounts, dAmounts := keys(stableID)
	now := time.Now().Unix()

	cmd, err := g.store.RunScript(ctx, checkAndRecordScript,
		[]string{flag, window, day, wAmounts, dAmounts},
		now, int64(g.cfg.ShortWindow.Seconds()), daySeconds,
		estimatedCostUSD, requestID,
		g.cfg.Threshold, g.cfg.DailyCap,
		int64(g.cfg.ThrottleDuration.Seconds()), int64(g.cfg.DailyCapDuration.Seconds()),
	)
	if err != nil {
		g.logger.Warn().Err(err).Str("stable_id", stableID).Msg("cost check script failed — failing open")
		return Result{Kind: Allowed}
	}

	res, err := cmd.Slice()
	if err != nil || len(res) != 2 {
		g.logger.Warn().Err(err).Msg("unexpected cost script result — failing open")
		return Result{Kind: Allowed}
	}

	kindVal, _ := res[0].(int64)
	ttl, _ := res[1].(int64)

	switch kindVal {
	case 1:
		return Result{Kind: WindowThresholdExceeded, ThrottleTTLSeconds: ttl}
	case 2:
		return Result{Kind: DailyCapExceeded, ThrottleTTLSeconds: ttl}
	case 3:
		return Result{Kind: AlreadyThrottled, ThrottleTTLSeconds: ttl}
	default:
		return Result{Kind: Allowed}
	}
}

// Reconcile replaces the estimate record for requestID with the
// actual cost, in both the short window and the day window. Safe to
// call with actualCostUSD=0 when a client disconnect aborted dispatch
// before any real cost was incurred.
func (g *Guard) Reconcile(ctx context.Context, stableID string, actualCostUSD float64, requestID string) error {
	if !g.cfg.Enabled {
		return nil
	}
	_, window, day, wAmounts, dAmounts := keys(stableID)
	now := time.Now().Unix()

	_, err := g.store.RunScript(ctx, reconcileScript,
		[]string{window, day, wAmounts, dAmounts},
		now, int64(g.cfg.ShortWindow.Seconds()), daySeconds,
		actualCostUSD, requestID,
	)
	if err != nil {
		return fmt.Errorf("reconcile cost record: %w", err)
	}
	return nil
}
