/*
Package orchestrator implements the request state machine that ties
every gate together: sanitize, identify, validate challenge, bot-check,
rate-limit, cost-guard, dispatch, reconcile. Each state transition is a
step of HandleChat that either falls through to the next state or
returns a typed PipelineError{State, Kind} — never a panic, never a bare
error for an expected rejection. The streaming path is adapted from the reference
gateway's disconnect-aware SSE loop (handler/stream.go), generalized
from LLM-provider chunks to the RAG backend's token stream, with
bounded-retry reconciliation on the final DISPATCHED -> COMPLETED step.
*/
package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/audit"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/botcheck"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/challenge"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/config"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/costguard"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/costmodel"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/identity"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/observability"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/ragclient"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/ratelimit"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/sanitize"
)

// State names one step of the request state machine, in the order
// HandleChat walks them.
type State string

const (
	StateReceived           State = "received"
	StateSanitized          State = "sanitized"
	StateIdentified         State = "identified"
	StateChallengeValidated State = "challenge_validated"
	StateBotChecked         State = "bot_checked"
	StateRateAllowed        State = "rate_allowed"
	StateCostAllowed        State = "cost_allowed"
	StateDispatched         State = "dispatched"
	StateCompleted          State = "completed"
)

// Kind tags why a state transition failed to progress.
type Kind int

const (
	KindInputTooLong Kind = iota
	KindChallengeRequired
	KindChallengeInvalid
	KindChallengeMismatch
	KindChallengeRateLimited
	KindTooManyChallenges
	KindBotCheckFailed
	KindRateLimited
	KindBanned
	KindCostThrottled
	KindDailyCapExceeded
	KindDispatchFailed
	KindStoreFailed
)

// PipelineError reports the state a request failed in and why.
type PipelineError struct {
	State             State
	Kind              Kind
	RetryAfterSeconds int64
}

func (e *PipelineError) Error() string {
	return string(e.State) + ": " + kindString(e.Kind)
}

func kindString(k Kind) string {
	switch k {
	case KindInputTooLong:
		return "input too long"
	case KindChallengeRequired:
		return "challenge required"
	case KindChallengeInvalid:
		return "challenge invalid"
	case KindChallengeMismatch:
		return "challenge mismatch"
	case KindChallengeRateLimited:
		return "challenge issuance rate limited"
	case KindTooManyChallenges:
		return "too many active challenges"
	case KindBotCheckFailed:
		return "bot check failed"
	case KindRateLimited:
		return "rate limited"
	case KindBanned:
		return "banned"
	case KindCostThrottled:
		return "cost throttled"
	case KindDailyCapExceeded:
		return "daily cost cap exceeded"
	case KindDispatchFailed:
		return "dispatch failed"
	default:
		return "store failed"
	}
}

// ChatRequest is the raw inbound request before any gate has run.
type ChatRequest struct {
	HTTPRequest  *http.Request
	Query        string
	ChatHistory  []ragclient.ChatMessage
	ChallengeID  string
	TurnstileTok string
}

// Outcome is the terminal, successful result of HandleChat.
type Outcome struct {
	RequestID   string
	Chunks      <-chan ragclient.Chunk
	FinalUsage  func() ragclient.Usage
	Identity    identity.Identity
}

// Pipeline wires every gate together and runs the literal state
// machine described in HandleChat.
type Pipeline struct {
	cfg          *config.Config
	identityCfg  identity.TrustConfig
	sanitizeCfg  sanitize.Config
	challenges   *challenge.Service
	limiter      *ratelimit.Limiter
	costGuard    *costguard.Guard
	costEngine   *costmodel.CostEngine
	tokenCounter *costmodel.TokenCounter
	botVerifier  *botcheck.Verifier
	rag          ragclient.Client
	trail        *audit.Trail
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

// New constructs a Pipeline from its fully-built collaborators. Callers
// assemble each leaf package (store, identity config, challenge
// service, limiter, cost guard, bot verifier, rag client, audit trail)
// at startup and pass them in here.
func New(
	cfg *config.Config,
	identityCfg identity.TrustConfig,
	sanitizeCfg sanitize.Config,
	challenges *challenge.Service,
	limiter *ratelimit.Limiter,
	costGuard *costguard.Guard,
	costEngine *costmodel.CostEngine,
	tokenCounter *costmodel.TokenCounter,
	botVerifier *botcheck.Verifier,
	rag ragclient.Client,
	trail *audit.Trail,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		identityCfg:  identityCfg,
		sanitizeCfg:  sanitizeCfg,
		challenges:   challenges,
		limiter:      limiter,
		costGuard:    costGuard,
		costEngine:   costEngine,
		tokenCounter: tokenCounter,
		botVerifier:  botVerifier,
		rag:          rag,
		trail:        trail,
		logger:       logger.With().Str("component", "orchestrator").Logger(),
		metrics:      metrics,
	}
}

// assumedModel is the model name used for pre-dispatch cost
// estimation, since the orchestrator does not choose the model — the
// RAG backend does, and only reports it back on completion.
const assumedModel = "claude-3.5-sonnet"

// assumedMaxOutputTokens bounds the pre-dispatch cost estimate; actual
// cost is reconciled against this after the backend reports real usage.
const assumedMaxOutputTokens = 1024

// HandleChat runs the full state machine for one chat request. On
// success it returns an Outcome carrying the live chunk stream; the
// caller (the HTTP handler) is responsible for invoking Reconcile via
// the returned FinalUsage once streaming ends.
func (p *Pipeline) HandleChat(ctx context.Context, req ChatRequest) (*Outcome, error) {
	requestID := requestIDFrom(ctx)

	// SANITIZED
	result, err := sanitize.Sanitize(req.Query, p.sanitizeCfg)
	if err != nil {
		return nil, &PipelineError{State: StateSanitized, Kind: KindInputTooLong}
	}
	req.Query = result.Text

	// IDENTIFIED
	id := identity.Extract(req.HTTPRequest, p.identityCfg)

	// CHALLENGE_VALIDATED
	if p.cfg.EnableChallengeResponse {
		if req.ChallengeID == "" {
			return nil, &PipelineError{State: StateChallengeValidated, Kind: KindChallengeRequired}
		}
		vr := p.challenges.ValidateAndConsume(ctx, req.ChallengeID, id.StableID)
		switch vr.Kind {
		case challenge.OK:
			// proceed
		case challenge.StoreFailed:
			return nil, &PipelineError{State: StateChallengeValidated, Kind: KindStoreFailed}
		case challenge.Mismatch:
			p.trail.Record(audit.Event{Kind: audit.KindChallengeReject, Scope: string(ratelimit.ScopeChat), StableIDHash: id.StableID, TrustedIP: id.TrustedIP})
			return nil, &PipelineError{State: StateChallengeValidated, Kind: KindChallengeMismatch}
		default:
			p.trail.Record(audit.Event{Kind: audit.KindChallengeReject, Scope: string(ratelimit.ScopeChat), StableIDHash: id.StableID, TrustedIP: id.TrustedIP})
			return nil, &PipelineError{State: StateChallengeValidated, Kind: KindChallengeInvalid}
		}
	}

	// BOT_CHECKED
	limits := ratelimit.Limits{}
	useStrictProfile := false
	if p.cfg.EnableTurnstile {
		bcr := p.botVerifier.Verify(ctx, req.TurnstileTok, id.TrustedIP)
		if !bcr.Success {
			// Fail-open-with-degradation: the request still proceeds,
			// but under the strict rate-limit profile instead of being
			// rejected outright.
			p.trail.Record(audit.Event{Kind: audit.KindBotCheckFail, Scope: string(ratelimit.ScopeChat), StableIDHash: id.StableID, TrustedIP: id.TrustedIP})
			if p.metrics != nil {
				p.metrics.BotCheckFailures.Inc()
			}
			useStrictProfile = true
		}
	}

	// RATE_ALLOWED
	if useStrictProfile {
		limits = ratelimit.StrictProfile()
	} else {
		limits = ratelimit.Limits{PerMinute: p.cfg.RateLimitPerMinute, PerHour: p.cfg.RateLimitPerHour}
	}
	decision := p.limiter.Check(ctx, ratelimit.ScopeChat, id.StableID, id.FullFingerprint, id.TrustedIP, limits)
	switch decision.Kind {
	case ratelimit.Allowed:
		// proceed
	case ratelimit.Banned:
		p.trail.Record(audit.Event{Kind: audit.KindBan, Scope: string(ratelimit.ScopeChat), StableIDHash: id.StableID, TrustedIP: id.TrustedIP})
		return nil, &PipelineError{State: StateRateAllowed, Kind: KindBanned, RetryAfterSeconds: decision.RetryAfterSeconds}
	default:
		p.trail.Record(audit.Event{Kind: audit.KindViolation, Scope: string(ratelimit.ScopeChat), StableIDHash: id.StableID, TrustedIP: id.TrustedIP})
		return nil, &PipelineError{State: StateRateAllowed, Kind: KindRateLimited, RetryAfterSeconds: decision.RetryAfterSeconds}
	}

	// COST_ALLOWED
	inputTokens := p.tokenCounter.EstimateTokens(req.Query)
	estimatedCost := p.costEngine.Estimate(assumedModel, inputTokens, assumedMaxOutputTokens)
	costResult := p.costGuard.CheckAndRecord(ctx, id.StableID, estimatedCost, requestID)
	switch costResult.Kind {
	case costguard.Allowed:
		// proceed
	case costguard.DailyCapExceeded:
		p.trail.Record(audit.Event{Kind: audit.KindCostThrottle, Scope: string(ratelimit.ScopeChat), StableIDHash: id.StableID, TrustedIP: id.TrustedIP})
		return nil, &PipelineError{State: StateCostAllowed, Kind: KindDailyCapExceeded, RetryAfterSeconds: costResult.ThrottleTTLSeconds}
	default:
		p.trail.Record(audit.Event{Kind: audit.KindCostThrottle, Scope: string(ratelimit.ScopeChat), StableIDHash: id.StableID, TrustedIP: id.TrustedIP})
		return nil, &PipelineError{State: StateCostAllowed, Kind: KindCostThrottled, RetryAfterSeconds: costResult.ThrottleTTLSeconds}
	}

	// DISPATCHED
	chunks, finalUsage, err := p.rag.Stream(ctx, ragclient.Request{
		RequestID:   requestID,
		Query:       req.Query,
		ChatHistory: req.ChatHistory,
	})
	if err != nil {
		// The estimate was already recorded; reconcile it down to zero
		// so a dispatch failure doesn't permanently count against the
		// identifier's cost budget.
		if rerr := p.costGuard.Reconcile(ctx, id.StableID, 0, requestID); rerr != nil {
			p.logger.Warn().Err(rerr).Str("request_id", requestID).Msg("failed to reconcile cost after dispatch failure")
		}
		return nil, &PipelineError{State: StateDispatched, Kind: KindDispatchFailed}
	}

	wrappedUsage := func() ragclient.Usage {
		usage := finalUsage()
		actualCost := p.costEngine.Calculate(usage.Model, usage.InputTokens, usage.OutputTokens)
		if actualCost == 0 && usage.ActualCostUSD != 0 {
			actualCost = usage.ActualCostUSD
		}
		p.reconcileWithRetry(id.StableID, actualCost, requestID)
		return usage
	}

	return &Outcome{
		RequestID:  requestID,
		Chunks:     chunks,
		FinalUsage: wrappedUsage,
		Identity:   id,
	}, nil
}

// reconcileWithRetry is the COMPLETED step: it replaces the estimate
// recorded during COST_ALLOWED with the real cost now that the backend
// has reported usage, retrying up to three times on store hiccups —
// bounded the same way the reference streaming handler bounds its own
// reconciliation retries, since an unreconciled estimate left in place
// would overcount the identifier's spend on every subsequent request.
func (p *Pipeline) reconcileWithRetry(stableID string, actualCost float64, requestID string) {
	const maxAttempts = 3
	backoff := 50 * time.Millisecond

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = p.costGuard.Reconcile(rctx, stableID, actualCost, requestID)
		cancel()
		if err == nil {
			return
		}
		if attempt < maxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	p.logger.Warn().Err(err).Str("request_id", requestID).Str("stable_id", stableID).
		Msg("cost reconciliation failed after retries")
}

type requestIDKey struct{}

// WithRequestID attaches a request id to ctx for downstream retrieval.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok && v != "" {
		return v
	}
	return "unknown"
}
