package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
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
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/store"
)

// fakeRAGClient is a scriptable ragclient.Client for orchestrator tests.
type fakeRAGClient struct {
	err   error
	usage ragclient.Usage
	text  string
}

func (f *fakeRAGClient) Stream(ctx context.Context, req ragclient.Request) (<-chan ragclient.Chunk, func() ragclient.Usage, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	ch := make(chan ragclient.Chunk, 2)
	ch <- ragclient.Chunk{Text: f.text}
	ch <- ragclient.Chunk{Text: "", Done: true}
	close(ch)
	return ch, func() ragclient.Usage { return f.usage }, nil
}

type testEnv struct {
	pipeline *Pipeline
	mr       *miniredis.Miniredis
	rag      *fakeRAGClient
	cfg      *config.Config
}

// newTestEnv builds a pipeline with a cost-throttle threshold generous
// enough that the orchestrator's fixed pre-dispatch estimate (bounded
// by assumedMaxOutputTokens, priced at the assumed model's per-1M
// rate) doesn't trip it by accident — tests that want to exercise
// throttling set Threshold explicitly through newTestEnvWithCostGuard's
// configureCostGuard hook.
func newTestEnv(t *testing.T, configure func(*config.Config)) *testEnv {
	return newTestEnvWithCostGuard(t, configure, nil)
}

func newTestEnvWithCostGuard(t *testing.T, configure func(*config.Config), configureCostGuard func(*costguard.Config)) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := zerolog.New(io.Discard)
	s := store.NewWithClient(rdb, log)

	cfg := &config.Config{
		RateLimitPerMinute:      60,
		RateLimitPerHour:        1000,
		EnableGlobalRateLimit:   false,
		EnableChallengeResponse: false,
		EnableTurnstile:         false,
		EnableCostThrottling:    true,
	}
	if configure != nil {
		configure(cfg)
	}

	metrics := observability.New(prometheus.NewRegistry())
	challenges := challenge.New(s, challenge.DefaultConfig(), log, metrics)
	limiter := ratelimit.New(s, cfg, log, metrics)
	costGuardCfg := costguard.DefaultConfig()
	costGuardCfg.Enabled = cfg.EnableCostThrottling
	costGuardCfg.Threshold = 1.0
	costGuardCfg.DailyCap = 10.0
	if configureCostGuard != nil {
		configureCostGuard(&costGuardCfg)
	}
	guard := costguard.New(s, costGuardCfg, log, metrics)
	costEngine := costmodel.NewCostEngine()
	tokenCounter := costmodel.NewTokenCounter(4.0)
	botVerifier := botcheck.New("secret", "", log)
	rag := &fakeRAGClient{text: "hello", usage: ragclient.Usage{Model: "claude-3.5-sonnet", InputTokens: 10, OutputTokens: 20}}
	trail := audit.New(log, audit.NewLogSink(log))
	trail.Start(context.Background())
	t.Cleanup(trail.Stop)

	p := New(cfg, identity.TrustConfig{}, sanitize.DefaultConfig(), challenges, limiter, guard, costEngine, tokenCounter, botVerifier, rag, trail, log, metrics)
	return &testEnv{pipeline: p, mr: mr, rag: rag, cfg: cfg}
}

func testRequest(query string) ChatRequest {
	r := httptest.NewRequest("POST", "/api/v1/chat", nil)
	r.RemoteAddr = "10.0.0.9:1234"
	return ChatRequest{HTTPRequest: r, Query: query}
}

func TestHandleChatHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := WithRequestID(context.Background(), "req-1")

	outcome, err := env.pipeline.HandleChat(ctx, testRequest("what is litecoin?"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got string
	for c := range outcome.Chunks {
		got += c.Text
	}
	if got != "hello" {
		t.Fatalf("expected streamed text %q, got %q", "hello", got)
	}
	usage := outcome.FinalUsage()
	if usage.Model != "claude-3.5-sonnet" {
		t.Fatalf("expected usage model passthrough, got %q", usage.Model)
	}
}

func TestHandleChatRejectsOverlongInput(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	longQuery := make([]byte, 500)
	for i := range longQuery {
		longQuery[i] = 'a'
	}
	_, err := env.pipeline.HandleChat(ctx, testRequest(string(longQuery)))
	var perr *PipelineError
	if !errors.As(err, &perr) || perr.Kind != KindInputTooLong {
		t.Fatalf("expected KindInputTooLong, got %v", err)
	}
}

func TestHandleChatRequiresChallengeWhenEnabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.EnableChallengeResponse = true })
	ctx := context.Background()

	_, err := env.pipeline.HandleChat(ctx, testRequest("hi"))
	var perr *PipelineError
	if !errors.As(err, &perr) || perr.Kind != KindChallengeRequired {
		t.Fatalf("expected KindChallengeRequired, got %v", err)
	}
}

func TestHandleChatBotCheckFailureDegradesInsteadOfRejecting(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.EnableTurnstile = true })
	ctx := context.Background()

	// the request carries no bot-check token, so the verifier returns
	// Success=false (missing_token) without any network call — this must
	// degrade to the strict profile, not reject the request outright.
	outcome, err := env.pipeline.HandleChat(ctx, testRequest("hi"))
	if err != nil {
		t.Fatalf("expected fail-open-with-degradation, not an error: %v", err)
	}
	if outcome == nil {
		t.Fatal("expected a non-nil outcome")
	}
}

func TestHandleChatRateLimitRejection(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.RateLimitPerMinute = 1
		c.RateLimitPerHour = 1000
	})
	ctx := context.Background()

	// distinct full fingerprints with the same stable id, so the second
	// request is a new request against the same window, not a dedup'd
	// retry of the first.
	firstReq := testRequest("one")
	firstReq.HTTPRequest.Header.Set("X-Fingerprint", "fp:challenge-a:hash01")
	first, err := env.pipeline.HandleChat(WithRequestID(ctx, "req-a"), firstReq)
	if err != nil {
		t.Fatalf("expected first request to succeed, got %v", err)
	}
	for range first.Chunks {
	}
	first.FinalUsage()

	secondReq := testRequest("two")
	secondReq.HTTPRequest.Header.Set("X-Fingerprint", "fp:challenge-b:hash01")
	_, err = env.pipeline.HandleChat(WithRequestID(ctx, "req-b"), secondReq)
	var perr *PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("expected a PipelineError on the second request, got %v", err)
	}
	if perr.Kind != KindRateLimited && perr.Kind != KindBanned {
		t.Fatalf("expected RateLimited or Banned, got %v", perr.Kind)
	}
}

func TestHandleChatCostThrottled(t *testing.T) {
	env := newTestEnvWithCostGuard(t,
		func(c *config.Config) { c.EnableCostThrottling = true },
		func(cg *costguard.Config) { cg.Threshold = 0.0001 },
	)
	ctx := context.Background()

	_, err := env.pipeline.HandleChat(WithRequestID(ctx, "req-cost"), testRequest("hi"))
	var perr *PipelineError
	if !errors.As(err, &perr) || perr.Kind != KindCostThrottled {
		t.Fatalf("expected KindCostThrottled under a near-zero threshold, got %v", err)
	}
}

func TestHandleChatCostThrottlingDisabledAllowsExpensiveEstimate(t *testing.T) {
	env := newTestEnvWithCostGuard(t,
		func(c *config.Config) { c.EnableCostThrottling = false },
		func(cg *costguard.Config) { cg.Threshold = 0.0001 },
	)
	ctx := context.Background()

	outcome, err := env.pipeline.HandleChat(WithRequestID(ctx, "req-cost-disabled"), testRequest("hi"))
	if err != nil {
		t.Fatalf("expected disabled cost throttling to allow the request, got %v", err)
	}
	for range outcome.Chunks {
	}
	outcome.FinalUsage()
}

func TestHandleChatDispatchFailureReturnsDispatchFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.rag.err = errors.New("backend unavailable")
	ctx := WithRequestID(context.Background(), "req-fail")

	_, err := env.pipeline.HandleChat(ctx, testRequest("hi"))
	var perr *PipelineError
	if !errors.As(err, &perr) || perr.Kind != KindDispatchFailed {
		t.Fatalf("expected KindDispatchFailed, got %v", err)
	}
}

func TestWithRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc-123")
	if got := requestIDFrom(ctx); got != "abc-123" {
		t.Fatalf("expected abc-123, got %q", got)
	}
}

func TestRequestIDFromEmptyContextDefaultsToUnknown(t *testing.T) {
	if got := requestIDFrom(context.Background()); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}
