/*
Command guard is the entry point for the abuse-prevention and
cost-control core in front of the RAG chat backend: it wires config,
logging, the shared store, every gate (identity, challenge, rate
limiting, cost guard, bot-check, sanitizer, webhook auth), the request
orchestrator, and the HTTP router together, then serves with graceful
shutdown on SIGINT/SIGTERM.
*/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/audit"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/botcheck"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/challenge"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/config"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/costguard"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/costmodel"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/identity"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/logger"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/observability"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/orchestrator"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/ragclient"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/ratelimit"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/router"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/sanitize"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/store"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/webhook"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("guard service starting")

	s, err := store.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer s.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Msg("store ping failed at startup — continuing, rate limiting and cost throttling will fail open until it recovers")
	} else {
		log.Info().Msg("store connected")
	}
	cancel()

	metrics := observability.New(prometheus.DefaultRegisterer)

	cfg.Live = config.NewLiveConfig(config.Snapshot{
		GlobalRateLimitPerMinute: cfg.GlobalRateLimitPerMinute,
		GlobalRateLimitPerHour:   cfg.GlobalRateLimitPerHour,
	})
	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	go runSnapshotRefresher(refreshCtx, s, cfg, log)

	identityCfg := identity.TrustConfig{TrustForwardHeader: cfg.TrustForwardHeader}
	sanitizeCfg := sanitize.DefaultConfig()

	challengeCfg := challenge.DefaultConfig()
	challengeCfg.TTL = time.Duration(cfg.ChallengeTTLSeconds) * time.Second
	challengeCfg.MaxActive = cfg.MaxActiveChallengesPerIdentifier
	challengeCfg.MinSpacing = time.Duration(cfg.ChallengeRequestRateLimitSeconds) * time.Second
	challenges := challenge.New(s, challengeCfg, log, metrics)

	limiter := ratelimit.New(s, cfg, log, metrics)

	costGuardCfg := costguard.DefaultConfig()
	costGuardCfg.Enabled = cfg.EnableCostThrottling
	costGuardCfg.Threshold = cfg.HighCostThresholdUSD
	costGuardCfg.ShortWindow = time.Duration(cfg.HighCostWindowSeconds) * time.Second
	costGuardCfg.ThrottleDuration = time.Duration(cfg.CostThrottleDurationSec) * time.Second
	costGuardCfg.DailyCap = cfg.DailyCostLimitUSD
	guard := costguard.New(s, costGuardCfg, log, metrics)

	costEngine := costmodel.NewCostEngine()
	tokenCounter := costmodel.NewTokenCounter(4.0)

	botVerifier := botcheck.New(cfg.TurnstileSecretKey, cfg.TurnstileVerifyURL, log)

	trail := audit.New(log, audit.NewLogSink(log))
	trail.Start(context.Background())
	defer trail.Stop()

	ragBackend := ragclient.NewHTTPClient(cfg.RAGBackendURL, log)

	pipeline := orchestrator.New(
		cfg, identityCfg, sanitizeCfg,
		challenges, limiter, guard, costEngine, tokenCounter,
		botVerifier, ragBackend, trail, log, metrics,
	)

	webhookAuth := webhook.New(cfg.WebhookSecret)

	r := router.NewRouter(router.Deps{
		Config:      cfg,
		Logger:      log,
		Store:       s,
		Metrics:     metrics,
		Pipeline:    pipeline,
		Challenges:  challenges,
		Limiter:     limiter,
		Webhooks:    webhookAuth,
		Trail:       trail,
		IdentityCfg: identityCfg,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("guard service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("guard service stopped gracefully")
	}
}

// Keys global rate-limit overrides may be tuned under, read by the
// background snapshot refresher. Absent keys leave the current
// snapshot value in place rather than resetting to zero.
const (
	liveGlobalRateLimitPerMinuteKey = "cfg:global_rate_limit_per_minute"
	liveGlobalRateLimitPerHourKey   = "cfg:global_rate_limit_per_hour"
)

// runSnapshotRefresher re-reads the live-tunable global rate limits
// from the store on cfg.SnapshotRefreshInterval and swaps them into
// cfg.Live, until ctx is cancelled at shutdown. A failed or partial
// read leaves the previous snapshot in place — the limiter always has
// a usable value, stale at worst.
func runSnapshotRefresher(ctx context.Context, s *store.Store, cfg *config.Config, log zerolog.Logger) {
	interval := cfg.SnapshotRefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshSnapshotOnce(ctx, s, cfg, log)
		}
	}
}

func refreshSnapshotOnce(ctx context.Context, s *store.Store, cfg *config.Config, log zerolog.Logger) {
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	current := cfg.Live.Load()
	next := current

	if v, err := s.Get(readCtx, liveGlobalRateLimitPerMinuteKey); err != nil {
		log.Warn().Err(err).Msg("snapshot refresh: failed to read global per-minute override")
	} else if v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			next.GlobalRateLimitPerMinute = n
		}
	}

	if v, err := s.Get(readCtx, liveGlobalRateLimitPerHourKey); err != nil {
		log.Warn().Err(err).Msg("snapshot refresh: failed to read global per-hour override")
	} else if v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			next.GlobalRateLimitPerHour = n
		}
	}

	if next != current {
		cfg.Live.Store(next)
		log.Info().Int64("per_minute", next.GlobalRateLimitPerMinute).Int64("per_hour", next.GlobalRateLimitPerHour).
			Msg("global rate-limit snapshot refreshed")
	}
}
