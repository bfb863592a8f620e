package config

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all guard-service configuration values, loaded once at
// startup from environment variables (optionally preceded by a .env
// file) and refreshed on a bounded interval for the handful of values
// that may also be tuned live from the store (see Snapshot).
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Redis
	RedisURL string

	// RAG backend
	RAGBackendURL string

	// Identity extraction
	TrustForwardHeader bool

	// Body limits
	MaxBodyBytes int64

	// Logging
	LogLevel string

	// Rate limiting (per-identifier chat scope)
	RateLimitPerMinute int64
	RateLimitPerHour   int64

	// Rate limiting (global)
	EnableGlobalRateLimit    bool
	GlobalRateLimitPerMinute int64
	GlobalRateLimitPerHour   int64

	// Challenge-response
	EnableChallengeResponse            bool
	ChallengeTTLSeconds                int64
	ChallengeRequestRateLimitSeconds   int64
	MaxActiveChallengesPerIdentifier   int

	// Bot-check (Turnstile)
	EnableTurnstile    bool
	TurnstileSecretKey string
	TurnstileVerifyURL string

	// Cost throttling
	EnableCostThrottling    bool
	HighCostThresholdUSD    float64
	HighCostWindowSeconds   int64
	CostThrottleDurationSec int64
	DailyCostLimitUSD       float64

	// Webhook + admin
	WebhookSecret string
	AdminToken    string // comma-separated rotation list

	// Store-snapshot refresh interval for live-tunable values
	SnapshotRefreshInterval time.Duration

	// Live holds the subset of this Config that main's background
	// refresher keeps current from the store without a restart (see
	// Snapshot). Left nil by Load; main constructs and assigns it
	// after the store connects, and callers that find it nil fall
	// back to the static fields above.
	Live *LiveConfig
}

// Snapshot is the subset of Config that can be re-tuned live from the
// store on the bounded interval named by SnapshotRefreshInterval.
type Snapshot struct {
	GlobalRateLimitPerMinute int64
	GlobalRateLimitPerHour   int64
}

// LiveConfig is an atomically-swapped pointer to the current Snapshot.
// Reads never block a writer and vice versa; a refresh that races a
// read always sees either the old or the new snapshot in full, never
// a partial one.
type LiveConfig struct {
	ptr atomic.Pointer[Snapshot]
}

// NewLiveConfig seeds a LiveConfig with an initial snapshot, normally
// built from the static startup Config so the limiter has a sane
// value before the first background refresh completes.
func NewLiveConfig(initial Snapshot) *LiveConfig {
	lc := &LiveConfig{}
	lc.Store(initial)
	return lc
}

// Load returns the current snapshot.
func (l *LiveConfig) Load() Snapshot {
	return *l.ptr.Load()
}

// Store atomically swaps in a new snapshot.
func (l *LiveConfig) Store(s Snapshot) {
	l.ptr.Store(&s)
}

// Load reads configuration from environment variables and an
// optional .env file, following the reference gateway's config.go
// pattern of typed getters with fallback defaults.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("GUARD_GRACEFUL_TIMEOUT_SEC", 15)

	return &Config{
		Addr:            getEnv("GUARD_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		RedisURL:        getEnv("REDIS_URL", "redis://redis:6379"),
		RAGBackendURL:   getEnv("RAG_BACKEND_URL", "http://rag-backend:8081"),

		TrustForwardHeader: getEnvBool("TRUST_X_FORWARDED_FOR", false),

		MaxBodyBytes: int64(getEnvInt("GUARD_MAX_BODY_BYTES", 64*1024)),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		RateLimitPerMinute: int64(getEnvInt("RATE_LIMIT_PER_MINUTE", 60)),
		RateLimitPerHour:   int64(getEnvInt("RATE_LIMIT_PER_HOUR", 1000)),

		EnableGlobalRateLimit:    getEnvBool("ENABLE_GLOBAL_RATE_LIMIT", true),
		GlobalRateLimitPerMinute: int64(getEnvInt("GLOBAL_RATE_LIMIT_PER_MINUTE", 100)),
		GlobalRateLimitPerHour:   int64(getEnvInt("GLOBAL_RATE_LIMIT_PER_HOUR", 10000)),

		EnableChallengeResponse:          getEnvBool("ENABLE_CHALLENGE_RESPONSE", true),
		ChallengeTTLSeconds:              int64(getEnvInt("CHALLENGE_TTL_SECONDS", 300)),
		ChallengeRequestRateLimitSeconds: int64(getEnvInt("CHALLENGE_REQUEST_RATE_LIMIT_SECONDS", 1)),
		MaxActiveChallengesPerIdentifier: getEnvInt("MAX_ACTIVE_CHALLENGES_PER_IDENTIFIER", 5),

		EnableTurnstile:    getEnvBool("ENABLE_TURNSTILE", false),
		TurnstileSecretKey: getEnv("TURNSTILE_SECRET_KEY", ""),
		TurnstileVerifyURL: getEnv("TURNSTILE_VERIFY_URL", ""),

		EnableCostThrottling:    getEnvBool("ENABLE_COST_THROTTLING", true),
		HighCostThresholdUSD:    getEnvFloat("HIGH_COST_THRESHOLD_USD", 0.01),
		HighCostWindowSeconds:   int64(getEnvInt("HIGH_COST_WINDOW_SECONDS", 600)),
		CostThrottleDurationSec: int64(getEnvInt("COST_THROTTLE_DURATION_SECONDS", 30)),
		DailyCostLimitUSD:       getEnvFloat("DAILY_COST_LIMIT_USD", 0.13),

		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		AdminToken:    getEnv("ADMIN_TOKEN", ""),

		SnapshotRefreshInterval: time.Duration(getEnvInt("GUARD_SNAPSHOT_REFRESH_SEC", 30)) * time.Second,
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
