/*
Package challenge issues, stores, validates, and consumes one-time
challenge tokens bound to a stable identifier. Challenges are
single-use: a successful validate deletes the key outright, so a
replayed validate against the same challenge id always fails with
InvalidChallenge (a consumed challenge is indistinguishable from one
that never existed).
*/
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/observability"
	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/store"
)

// Kind tags the outcome of an Issue or Validate call.
type Kind int

const (
	OK Kind = iota
	Reused          // smart-reuse of a still-valid challenge on Issue
	RateLimited
	TooManyActive
	InvalidChallenge
	Mismatch
	StoreFailed
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Reused:
		return "reused"
	case RateLimited:
		return "rate_limited"
	case TooManyActive:
		return "too_many_active"
	case InvalidChallenge:
		return "invalid_challenge"
	case Mismatch:
		return "mismatch"
	case StoreFailed:
		return "store_failed"
	default:
		return "unknown"
	}
}

// IssueResult is the tagged result of Issue.
type IssueResult struct {
	Kind              Kind
	ChallengeID       string
	ExpiresInSeconds  int64
	RetryAfterSeconds int64
}

// Config controls TTL, active-challenge cap, and minimum spacing
// between issuances for a single owner identifier.
type Config struct {
	TTL         time.Duration
	MaxActive   int
	MinSpacing  time.Duration
}

// DefaultConfig mirrors the spec's defaults: 300s TTL, 5 max active,
// 1s minimum spacing between issuances.
func DefaultConfig() Config {
	return Config{
		TTL:        300 * time.Second,
		MaxActive:  5,
		MinSpacing: 1 * time.Second,
	}
}

// Service issues and validates challenges against the shared store.
type Service struct {
	store   *store.Store
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// New constructs a Service.
func New(s *store.Store, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{store: s, cfg: cfg, logger: logger.With().Str("component", "challenge").Logger(), metrics: metrics}
}

func challengeKey(id string) string     { return "ch:" + id }
func ownerIndexKey(owner string) string { return "ch:owner:" + owner }
func lastIssueKey(owner string) string  { return "ch:last:" + owner }

// Issue generates and stores a new challenge for identifier, unless
// smart-reuse or the active-count cap intervenes.
func (s *Service) Issue(ctx context.Context, identifier string) IssueResult {
	return s.recordIssue(s.issue(ctx, identifier))
}

func (s *Service) recordIssue(r IssueResult) IssueResult {
	if s.metrics != nil {
		s.metrics.ChallengeIssued.WithLabelValues(r.Kind.String()).Inc()
	}
	return r
}

func (s *Service) issue(ctx context.Context, identifier string) IssueResult {
	lastKey := lastIssueKey(identifier)
	lastRaw, err := s.store.Get(ctx, lastKey)
	if err != nil {
		s.logger.Error().Err(err).Str("identifier", identifier).Msg("store read failed on issue")
		return IssueResult{Kind: StoreFailed}
	}

	if lastRaw != "" {
		if reused, ok := s.tryReuse(ctx, lastRaw); ok {
			return reused
		}
		// A recent issuance exists but no longer has a valid challenge
		// to reuse — that only happens if min-spacing hasn't elapsed
		// yet, so this is a rate-limit rejection, not a retry signal.
		return IssueResult{Kind: RateLimited, RetryAfterSeconds: 1}
	}

	activeCount, err := s.store.SCard(ctx, ownerIndexKey(identifier))
	if err != nil {
		s.logger.Error().Err(err).Msg("store read failed counting active challenges")
		return IssueResult{Kind: StoreFailed}
	}
	if int(activeCount) >= s.cfg.MaxActive {
		return IssueResult{Kind: TooManyActive}
	}

	id, err := randomHex(32)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to generate challenge id")
		return IssueResult{Kind: StoreFailed}
	}

	if err := s.store.Set(ctx, challengeKey(id), identifier, s.cfg.TTL); err != nil {
		return IssueResult{Kind: StoreFailed}
	}
	if err := s.store.SAdd(ctx, ownerIndexKey(identifier), s.cfg.TTL, id); err != nil {
		s.logger.Warn().Err(err).Msg("failed to add challenge to owner index")
	}
	if err := s.store.Set(ctx, lastKey, id, s.cfg.MinSpacing); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record last-issue marker")
	}

	return IssueResult{Kind: OK, ChallengeID: id, ExpiresInSeconds: int64(s.cfg.TTL.Seconds())}
}

// tryReuse checks whether the challenge named by a prior last-issue
// marker still has remaining TTL and, if so, returns it unchanged.
func (s *Service) tryReuse(ctx context.Context, priorID string) (IssueResult, bool) {
	ttl, err := s.store.TTL(ctx, challengeKey(priorID))
	if err != nil || ttl < 1*time.Second {
		return IssueResult{}, false
	}
	return IssueResult{Kind: Reused, ChallengeID: priorID, ExpiresInSeconds: int64(ttl.Seconds())}, true
}

// ValidateResult is the tagged result of ValidateAndConsume.
type ValidateResult struct {
	Kind Kind
}

// ValidateAndConsume loads the challenge, verifies ownership, and
// deletes it on success — one-shot consumption. Failures never fall
// back to allowing the request.
func (s *Service) ValidateAndConsume(ctx context.Context, challengeID, expectedIdentifier string) ValidateResult {
	return s.recordValidate(s.validateAndConsume(ctx, challengeID, expectedIdentifier))
}

func (s *Service) recordValidate(r ValidateResult) ValidateResult {
	if s.metrics != nil {
		s.metrics.ChallengeValidated.WithLabelValues(r.Kind.String()).Inc()
	}
	return r
}

func (s *Service) validateAndConsume(ctx context.Context, challengeID, expectedIdentifier string) ValidateResult {
	owner, err := s.store.Get(ctx, challengeKey(challengeID))
	if err != nil {
		return ValidateResult{Kind: StoreFailed}
	}
	if owner == "" {
		return ValidateResult{Kind: InvalidChallenge}
	}
	if owner != expectedIdentifier {
		return ValidateResult{Kind: Mismatch}
	}

	if err := s.store.Del(ctx, challengeKey(challengeID)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to delete consumed challenge")
	}
	if err := s.store.SRem(ctx, ownerIndexKey(owner), challengeID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to remove challenge from owner index")
	}
	return ValidateResult{Kind: OK}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
