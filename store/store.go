package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/config"
)

// StoreUnavailable is the single sentinel error translated from any
// underlying store failure. Callers decide whether to fail open or
// fail closed; the store itself never distinguishes network error
// from timeout from connection-pool exhaustion.
var StoreUnavailable = errors.New("store unavailable")

// Store wraps a Redis client and exposes the keyed primitives the
// rate limiter, challenge service, and cost throttler build on:
// GET/SET/DEL/EXPIRE, set ops, and atomic script execution (sorted
// sets are only touched from inside scripts).
type Store struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New parses cfg.RedisURL and returns a Store. No connection is made
// here; the client connects on first use (see Ping).
func New(cfg *config.Config, logger zerolog.Logger) (*Store, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	return &Store{rdb: rdb, logger: logger.With().Str("component", "store").Logger()}, nil
}

// NewWithClient builds a Store around an already-constructed Redis
// client, bypassing URL parsing. Exposed for tests that point the
// store at an in-process fake (miniredis) rather than a real server.
func NewWithClient(rdb *redis.Client, logger zerolog.Logger) *Store {
	return &Store{rdb: rdb, logger: logger.With().Str("component", "store").Logger()}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// RunScript executes a preloaded Lua script against the given keys
// and args. go-redis's Script.Run tries EVALSHA first and falls back
// to EVAL transparently on NOSCRIPT, so callers never need to manage
// script caching themselves.
func (s *Store) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (*redis.Cmd, error) {
	cmd := script.Run(ctx, s.rdb, keys, args...)
	if err := cmd.Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	return cmd, nil
}

// Get returns the value at key, or ("", nil) if absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	return v, nil
}

// Set stores value at key with the given TTL (0 = no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	return nil
}

// Del removes one or more keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	return nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	return nil
}

// SAdd adds members to a set and optionally (re)sets its TTL.
func (s *Store) SAdd(ctx context.Context, key string, ttl time.Duration, members ...interface{}) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	return nil
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...interface{}) error {
	if err := s.rdb.SRem(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	return nil
}

// SMembers returns all members of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	return v, nil
}

// SCard returns the cardinality of a set.
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	return v, nil
}

// TTL returns the remaining time-to-live of a key, or 0 if it has no
// expiry or does not exist.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	v, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	if v < 0 {
		return 0, nil
	}
	return v, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	return n > 0, nil
}

// Incr increments a counter key by 1, creating it with the given TTL
// if it did not already exist.
func (s *Store) Incr(ctx context.Context, key string, ttlIfNew time.Duration) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", StoreUnavailable, err)
	}
	n := incr.Val()
	if n == 1 && ttlIfNew > 0 {
		_ = s.rdb.Expire(ctx, key, ttlIfNew).Err()
	}
	return n, nil
}
