// Package ratelimit throttles inbound webhook deliveries per integration
// token. Providers retry aggressively during incidents; the limiter keeps a
// misbehaving or misconfigured sender from monopolizing the ingest path.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	redisclient "telesync/internal/clients/redis"
	"telesync/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "telesync:rl:"

// window is the sliding interval the per-key limit applies to.
const window = time.Minute

// Result represents the outcome of a rate limit check
type Result struct {
	Allowed      bool      `json:"allowed"`
	Limit        int       `json:"limit"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	RetryAfterMs int       `json:"retry_after_ms,omitempty"`
}

// Service handles rate limiting for webhook deliveries. Redis gives a
// distributed sliding window; without Redis an in-memory window covers the
// single-node case.
type Service struct {
	redis  *redisclient.Client
	logger *observability.Logger

	mu    sync.Mutex
	local map[string][]time.Time

	now func() time.Time
}

// NewService creates a new rate limiting service. redisClient may be nil.
func NewService(redisClient *redisclient.Client, logger *observability.Logger) *Service {
	return &Service{
		redis:  redisClient,
		logger: logger,
		local:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Check records one request against the key and reports whether it fits the
// limit. A Redis error falls back to the in-memory window rather than
// blocking the request.
func (s *Service) Check(ctx context.Context, key string, limit int) (Result, error) {
	if limit <= 0 {
		return Result{Allowed: true, Limit: limit, ResetAt: s.now().Add(window)}, nil
	}

	if s.redis.IsEnabled() {
		result, err := s.checkRedis(ctx, key, limit)
		if err == nil {
			return result, nil
		}
		s.logger.Warn(ctx, fmt.Sprintf("Redis rate limit check failed, falling back to in-memory window: %v", err))
	}
	return s.checkLocal(key, limit), nil
}

// checkRedis implements a sliding window over a sorted set keyed by request
// timestamp.
func (s *Service) checkRedis(ctx context.Context, key string, limit int) (Result, error) {
	client := s.redis.GetClient()
	redisKey := keyPrefix + key
	now := s.now()
	nowMs := now.UnixMilli()
	windowStartMs := now.Add(-window).UnixMilli()

	// Drop entries that fell out of the window.
	if err := client.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStartMs, 10)).Err(); err != nil {
		return Result{}, fmt.Errorf("failed to trim rate limit window: %w", err)
	}

	count, err := client.ZCard(ctx, redisKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("failed to count rate limit window: %w", err)
	}

	if int(count) >= limit {
		oldest, err := client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		resetAt := now.Add(window)
		if err == nil && len(oldest) > 0 {
			resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(window)
		}
		retryAfter := resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{
			Allowed:      false,
			Limit:        limit,
			Remaining:    0,
			ResetAt:      resetAt,
			RetryAfterMs: int(retryAfter.Milliseconds()),
		}, nil
	}

	// Member must be unique per request; two deliveries can land in the same
	// millisecond.
	member := strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString()
	if err := client.ZAdd(ctx, redisKey, redis.Z{Score: float64(nowMs), Member: member}).Err(); err != nil {
		return Result{}, fmt.Errorf("failed to record request in rate limit window: %w", err)
	}
	if err := client.Expire(ctx, redisKey, 2*window).Err(); err != nil {
		s.logger.Warn(ctx, fmt.Sprintf("failed to set expiration on rate limit key: %v", err))
	}

	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count) - 1,
		ResetAt:   now.Add(window),
	}, nil
}

func (s *Service) checkLocal(key string, limit int) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-window)

	kept := s.local[key][:0]
	for _, ts := range s.local[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.local[key] = kept

	if len(kept) >= limit {
		resetAt := kept[0].Add(window)
		retryAfter := resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{
			Allowed:      false,
			Limit:        limit,
			Remaining:    0,
			ResetAt:      resetAt,
			RetryAfterMs: int(retryAfter.Milliseconds()),
		}
	}

	s.local[key] = append(kept, now)
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(kept) - 1,
		ResetAt:   now.Add(window),
	}
}
