package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

import (
	"github.com/emberline/shopguard/internal/config"
	"github.com/emberline/shopguard/internal/types"
)

// Store is the key-value surface the limiter needs. Satisfied by
// *repo.RedisRepo; tests use an in-memory fake.
type Store interface {
	GetWindow(ctx context.Context, category, identity string) ([]int64, error)
	PutWindow(ctx context.Context, category, identity string, stamps []int64, ttl time.Duration) error
}

// Limiter enforces sliding-window-log rate limits per (category,
// identity) key.
//
// The read-filter-append-write cycle is not atomic across concurrent
// requests for the same identity; under contention the limiter can be
// slightly over-permissive. That slack is inherent to the store's
// read-then-write contract and deliberately not papered over.
type Limiter struct {
	store      Store
	cfg        config.RateLimitCfg
	failPolicy string
	overrides  *Overrides
	fallback   *LocalFallback
	logger     *slog.Logger
}

// LimiterOption customizes a Limiter.
type LimiterOption func(*Limiter)

// WithOverrides attaches a runtime limit-override table.
func WithOverrides(o *Overrides) LimiterOption {
	return func(l *Limiter) { l.overrides = o }
}

// WithLocalFallback routes fail-open decisions through an in-process
// token bucket instead of allowing unconditionally.
func WithLocalFallback(f *LocalFallback) LimiterOption {
	return func(l *Limiter) { l.fallback = f }
}

// NewLimiter constructs a limiter with the given fail policy
// ("fail-open" or "fail-closed"; anything else normalizes to fail-open,
// the availability-first default).
func NewLimiter(store Store, cfg config.RateLimitCfg, failPolicy string, logger *slog.Logger, opts ...LimiterOption) *Limiter {
	if store == nil {
		panic("ratelimit: nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		store:      store,
		cfg:        cfg,
		failPolicy: normalizeFailPolicy(failPolicy),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LimitFor returns the effective quota for a category, preferring a
// runtime override when one exists.
func (l *Limiter) LimitFor(cat Category) config.CategoryLimit {
	if l.overrides != nil {
		if lim, ok := l.overrides.Get(cat); ok {
			return lim
		}
	}
	switch cat {
	case CategoryCustomer:
		return l.cfg.Customer
	case CategoryAdmin:
		return l.cfg.Admin
	case CategoryPayment:
		return l.cfg.Payment
	default:
		return l.cfg.IP
	}
}

// Check decides whether the next request from identity in cat is
// allowed under the sliding window ending at now.
func (l *Limiter) Check(ctx context.Context, cat Category, identity string, now time.Time) types.Decision {
	lim := l.LimitFor(cat)
	nowMs := now.UnixMilli()
	cutoff := nowMs - lim.WindowMs

	stored, err := l.store.GetWindow(ctx, string(cat), identity)
	if err != nil {
		return l.storeFailure(cat, identity, lim, now, err)
	}

	// Re-filter before counting: the stored list may hold entries that
	// aged out since the last write. Filter into a fresh slice so the
	// store's return value is never mutated.
	kept := make([]int64, 0, len(stored))
	for _, ts := range stored {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if int64(len(kept)) >= lim.MaxRequests {
		oldest := kept[0]
		resetAt := oldest + lim.WindowMs
		retryAfter := resetAt - nowMs
		if retryAfter < 0 {
			retryAfter = 0
		}
		return types.Decision{
			Allowed:      false,
			Limit:        lim.MaxRequests,
			Remaining:    0,
			ResetAtMs:    resetAt,
			RetryAfterMs: retryAfter,
			Reason:       "rate_limited",
		}
	}

	kept = append(kept, nowMs)
	ttl := time.Duration(lim.WindowMs)*time.Millisecond + time.Duration(l.cfg.TTLBufferSec)*time.Second
	if err := l.store.PutWindow(ctx, string(cat), identity, kept, ttl); err != nil {
		return l.storeFailure(cat, identity, lim, now, err)
	}

	return types.Decision{
		Allowed:   true,
		Limit:     lim.MaxRequests,
		Remaining: lim.MaxRequests - int64(len(kept)),
		ResetAtMs: kept[0] + lim.WindowMs,
		Reason:    "allowed",
	}
}

// storeFailure applies the configured fail policy to a backing-store
// error. Fail-open never surfaces the error to the caller.
func (l *Limiter) storeFailure(cat Category, identity string, lim config.CategoryLimit, now time.Time, err error) types.Decision {
	if l.failPolicy == "fail-closed" {
		l.logger.Error("rate limit store error, failing closed", "category", cat, "err", err)
		return types.Decision{
			Allowed:      false,
			Limit:        lim.MaxRequests,
			Remaining:    0,
			ResetAtMs:    now.UnixMilli() + lim.WindowMs,
			RetryAfterMs: lim.WindowMs,
			Reason:       "fail_closed",
			Err:          err,
		}
	}

	l.logger.Warn("rate limit store error, failing open", "category", cat, "err", err)
	if l.fallback != nil {
		if !l.fallback.Allow(string(cat)+":"+identity, lim, now) {
			return types.Decision{
				Allowed:      false,
				Limit:        lim.MaxRequests,
				Remaining:    0,
				ResetAtMs:    now.UnixMilli() + lim.WindowMs,
				RetryAfterMs: lim.WindowMs,
				Reason:       "fail_open_local_limited",
			}
		}
		return types.Decision{
			Allowed:   true,
			Limit:     lim.MaxRequests,
			Remaining: lim.MaxRequests - 1,
			ResetAtMs: now.UnixMilli() + lim.WindowMs,
			Reason:    "fail_open_local",
		}
	}
	return types.Decision{
		Allowed:   true,
		Limit:     lim.MaxRequests,
		Remaining: lim.MaxRequests - 1,
		ResetAtMs: now.UnixMilli() + lim.WindowMs,
		Reason:    "fail_open",
	}
}

func normalizeFailPolicy(policy string) string {
	policy = strings.ToLower(strings.TrimSpace(policy))
	if policy != "fail-open" && policy != "fail-closed" {
		return "fail-open"
	}
	return policy
}
