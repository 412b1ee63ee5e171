package ratelimit

import (
	"sync"
	"time"
)

import (
	"golang.org/x/time/rate"
)

import (
	"github.com/emberline/shopguard/internal/config"
)

// LocalFallback is an in-process token-bucket store consulted when the
// shared window store is unreachable under the fail-open policy. It
// keeps one rate.Limiter per key with periodic idle cleanup, so a
// Redis outage degrades to per-instance limiting instead of no
// limiting at all.
type LocalFallback struct {
	mu           sync.Mutex
	entries      map[string]*fallbackEntry
	idleTTL      time.Duration
	cleanupEvery time.Duration
	lastCleanup  time.Time
}

type fallbackEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// FallbackOption customizes a LocalFallback.
type FallbackOption func(*LocalFallback)

func WithIdleTTL(d time.Duration) FallbackOption {
	return func(f *LocalFallback) { f.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) FallbackOption {
	return func(f *LocalFallback) { f.cleanupEvery = d }
}

func NewLocalFallback(opts ...FallbackOption) *LocalFallback {
	f := &LocalFallback{
		entries:      make(map[string]*fallbackEntry),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Allow consumes one token from the bucket for key, creating it from
// lim on first sight. The bucket refills at the category's average
// rate with burst equal to the full quota.
func (f *LocalFallback) Allow(key string, lim config.CategoryLimit, now time.Time) bool {
	if lim.WindowMs <= 0 || lim.MaxRequests <= 0 {
		return true
	}

	f.mu.Lock()
	ent, ok := f.entries[key]
	if !ok {
		rps := float64(lim.MaxRequests) / (float64(lim.WindowMs) / 1000.0)
		ent = &fallbackEntry{lim: rate.NewLimiter(rate.Limit(rps), int(lim.MaxRequests))}
		f.entries[key] = ent
	}
	ent.lastSeen = now
	if now.Sub(f.lastCleanup) >= f.cleanupEvery {
		f.cleanupLocked(now)
		f.lastCleanup = now
	}
	f.mu.Unlock()

	return ent.lim.AllowN(now, 1)
}

func (f *LocalFallback) cleanupLocked(now time.Time) {
	cutoff := now.Add(-f.idleTTL)
	for k, ent := range f.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(f.entries, k)
		}
	}
}

// Len reports the number of tracked keys.
func (f *LocalFallback) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
