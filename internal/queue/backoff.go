package queue

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays from a fixed table indexed by attempt
// number, with symmetric jitter to spread synchronized retry storms.
type Backoff struct {
	TableMs       []int64
	JitterPercent int
	MinMs         int64

	// rng returns a uniform float in [0, 1). Overridable in tests.
	rng func() float64
}

// NewBackoff builds a backoff from config values, falling back to the
// 1s/5s/15s table.
func NewBackoff(tableMs []int64, jitterPercent int, minMs int64) Backoff {
	if len(tableMs) == 0 {
		tableMs = []int64{1000, 5000, 15000}
	}
	if jitterPercent <= 0 {
		jitterPercent = 20
	}
	if minMs <= 0 {
		minMs = 1000
	}
	return Backoff{
		TableMs:       tableMs,
		JitterPercent: jitterPercent,
		MinMs:         minMs,
		rng:           rand.Float64,
	}
}

// Base returns the pre-jitter delay for a 1-indexed attempt number,
// clamped to the table's last entry.
func (b Backoff) Base(attempt int) int64 {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(b.TableMs) {
		attempt = len(b.TableMs)
	}
	return b.TableMs[attempt-1]
}

// Delay returns the jittered delay for an attempt, floored at MinMs.
func (b Backoff) Delay(attempt int) time.Duration {
	base := float64(b.Base(attempt))
	rng := b.rng
	if rng == nil {
		rng = rand.Float64
	}
	// Uniform in [-jitter%, +jitter%] of the base.
	frac := (rng()*2 - 1) * float64(b.JitterPercent) / 100
	ms := int64(base * (1 + frac))
	if ms < b.MinMs {
		ms = b.MinMs
	}
	return time.Duration(ms) * time.Millisecond
}
