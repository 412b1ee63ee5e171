package recursion

import (
	"time"
)

// LoopGuard bounds in-process iteration (pagination loops, batch
// fan-out). Tick once per iteration; once either bound trips, every
// later tick also reports not-allowed. The guard only signals: the
// caller terminates the loop.
type LoopGuard struct {
	maxIterations int
	timeout       time.Duration
	start         time.Time
	iterations    int
	tripped       bool
	reason        string
}

// NewLoopGuard creates a guard started at now. Non-positive bounds
// take the defaults (10 iterations, 5s).
func NewLoopGuard(maxIterations int, timeout time.Duration) *LoopGuard {
	if maxIterations <= 0 {
		maxIterations = 10
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LoopGuard{
		maxIterations: maxIterations,
		timeout:       timeout,
		start:         time.Now(),
	}
}

// Tick counts one iteration and reports whether the loop may continue.
func (g *LoopGuard) Tick() bool {
	return g.tick(time.Now())
}

func (g *LoopGuard) tick(now time.Time) bool {
	if g.tripped {
		return false
	}
	g.iterations++
	if g.iterations > g.maxIterations {
		g.tripped = true
		g.reason = "max_iterations_exceeded"
		return false
	}
	if now.Sub(g.start) > g.timeout {
		g.tripped = true
		g.reason = "loop_timeout"
		return false
	}
	return true
}

// Iterations reports how many ticks have occurred.
func (g *LoopGuard) Iterations() int { return g.iterations }

// Reason reports why the guard tripped, or "".
func (g *LoopGuard) Reason() string { return g.reason }
