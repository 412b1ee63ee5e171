// Package degraded implements a process-wide circuit breaker that
// sheds non-critical features under load while guaranteeing critical
// storefront paths stay up.
package degraded

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

import (
	"github.com/emberline/shopguard/internal/config"
	"github.com/emberline/shopguard/internal/rcu"
)

// Metrics is one system snapshot, supplied periodically by an external
// scheduler (see internal/metrics).
type Metrics struct {
	QueueSize             int64
	AverageResponseTimeMs int64
	ErrorRatePercent      float64
	RetryCount            int64
}

// Status is the whole-record degraded-mode state. Instances stored in
// the snapshot are immutable.
type Status struct {
	Active           bool
	Triggers         []string
	DisabledFeatures []string
	TimestampMs      int64
}

// Manager evaluates metrics snapshots into a two-state machine
// (inactive <-> active). Reads are lock-free via an RCU snapshot;
// a mutex serializes transitions so concurrent evaluations cannot
// double-fire notifications.
type Manager struct {
	cfg      config.DegradedCfg
	critical map[string]bool
	disabled map[string]bool
	snap     *rcu.Snapshot[Status]
	notifier Notifier
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewManager(cfg config.DegradedCfg, notifier Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	critical := make(map[string]bool, len(cfg.CriticalFeatures))
	for _, f := range cfg.CriticalFeatures {
		critical[f] = true
	}
	disabled := make(map[string]bool, len(cfg.DisabledFeatures))
	for _, f := range cfg.DisabledFeatures {
		disabled[f] = true
	}
	return &Manager{
		cfg:      cfg,
		critical: critical,
		disabled: disabled,
		snap:     rcu.NewSnapshot(&Status{}),
		notifier: notifier,
		logger:   logger,
	}
}

// Status returns the current state.
func (m *Manager) Status() Status {
	return *m.snap.Load()
}

// Evaluate derives triggers from a metrics snapshot and transitions
// the state machine. Re-evaluating with the same outcome is a no-op:
// notifications fire only on state changes.
func (m *Manager) Evaluate(metrics Metrics) Status {
	triggers := m.triggers(metrics)

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	switch {
	case len(triggers) > 0 && !cur.Active:
		next := &Status{
			Active:           true,
			Triggers:         triggers,
			DisabledFeatures: append([]string(nil), m.cfg.DisabledFeatures...),
			TimestampMs:      time.Now().UnixMilli(),
		}
		m.snap.Replace(next)
		m.logger.Warn("degraded mode activated", "triggers", triggers)
		m.notifier.Notify(true, triggers)
		return *next
	case len(triggers) == 0 && cur.Active:
		next := &Status{TimestampMs: time.Now().UnixMilli()}
		m.snap.Replace(next)
		m.logger.Info("degraded mode deactivated")
		m.notifier.Notify(false, nil)
		return *next
	default:
		return *cur
	}
}

// ForceSet manually overrides the state outside the metrics path.
// Forcing the current state again does not notify, but forcing active
// while already active records the new manual reason.
func (m *Manager) ForceSet(active bool, reason string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	if cur.Active == active {
		if !active {
			return *cur
		}
		next := &Status{
			Active:           true,
			Triggers:         []string{"manual: " + reason},
			DisabledFeatures: cur.DisabledFeatures,
			TimestampMs:      time.Now().UnixMilli(),
		}
		m.snap.Replace(next)
		m.logger.Warn("degraded mode reason updated", "reason", reason)
		return *next
	}

	next := &Status{TimestampMs: time.Now().UnixMilli()}
	if active {
		next.Active = true
		next.Triggers = []string{"manual: " + reason}
		next.DisabledFeatures = append([]string(nil), m.cfg.DisabledFeatures...)
	}
	m.snap.Replace(next)
	m.logger.Warn("degraded mode forced", "active", active, "reason", reason)
	m.notifier.Notify(active, next.Triggers)
	return *next
}

// IsFeatureEnabled reports whether a feature may run right now.
// While active, critical features stay enabled, listed features are
// disabled, and unknown features default to disabled (fail-safe).
func (m *Manager) IsFeatureEnabled(name string) bool {
	cur := m.snap.Load()
	if !cur.Active {
		return true
	}
	if m.critical[name] {
		return true
	}
	if m.disabled[name] {
		return false
	}
	return false
}

// RetryAfterSec is the retry hint for 503 responses.
func (m *Manager) RetryAfterSec() int {
	return m.cfg.RetryAfterSec
}

func (m *Manager) triggers(metrics Metrics) []string {
	var out []string
	if metrics.QueueSize > m.cfg.MaxQueueSize {
		out = append(out, fmt.Sprintf("queue size %d exceeds %d", metrics.QueueSize, m.cfg.MaxQueueSize))
	}
	if metrics.AverageResponseTimeMs > m.cfg.MaxResponseTimeMs {
		out = append(out, fmt.Sprintf("average response time %dms exceeds %dms", metrics.AverageResponseTimeMs, m.cfg.MaxResponseTimeMs))
	}
	if metrics.ErrorRatePercent > m.cfg.MaxErrorRatePercent {
		out = append(out, fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", metrics.ErrorRatePercent, m.cfg.MaxErrorRatePercent))
	}
	if metrics.RetryCount > m.cfg.MaxRetryCount {
		out = append(out, fmt.Sprintf("retry count %d exceeds %d", metrics.RetryCount, m.cfg.MaxRetryCount))
	}
	return out
}
