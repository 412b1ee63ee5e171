package degraded

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
)

import (
	"github.com/emberline/shopguard/internal/config"
)

type countingNotifier struct {
	mu    sync.Mutex
	calls []bool
}

func (n *countingNotifier) Notify(active bool, _ []string) {
	n.mu.Lock()
	n.calls = append(n.calls, active)
	n.mu.Unlock()
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func testDegradedCfg() config.DegradedCfg {
	cfg := config.Config{}
	cfg.ApplyDefaults()
	return cfg.Degraded
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func calmMetrics() Metrics {
	return Metrics{QueueSize: 100, AverageResponseTimeMs: 200, ErrorRatePercent: 1, RetryCount: 5}
}

func TestActivationAndRecovery(t *testing.T) {
	n := &countingNotifier{}
	m := NewManager(testDegradedCfg(), n, testLogger())

	// One trigger (queue size) activates with the full disable list.
	st := m.Evaluate(Metrics{QueueSize: 9000, AverageResponseTimeMs: 1000, ErrorRatePercent: 2, RetryCount: 10})
	if !st.Active {
		t.Fatalf("not active: %+v", st)
	}
	if len(st.Triggers) != 1 {
		t.Fatalf("triggers = %v, want exactly 1", st.Triggers)
	}
	if len(st.DisabledFeatures) != len(testDegradedCfg().DisabledFeatures) {
		t.Fatalf("disabledFeatures = %v, want full configured list", st.DisabledFeatures)
	}
	if st.TimestampMs == 0 {
		t.Fatalf("transition not timestamped")
	}

	// All metrics under threshold: deactivates and clears the list.
	st = m.Evaluate(calmMetrics())
	if st.Active || len(st.DisabledFeatures) != 0 || len(st.Triggers) != 0 {
		t.Fatalf("not recovered: %+v", st)
	}
	if n.count() != 2 {
		t.Fatalf("notifications = %d, want 2", n.count())
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	n := &countingNotifier{}
	m := NewManager(testDegradedCfg(), n, testLogger())

	hot := Metrics{QueueSize: 9000}
	first := m.Evaluate(hot)
	second := m.Evaluate(hot)

	if !first.Active || !second.Active {
		t.Fatalf("states: %+v / %+v", first, second)
	}
	if first.TimestampMs != second.TimestampMs {
		t.Fatalf("re-evaluation replaced the status record")
	}
	if n.count() != 1 {
		t.Fatalf("notifications = %d, want 1 (transition only)", n.count())
	}

	// Idempotent on the inactive side too.
	m.Evaluate(calmMetrics())
	m.Evaluate(calmMetrics())
	if n.count() != 2 {
		t.Fatalf("notifications = %d, want 2", n.count())
	}
}

func TestMultipleTriggers(t *testing.T) {
	m := NewManager(testDegradedCfg(), nil, testLogger())
	st := m.Evaluate(Metrics{QueueSize: 9000, AverageResponseTimeMs: 5000, ErrorRatePercent: 50, RetryCount: 600})
	if len(st.Triggers) != 4 {
		t.Fatalf("triggers = %v, want 4", st.Triggers)
	}
}

func TestCriticalFeatureInvariant(t *testing.T) {
	cfg := testDegradedCfg()
	m := NewManager(cfg, nil, testLogger())

	check := func(phase string) {
		for _, f := range cfg.CriticalFeatures {
			if !m.IsFeatureEnabled(f) {
				t.Fatalf("%s: critical feature %q disabled", phase, f)
			}
		}
	}

	check("inactive")
	m.Evaluate(Metrics{QueueSize: 9000, ErrorRatePercent: 99, RetryCount: 10_000})
	check("active")
}

func TestFeatureGatingWhileActive(t *testing.T) {
	cfg := testDegradedCfg()
	m := NewManager(cfg, nil, testLogger())

	if !m.IsFeatureEnabled("wishlist") || !m.IsFeatureEnabled("never-heard-of-it") {
		t.Fatalf("inactive manager gated a feature")
	}

	m.Evaluate(Metrics{QueueSize: 9000})
	if m.IsFeatureEnabled("wishlist") {
		t.Fatalf("listed feature enabled while active")
	}
	// Unknown features default to disabled during degradation.
	if m.IsFeatureEnabled("never-heard-of-it") {
		t.Fatalf("unknown feature enabled while active")
	}
}

func TestForceSet(t *testing.T) {
	n := &countingNotifier{}
	m := NewManager(testDegradedCfg(), n, testLogger())

	st := m.ForceSet(true, "load test")
	if !st.Active || len(st.Triggers) != 1 || st.Triggers[0] != "manual: load test" {
		t.Fatalf("forced status: %+v", st)
	}
	// Forcing active again records the new reason without re-notifying.
	st = m.ForceSet(true, "second incident")
	if n.count() != 1 {
		t.Fatalf("notifications = %d, want 1", n.count())
	}
	if len(st.Triggers) != 1 || st.Triggers[0] != "manual: second incident" {
		t.Fatalf("refreshed triggers = %v", st.Triggers)
	}
	if len(st.DisabledFeatures) == 0 {
		t.Fatalf("disabled features lost on reason refresh")
	}

	st = m.ForceSet(false, "recovered")
	if st.Active || len(st.DisabledFeatures) != 0 {
		t.Fatalf("force-off status: %+v", st)
	}
	// Forcing inactive again stays a no-op.
	m.ForceSet(false, "still recovered")
	if n.count() != 2 {
		t.Fatalf("notifications = %d, want 2", n.count())
	}
}

func TestWriteUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteUnavailable(rec, "reviews", 300)

	if rec.Code != 503 {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "300" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	var body struct {
		Success      bool   `json:"success"`
		Error        string `json:"error"`
		Message      string `json:"message"`
		DegradedMode bool   `json:"degradedMode"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Success || !body.DegradedMode || body.Error != "Service temporarily unavailable" {
		t.Fatalf("body = %+v", body)
	}
}
