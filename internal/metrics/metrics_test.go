package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/emberline/shopguard/internal/config"
	"github.com/emberline/shopguard/internal/degraded"
)

type fakeMetricsStore struct {
	depth    int64
	depthErr error
	counters map[string]float64
}

func (f *fakeMetricsStore) QueueDepth(_ context.Context, _ string) (int64, error) {
	return f.depth, f.depthErr
}

func (f *fakeMetricsStore) SumCounters(_ context.Context, name string, _ time.Time, _ int) (float64, error) {
	return f.counters[name], nil
}

func (f *fakeMetricsStore) IncrCounter(_ context.Context, name string, _ time.Time, delta int64, _ time.Duration) error {
	if f.counters == nil {
		f.counters = make(map[string]float64)
	}
	f.counters[name] += float64(delta)
	return nil
}

func (f *fakeMetricsStore) AddCounter(_ context.Context, name string, _ time.Time, delta float64, _ time.Duration) error {
	if f.counters == nil {
		f.counters = make(map[string]float64)
	}
	f.counters[name] += delta
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedisSourceSnapshot(t *testing.T) {
	store := &fakeMetricsStore{
		depth: 9000,
		counters: map[string]float64{
			counterRequests:  200,
			counterErrors:    10,
			counterDurations: 100_000,
			counterRetries:   42,
		},
	}
	src := NewRedisSource(store, "jobs", 5)

	m, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if m.QueueSize != 9000 {
		t.Fatalf("queueSize = %d", m.QueueSize)
	}
	if m.AverageResponseTimeMs != 500 {
		t.Fatalf("avgResponseTime = %d, want 500", m.AverageResponseTimeMs)
	}
	if m.ErrorRatePercent != 5 {
		t.Fatalf("errorRate = %.1f, want 5", m.ErrorRatePercent)
	}
	if m.RetryCount != 42 {
		t.Fatalf("retryCount = %d", m.RetryCount)
	}
}

func TestRedisSourceZeroTraffic(t *testing.T) {
	src := NewRedisSource(&fakeMetricsStore{}, "jobs", 5)
	m, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if m.AverageResponseTimeMs != 0 || m.ErrorRatePercent != 0 {
		t.Fatalf("zero traffic produced %+v", m)
	}
}

func TestCollectorMiddlewareCounts(t *testing.T) {
	store := &fakeMetricsStore{}
	col := NewCollector(store, 5, testLogger())

	r := mux.NewRouter()
	r.Use(col.Middleware())
	r.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.HandleFunc("/boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", "/ok", nil))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/boom", nil))

	if got := store.counters[counterRequests]; got != 4 {
		t.Fatalf("requests = %v, want 4", got)
	}
	if got := store.counters[counterErrors]; got != 1 {
		t.Fatalf("errors = %v, want 1", got)
	}

	col.RecordRetry(context.Background())
	if got := store.counters[counterRetries]; got != 1 {
		t.Fatalf("retries = %v, want 1", got)
	}
}

type scriptedSource struct {
	snaps []degraded.Metrics
	errs  []error
	i     int
}

func (s *scriptedSource) Snapshot(_ context.Context) (degraded.Metrics, error) {
	idx := s.i
	if idx >= len(s.snaps) {
		idx = len(s.snaps) - 1
	}
	s.i++
	var err error
	if idx < len(s.errs) {
		err = s.errs[idx]
	}
	return s.snaps[idx], err
}

func TestPollerDrivesManager(t *testing.T) {
	cfg := config.Config{}
	cfg.ApplyDefaults()
	mgr := degraded.NewManager(cfg.Degraded, nil, testLogger())

	src := &scriptedSource{snaps: []degraded.Metrics{{QueueSize: 9000}}}
	p := NewPoller(src, mgr, time.Second, testLogger())

	if err := p.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !mgr.Status().Active {
		t.Fatalf("manager not activated by poll")
	}
}

func TestPollerSourceErrorKeepsState(t *testing.T) {
	cfg := config.Config{}
	cfg.ApplyDefaults()
	mgr := degraded.NewManager(cfg.Degraded, nil, testLogger())
	mgr.ForceSet(true, "test")

	src := &scriptedSource{
		snaps: []degraded.Metrics{{}},
		errs:  []error{errors.New("redis down")},
	}
	p := NewPoller(src, mgr, time.Second, testLogger())

	if err := p.SyncOnce(context.Background()); err == nil {
		t.Fatalf("source error swallowed")
	}
	// A failed pull must not flip the state.
	if !mgr.Status().Active {
		t.Fatalf("failed pull deactivated the manager")
	}
}
