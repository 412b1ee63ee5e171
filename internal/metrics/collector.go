package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

import (
	"github.com/gorilla/mux"
)

// Recorder is the write surface the collector needs. Satisfied by
// *repo.RedisRepo.
type Recorder interface {
	IncrCounter(ctx context.Context, name string, now time.Time, delta int64, ttl time.Duration) error
	AddCounter(ctx context.Context, name string, now time.Time, delta float64, ttl time.Duration) error
}

// Collector records request counts, error counts, response durations,
// and job retries into per-minute buckets. Recording is best-effort:
// failures are logged and never affect the request.
type Collector struct {
	rec    Recorder
	ttl    time.Duration
	logger *slog.Logger
}

func NewCollector(rec Recorder, windowMinutes int, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if windowMinutes <= 0 {
		windowMinutes = 5
	}
	return &Collector{
		rec: rec,
		// Buckets outlive the trailing window by one minute so the sum
		// never reads a bucket mid-expiry.
		ttl:    time.Duration(windowMinutes+1) * time.Minute,
		logger: logger,
	}
}

// Middleware measures every request passing through the router.
func (c *Collector) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			c.RecordRequest(r.Context(), time.Since(start), sw.status >= http.StatusInternalServerError)
		})
	}
}

// RecordRequest records one handled request.
func (c *Collector) RecordRequest(ctx context.Context, dur time.Duration, isError bool) {
	now := time.Now()
	if err := c.rec.IncrCounter(ctx, counterRequests, now, 1, c.ttl); err != nil {
		c.logger.Warn("request counter write failed", "err", err)
		return
	}
	if err := c.rec.AddCounter(ctx, counterDurations, now, float64(dur.Milliseconds()), c.ttl); err != nil {
		c.logger.Warn("duration counter write failed", "err", err)
	}
	if isError {
		if err := c.rec.IncrCounter(ctx, counterErrors, now, 1, c.ttl); err != nil {
			c.logger.Warn("error counter write failed", "err", err)
		}
	}
}

// RecordRetry records one job retry (hooked by the queue manager).
func (c *Collector) RecordRetry(ctx context.Context) {
	if err := c.rec.IncrCounter(ctx, counterRetries, time.Now(), 1, c.ttl); err != nil {
		c.logger.Warn("retry counter write failed", "err", err)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
