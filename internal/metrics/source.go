// Package metrics gathers the system snapshot that drives the
// degraded-mode manager: queue depth from the queue store, and
// request/error/duration/retry counts from trailing per-minute
// buckets written by the Collector.
package metrics

import (
	"context"
	"fmt"
	"time"
)

import (
	"github.com/emberline/shopguard/internal/degraded"
)

// Counter bucket names.
const (
	counterRequests  = "requests"
	counterErrors    = "errors"
	counterDurations = "response_time_ms"
	counterRetries   = "retries"
)

// Source produces one metrics snapshot per call.
type Source interface {
	Snapshot(ctx context.Context) (degraded.Metrics, error)
}

// Store is the storage surface the Redis-backed source reads from.
// Satisfied by *repo.RedisRepo.
type Store interface {
	QueueDepth(ctx context.Context, queue string) (int64, error)
	SumCounters(ctx context.Context, name string, now time.Time, minutes int) (float64, error)
}

// RedisSource assembles a snapshot from the shared store.
type RedisSource struct {
	store         Store
	queueName     string
	windowMinutes int
}

func NewRedisSource(store Store, queueName string, windowMinutes int) *RedisSource {
	if windowMinutes <= 0 {
		windowMinutes = 5
	}
	return &RedisSource{store: store, queueName: queueName, windowMinutes: windowMinutes}
}

func (s *RedisSource) Snapshot(ctx context.Context) (degraded.Metrics, error) {
	now := time.Now()

	depth, err := s.store.QueueDepth(ctx, s.queueName)
	if err != nil {
		return degraded.Metrics{}, fmt.Errorf("queue depth: %w", err)
	}
	reqs, err := s.store.SumCounters(ctx, counterRequests, now, s.windowMinutes)
	if err != nil {
		return degraded.Metrics{}, fmt.Errorf("request count: %w", err)
	}
	errs, err := s.store.SumCounters(ctx, counterErrors, now, s.windowMinutes)
	if err != nil {
		return degraded.Metrics{}, fmt.Errorf("error count: %w", err)
	}
	durSum, err := s.store.SumCounters(ctx, counterDurations, now, s.windowMinutes)
	if err != nil {
		return degraded.Metrics{}, fmt.Errorf("duration sum: %w", err)
	}
	retries, err := s.store.SumCounters(ctx, counterRetries, now, s.windowMinutes)
	if err != nil {
		return degraded.Metrics{}, fmt.Errorf("retry count: %w", err)
	}

	m := degraded.Metrics{
		QueueSize:  depth,
		RetryCount: int64(retries),
	}
	if reqs > 0 {
		m.AverageResponseTimeMs = int64(durSum / reqs)
		m.ErrorRatePercent = errs / reqs * 100
	}
	return m, nil
}
