package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

import (
	"github.com/google/uuid"
)

import (
	"github.com/emberline/shopguard/internal/config"
	"github.com/emberline/shopguard/internal/repo"
)

// ErrQueueFull is the backpressure signal returned by Enqueue when the
// local pending counter has reached the configured maximum. Callers
// must reject the triggering action rather than retry blindly.
var ErrQueueFull = errors.New("queue: queue is full")

// ErrJobTimeout marks a handler that exceeded the per-job timeout.
// Treated exactly like a handler error: it consumes one attempt.
var ErrJobTimeout = errors.New("queue: job processing timed out")

// Handler processes one job. Handlers must be idempotent: the
// underlying queue is at-least-once and the in-flight dedup map is
// process-local only.
type Handler func(ctx context.Context, job *Job) error

// Store is the queue surface the manager drives. Satisfied by
// *repo.RedisRepo.
type Store interface {
	SendJob(ctx context.Context, queue, payload string, delay time.Duration) error
	ReceiveBatch(ctx context.Context, queue string, max int) ([]repo.Message, error)
	AckJob(ctx context.Context, queue, raw string) error
	SendDead(ctx context.Context, queue, payload string) error
}

// Manager wraps the queue with bounded size, batched at-least-once
// processing, per-job timeouts, backoff-with-jitter retries, and
// dead-letter routing.
type Manager struct {
	store   Store
	cfg     config.QueueCfg
	stats   Stats
	backoff Backoff
	logger  *slog.Logger

	inflight sync.Map // job ID -> struct{}, process-local dedup

	budgetMu    sync.Mutex
	budgetStart time.Time
	budgetUsed  int

	retryHook func(ctx context.Context)
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithRetryHook registers a callback invoked once per scheduled retry
// (feeds the degraded-mode retry counter).
func WithRetryHook(hook func(ctx context.Context)) ManagerOption {
	return func(m *Manager) { m.retryHook = hook }
}

func NewManager(store Store, cfg config.QueueCfg, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if store == nil {
		panic("queue: nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:   store,
		cfg:     cfg,
		backoff: NewBackoff(cfg.BackoffTableMs, cfg.JitterPercent, cfg.MinBackoffMs),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnqueueOption customizes one enqueue.
type EnqueueOption func(*enqueueOpts)

type enqueueOpts struct {
	delay       time.Duration
	maxAttempts int
}

// WithDelay schedules the job for later. Delays are applied in whole
// seconds.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOpts) { o.delay = d }
}

// WithMaxAttempts overrides the configured retry budget for this job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOpts) { o.maxAttempts = n }
}

// Enqueue submits a job and returns its id.
func (m *Manager) Enqueue(ctx context.Context, jobType string, payload any, opts ...EnqueueOption) (string, error) {
	if jobType == "" {
		return "", errors.New("queue: job type required")
	}
	if m.stats.pending.Load() >= int64(m.cfg.MaxSize) {
		return "", ErrQueueFull
	}

	var o enqueueOpts
	for _, opt := range opts {
		opt(&o)
	}
	maxAttempts := o.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.MaxAttempts
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	now := time.Now()
	job := Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		CreatedAt:   now.UnixMilli(),
	}

	delay := o.delay.Truncate(time.Second)
	if delay > 0 {
		job.ScheduledFor = now.Add(delay).UnixMilli()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	if err := m.store.SendJob(ctx, m.cfg.Name, string(body), delay); err != nil {
		return "", fmt.Errorf("send job: %w", err)
	}

	m.stats.pending.Add(1)
	m.logger.Debug("job enqueued", "id", job.ID, "type", job.Type, "delay", delay)
	return job.ID, nil
}

// Process drains one batch through handler. Job failures are handled
// per-job and never abort the batch; a fetch error surfaces to the
// invoking consumer runtime, which re-invokes on its own schedule.
func (m *Manager) Process(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("queue: nil handler")
	}
	if m.budgetExhausted(time.Now()) {
		m.logger.Warn("processing budget exhausted, skipping batch", "budget", m.cfg.PerMinuteBudget)
		return nil
	}

	msgs, err := m.store.ReceiveBatch(ctx, m.cfg.Name, m.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("receive batch: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	m.consumeBudget(len(msgs), time.Now())

	for _, msg := range msgs {
		m.processOne(ctx, msg, handler)
	}
	return nil
}

func (m *Manager) processOne(ctx context.Context, msg repo.Message, handler Handler) {
	var job Job
	if err := json.Unmarshal([]byte(msg.Raw), &job); err != nil {
		// A payload that cannot decode will never succeed; route it to
		// the DLQ instead of dropping or hot-looping it.
		m.logger.Error("malformed job payload, dead-lettering", "err", err)
		m.deadLetter(ctx, msg, job, "malformed job payload: "+err.Error(), "")
		return
	}

	if _, loaded := m.inflight.LoadOrStore(job.ID, struct{}{}); loaded {
		// Already being processed in this instance; leave the message
		// unacknowledged so it redelivers after its visibility deadline.
		m.logger.Debug("job already in flight, skipping", "id", job.ID)
		return
	}
	defer m.inflight.Delete(job.ID)

	m.stats.processing.Add(1)
	defer m.stats.processing.Add(-1)

	err, stack := m.runHandler(ctx, handler, &job)
	if err == nil {
		if ackErr := m.store.AckJob(ctx, m.cfg.Name, msg.Raw); ackErr != nil {
			m.logger.Error("ack failed after success", "id", job.ID, "err", ackErr)
			return
		}
		m.stats.completed.Add(1)
		m.stats.pending.Add(-1)
		m.logger.Debug("job completed", "id", job.ID, "type", job.Type)
		return
	}

	job.Attempts++
	job.LastError = err.Error()

	if job.Attempts >= job.MaxAttempts {
		m.deadLetter(ctx, msg, job, err.Error(), stack)
		return
	}

	delay := m.backoff.Delay(job.Attempts)
	body, encErr := json.Marshal(job)
	if encErr != nil {
		m.logger.Error("re-encode failed, dead-lettering", "id", job.ID, "err", encErr)
		m.deadLetter(ctx, msg, job, encErr.Error(), "")
		return
	}
	if sendErr := m.store.SendJob(ctx, m.cfg.Name, string(body), delay); sendErr != nil {
		// Could not schedule the retry; keep the original message so it
		// redelivers rather than vanishes.
		m.logger.Error("retry submit failed, leaving original message", "id", job.ID, "err", sendErr)
		return
	}
	// The retry is a fresh enqueue; drop the original copy.
	if ackErr := m.store.AckJob(ctx, m.cfg.Name, msg.Raw); ackErr != nil {
		m.logger.Error("ack failed after retry submit", "id", job.ID, "err", ackErr)
	}
	if m.retryHook != nil {
		m.retryHook(ctx)
	}
	m.logger.Warn("job failed, retrying",
		"id", job.ID, "type", job.Type, "attempt", job.Attempts,
		"max_attempts", job.MaxAttempts, "delay", delay, "err", err)
}

func (m *Manager) deadLetter(ctx context.Context, msg repo.Message, job Job, finalError, stack string) {
	dl := DeadLetter{
		Job:        job,
		FailedAt:   time.Now().UnixMilli(),
		FinalError: finalError,
		Stack:      stack,
	}
	body, err := json.Marshal(dl)
	if err != nil {
		body = []byte(msg.Raw)
	}
	if err := m.store.SendDead(ctx, m.cfg.Name, string(body)); err != nil {
		// Leave the original unacknowledged so the job is not lost.
		m.logger.Error("dead-letter submit failed", "id", job.ID, "err", err)
		return
	}
	if err := m.store.AckJob(ctx, m.cfg.Name, msg.Raw); err != nil {
		m.logger.Error("ack failed after dead-letter", "id", job.ID, "err", err)
	}
	m.stats.failed.Add(1)
	m.stats.dlq.Add(1)
	m.stats.pending.Add(-1)
	m.logger.Error("job dead-lettered",
		"id", job.ID, "type", job.Type, "attempts", job.Attempts, "final_error", finalError)
}

// runHandler races the handler against the per-job timeout. A panic
// counts as a failed attempt and contributes its stack to the DLQ
// record.
func (m *Manager) runHandler(ctx context.Context, handler Handler, job *Job) (err error, stack string) {
	timeout := time.Duration(m.cfg.JobTimeoutMs) * time.Millisecond
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		err   error
		stack string
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("handler panic: %v", r), stack: string(debug.Stack())}
			}
		}()
		done <- result{err: handler(tctx, job)}
	}()

	select {
	case res := <-done:
		return res.err, res.stack
	case <-tctx.Done():
		return ErrJobTimeout, ""
	}
}

// Stats returns the best-effort local counters.
func (m *Manager) Stats() StatsSnapshot {
	return m.stats.Snapshot()
}

// budgetExhausted applies the per-minute processing budget, resetting
// the counter every 60 seconds of wall-clock time.
func (m *Manager) budgetExhausted(now time.Time) bool {
	m.budgetMu.Lock()
	defer m.budgetMu.Unlock()
	if now.Sub(m.budgetStart) >= time.Minute {
		m.budgetStart = now
		m.budgetUsed = 0
	}
	return m.budgetUsed >= m.cfg.PerMinuteBudget
}

func (m *Manager) consumeBudget(n int, now time.Time) {
	m.budgetMu.Lock()
	defer m.budgetMu.Unlock()
	if now.Sub(m.budgetStart) >= time.Minute {
		m.budgetStart = now
		m.budgetUsed = 0
	}
	m.budgetUsed += n
}
