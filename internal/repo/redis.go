package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/emberline/shopguard/internal/config"
	"github.com/emberline/shopguard/internal/util"
)

// Key templates. Queue keys share a {name} hash tag so the multi-key
// receive script stays single-slot under cluster deployments.
const (
	keyWindowTmpl  = "%s:rw:%s:%s"       // prefix, category, identity
	keyReadyTmpl   = "%s:q:{%s}:ready"   // prefix, queue name
	keyDelayedTmpl = "%s:q:{%s}:delayed" // prefix, queue name
	keyProcTmpl    = "%s:q:{%s}:proc"    // prefix, queue name (zset scored by visibility deadline)
	keyDLQTmpl     = "%s:q:{%s}:dlq"     // prefix, queue name
	keyCounterTmpl = "%s:ctr:%s:%s"      // prefix, counter name, minute stamp
	keyOverrides   = "%s:limit_overrides"
)

const counterStampLayout = "200601021504"

// Visibility timeout bounds: an unacked delivery is requeued once this
// long has passed without an ack.
const (
	defaultVisibility = 60 * time.Second
	visibilitySlack   = 30 * time.Second
)

// ErrNotFound reports a missing key on read paths that distinguish
// absence from failure.
var ErrNotFound = errors.New("repo: not found")

// Message is one queue entry as delivered by ReceiveBatch. Raw is the
// exact stored payload; Ack must be called with it unchanged.
type Message struct {
	Raw string
}

// Repo abstracts the storage operations the guards need, so the
// limiter and queue manager can be tested against an in-memory fake.
type Repo interface {
	GetWindow(ctx context.Context, category, identity string) ([]int64, error)
	PutWindow(ctx context.Context, category, identity string, stamps []int64, ttl time.Duration) error

	SendJob(ctx context.Context, queue, payload string, delay time.Duration) error
	ReceiveBatch(ctx context.Context, queue string, max int) ([]Message, error)
	AckJob(ctx context.Context, queue, raw string) error
	SendDead(ctx context.Context, queue, payload string) error
	QueueDepth(ctx context.Context, queue string) (int64, error)
	DLQDepth(ctx context.Context, queue string) (int64, error)

	IncrCounter(ctx context.Context, name string, now time.Time, delta int64, ttl time.Duration) error
	AddCounter(ctx context.Context, name string, now time.Time, delta float64, ttl time.Duration) error
	SumCounters(ctx context.Context, name string, now time.Time, minutes int) (float64, error)

	GetOverrides(ctx context.Context) (map[string]config.CategoryLimit, error)
	PutOverride(ctx context.Context, category string, limit config.CategoryLimit) error
	PublishUpdate(ctx context.Context, category string) error

	Close() error
}

// RedisRepo implements Repo on go-redis. The universal client covers
// both single-node and cluster from the same config.
type RedisRepo struct {
	Prefix         string
	UpdateChannel  string
	Cli            redis.UniversalClient
	logger         *slog.Logger
	defaultTimeout time.Duration
	visibility     time.Duration
}

// Option customizes a RedisRepo.
type Option func(*RedisRepo)

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *RedisRepo) { r.defaultTimeout = d }
}

// WithVisibilityTimeout sets how long a received message stays
// invisible before an unacknowledged delivery is requeued.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(r *RedisRepo) { r.visibility = d }
}

// NewRedis connects and pings the configured Redis deployment.
func NewRedis(cfg *config.Config, logger *slog.Logger, opts ...Option) (*RedisRepo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &RedisRepo{
		Prefix:         cfg.Redis.Prefix,
		UpdateChannel:  cfg.Redis.UpdatesChannel,
		logger:         logger,
		defaultTimeout: 100 * time.Millisecond,
		visibility:     defaultVisibility,
	}
	if cfg.Redis.CommandTimeoutMs > 0 {
		r.defaultTimeout = time.Duration(cfg.Redis.CommandTimeoutMs) * time.Millisecond
	}
	if cfg.Queue.JobTimeoutMs > 0 {
		// An unacked delivery must outlive the handler timeout, so a
		// slow-but-alive consumer is not raced by a redelivery.
		r.visibility = time.Duration(cfg.Queue.JobTimeoutMs)*time.Millisecond + visibilitySlack
	}
	for _, opt := range opts {
		opt(r)
	}

	addrs := normalizeAddrs(cfg.Redis)
	if len(addrs) == 0 {
		return nil, errors.New("no redis addresses configured")
	}
	r.Cli = redis.NewUniversalClient(buildUniversalOptions(cfg.Redis, addrs))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Cli.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "err", err)
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}
	return r, nil
}

func (r *RedisRepo) withTimeout(ctx context.Context, opTimeout time.Duration) (context.Context, context.CancelFunc) {
	if opTimeout == 0 {
		opTimeout = r.defaultTimeout
	}
	return context.WithTimeout(ctx, opTimeout)
}

// ---- key builders ----

func (r *RedisRepo) KeyWindow(category, identity string) string {
	return fmt.Sprintf(keyWindowTmpl, r.Prefix, category, identity)
}

func (r *RedisRepo) KeyReady(queue string) string {
	return fmt.Sprintf(keyReadyTmpl, r.Prefix, queue)
}

func (r *RedisRepo) KeyDelayed(queue string) string {
	return fmt.Sprintf(keyDelayedTmpl, r.Prefix, queue)
}

func (r *RedisRepo) KeyProcessing(queue string) string {
	return fmt.Sprintf(keyProcTmpl, r.Prefix, queue)
}

func (r *RedisRepo) KeyDLQ(queue string) string {
	return fmt.Sprintf(keyDLQTmpl, r.Prefix, queue)
}

func (r *RedisRepo) KeyCounter(name, stamp string) string {
	return fmt.Sprintf(keyCounterTmpl, r.Prefix, name, stamp)
}

func (r *RedisRepo) KeyOverrides() string {
	return fmt.Sprintf(keyOverrides, r.Prefix)
}

// ---- rate windows ----

// GetWindow loads the stored timestamp list for a (category, identity)
// key. A missing key yields an empty window, not an error.
func (r *RedisRepo) GetWindow(parentCtx context.Context, category, identity string) ([]int64, error) {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	b, err := r.Cli.Get(ctx, r.KeyWindow(category, identity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get window: %w", err)
	}
	var stamps []int64
	if err := json.Unmarshal(b, &stamps); err != nil {
		return nil, fmt.Errorf("decode window: %w", err)
	}
	return stamps, nil
}

// PutWindow rewrites the timestamp list with the given TTL. Plain
// SET-with-expiry: concurrent writers race last-write-wins, which the
// limiter documents as acceptable slack.
func (r *RedisRepo) PutWindow(parentCtx context.Context, category, identity string, stamps []int64, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	b, err := json.Marshal(stamps)
	if err != nil {
		return fmt.Errorf("encode window: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return r.Cli.Set(ctx, r.KeyWindow(category, identity), b, ttl).Err()
}

// ---- queue ----

// SendJob appends a payload to the ready list, or parks it in the
// delayed zset when delay > 0.
func (r *RedisRepo) SendJob(parentCtx context.Context, queue, payload string, delay time.Duration) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	if delay > 0 {
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		return r.Cli.ZAdd(ctx, r.KeyDelayed(queue), redis.Z{Score: readyAt, Member: payload}).Err()
	}
	return r.Cli.RPush(ctx, r.KeyReady(queue), payload).Err()
}

// ReceiveBatch requeues expired unacked deliveries, promotes due
// delayed entries, and moves up to max payloads from ready to the
// processing zset in one script. A crash mid-batch parks the payload
// in processing until its visibility deadline, after which a later
// batch redelivers it instead of losing it.
func (r *RedisRepo) ReceiveBatch(parentCtx context.Context, queue string, max int) ([]Message, error) {
	ctx, cancel := r.withTimeout(parentCtx, 200*time.Millisecond)
	defer cancel()
	if max <= 0 {
		return nil, nil
	}
	now := time.Now()
	deadline := now.Add(r.visibility).UnixMilli()
	keys := []string{r.KeyDelayed(queue), r.KeyReady(queue), r.KeyProcessing(queue)}
	res, err := receiveScript.Run(ctx, r.Cli, keys, now.UnixMilli(), max, deadline).Result()
	if err != nil {
		return nil, fmt.Errorf("receive batch: %w", err)
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, errors.New("invalid script response")
	}
	out := make([]Message, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, Message{Raw: s})
	}
	return out, nil
}

// AckJob removes a delivered payload from the processing zset before
// its visibility deadline expires.
func (r *RedisRepo) AckJob(parentCtx context.Context, queue, raw string) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	return r.Cli.ZRem(ctx, r.KeyProcessing(queue), raw).Err()
}

// SendDead appends a dead-letter record to the DLQ list.
func (r *RedisRepo) SendDead(parentCtx context.Context, queue, payload string) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	return r.Cli.RPush(ctx, r.KeyDLQ(queue), payload).Err()
}

// QueueDepth reports ready + delayed entries (the authoritative count
// behind the best-effort local stats).
func (r *RedisRepo) QueueDepth(parentCtx context.Context, queue string) (int64, error) {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	ready, err := r.Cli.LLen(ctx, r.KeyReady(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	delayed, err := r.Cli.ZCard(ctx, r.KeyDelayed(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return ready + delayed, nil
}

func (r *RedisRepo) DLQDepth(parentCtx context.Context, queue string) (int64, error) {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	n, err := r.Cli.LLen(ctx, r.KeyDLQ(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq depth: %w", err)
	}
	return n, nil
}

// ---- windowed counters ----

// IncrCounter bumps the per-minute bucket for name, setting the TTL on
// first touch.
func (r *RedisRepo) IncrCounter(parentCtx context.Context, name string, now time.Time, delta int64, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	key := r.KeyCounter(name, now.Format(counterStampLayout))
	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = time.Minute.Milliseconds()
	}
	return incrExpireScript.Run(ctx, r.Cli, []string{key}, delta, ttlMs).Err()
}

// AddCounter is IncrCounter for float deltas (response-time sums).
func (r *RedisRepo) AddCounter(parentCtx context.Context, name string, now time.Time, delta float64, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	key := r.KeyCounter(name, now.Format(counterStampLayout))
	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = time.Minute.Milliseconds()
	}
	return addExpireScript.Run(ctx, r.Cli, []string{key}, delta, ttlMs).Err()
}

// SumCounters totals the trailing N minute buckets for name.
func (r *RedisRepo) SumCounters(parentCtx context.Context, name string, now time.Time, minutes int) (float64, error) {
	ctx, cancel := r.withTimeout(parentCtx, 200*time.Millisecond)
	defer cancel()
	if minutes <= 0 {
		minutes = 1
	}
	keys := make([]string, 0, minutes)
	for i := 0; i < minutes; i++ {
		stamp := now.Add(-time.Duration(i) * time.Minute).Format(counterStampLayout)
		keys = append(keys, r.KeyCounter(name, stamp))
	}
	vals, err := r.Cli.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("sum counters: %w", err)
	}
	var sum float64
	for _, v := range vals {
		switch x := v.(type) {
		case string:
			var f float64
			if _, err := fmt.Sscanf(x, "%g", &f); err == nil {
				sum += f
			}
		case int64:
			sum += float64(x)
		case nil:
		default:
			sum += float64(util.ToInt64(x))
		}
	}
	return sum, nil
}

// ---- limit overrides ----

// GetOverrides loads the runtime per-category limit overrides.
func (r *RedisRepo) GetOverrides(parentCtx context.Context) (map[string]config.CategoryLimit, error) {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	fields, err := r.Cli.HGetAll(ctx, r.KeyOverrides()).Result()
	if err != nil {
		return nil, fmt.Errorf("get overrides: %w", err)
	}
	out := make(map[string]config.CategoryLimit, len(fields))
	for cat, raw := range fields {
		var lim config.CategoryLimit
		if err := json.Unmarshal([]byte(raw), &lim); err != nil {
			r.logger.Warn("skipping malformed limit override", "category", cat, "err", err)
			continue
		}
		out[cat] = lim
	}
	return out, nil
}

// PutOverride stores one category override.
func (r *RedisRepo) PutOverride(parentCtx context.Context, category string, limit config.CategoryLimit) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	b, err := json.Marshal(limit)
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}
	return r.Cli.HSet(ctx, r.KeyOverrides(), category, b).Err()
}

// PublishUpdate notifies other instances that an override changed.
func (r *RedisRepo) PublishUpdate(parentCtx context.Context, category string) error {
	ctx, cancel := r.withTimeout(parentCtx, 0)
	defer cancel()
	if err := r.Cli.Publish(ctx, r.UpdateChannel, category).Err(); err != nil {
		return fmt.Errorf("publish update for %s failed: %w", category, err)
	}
	return nil
}

// Subscribe returns the pub/sub subscription for override updates.
func (r *RedisRepo) Subscribe(ctx context.Context) *redis.PubSub {
	return r.Cli.Subscribe(ctx, r.UpdateChannel)
}

func (r *RedisRepo) Close() error {
	return r.Cli.Close()
}

// ---- helpers ----

func normalizeAddrs(cfg config.RedisCfg) []string {
	if len(cfg.Addrs) > 0 {
		return cfg.Addrs
	}
	if cfg.Addr == "" {
		return nil
	}
	parts := strings.Split(cfg.Addr, ",")
	var out []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func buildUniversalOptions(cfg config.RedisCfg, addrs []string) *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           addrs,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        maxInt(cfg.PoolSize, 50),
		MinIdleConns:    maxInt(cfg.MinIdleConns, 5),
		DialTimeout:     durationOrDefault(cfg.DialTimeoutMs, 800),
		ReadTimeout:     durationOrDefault(cfg.ReadTimeoutMs, 800),
		WriteTimeout:    durationOrDefault(cfg.WriteTimeoutMs, 800),
		MaxRetries:      maxInt(cfg.MaxRetries, 2),
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSec) * time.Second,
	}
}

func maxInt(val, def int) int {
	if val > def {
		return val
	}
	return def
}

func durationOrDefault(ms int, defMs int) time.Duration {
	if ms <= 0 {
		ms = defMs
	}
	return time.Duration(ms) * time.Millisecond
}
