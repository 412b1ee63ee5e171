package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

import (
	"github.com/emberline/shopguard/internal/config"
	"github.com/emberline/shopguard/internal/rcu"
	"github.com/emberline/shopguard/internal/repo"
)

// OverrideStore is the persistence surface for runtime limit
// overrides. Satisfied by *repo.RedisRepo.
type OverrideStore interface {
	GetOverrides(ctx context.Context) (map[string]config.CategoryLimit, error)
	PutOverride(ctx context.Context, category string, limit config.CategoryLimit) error
	PublishUpdate(ctx context.Context, category string) error
}

// overrideSet is an immutable override table for RCU snapshots.
type overrideSet struct {
	Limits map[Category]config.CategoryLimit
}

// Overrides holds runtime per-category limit overrides: persisted in
// Redis, read through a lock-free snapshot, reloaded when another
// instance publishes an update. Static config remains the base; an
// override shadows it until removed.
type Overrides struct {
	store  OverrideStore
	snap   *rcu.Snapshot[overrideSet]
	logger *slog.Logger
}

func NewOverrides(store OverrideStore, logger *slog.Logger) *Overrides {
	if logger == nil {
		logger = slog.Default()
	}
	return &Overrides{
		store:  store,
		snap:   rcu.NewSnapshot(&overrideSet{Limits: map[Category]config.CategoryLimit{}}),
		logger: logger,
	}
}

// Bootstrap loads the full override table from the store.
func (o *Overrides) Bootstrap(ctx context.Context) error {
	return o.Reload(ctx)
}

// Reload replaces the local snapshot with the stored table.
func (o *Overrides) Reload(ctx context.Context) error {
	stored, err := o.store.GetOverrides(ctx)
	if err != nil {
		return err
	}
	limits := make(map[Category]config.CategoryLimit, len(stored))
	for name, lim := range stored {
		cat := Category(name)
		if !cat.Valid() {
			o.logger.Warn("ignoring override for unknown category", "category", name)
			continue
		}
		limits[cat] = lim
	}
	o.snap.Replace(&overrideSet{Limits: limits})
	o.logger.Info("reloaded limit overrides", "count", len(limits))
	return nil
}

// Get returns the override for cat, if any.
func (o *Overrides) Get(cat Category) (config.CategoryLimit, bool) {
	set := o.snap.Load()
	lim, ok := set.Limits[cat]
	return lim, ok
}

// Upsert persists an override, updates the local snapshot, and
// notifies other instances.
func (o *Overrides) Upsert(ctx context.Context, cat Category, lim config.CategoryLimit) error {
	if !cat.Valid() {
		return errors.New("unknown category: " + string(cat))
	}
	if lim.WindowMs <= 0 || lim.MaxRequests <= 0 {
		return errors.New("windowMs and maxRequests must be positive")
	}
	if err := o.store.PutOverride(ctx, string(cat), lim); err != nil {
		return err
	}

	old := o.snap.Load()
	next := make(map[Category]config.CategoryLimit, len(old.Limits)+1)
	for k, v := range old.Limits {
		next[k] = v
	}
	next[cat] = lim
	o.snap.Replace(&overrideSet{Limits: next})

	return o.store.PublishUpdate(ctx, string(cat))
}

// StartWatcher reloads on pub/sub updates, with a periodic full reload
// as a safety net. Blocks until ctx is done.
func (o *Overrides) StartWatcher(ctx context.Context, r *repo.RedisRepo) {
	sub := r.Subscribe(ctx)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := o.Reload(ctx); err != nil {
				o.logger.Warn("override reload failed", "err", err)
			}
		case <-time.After(60 * time.Second):
			if err := o.Reload(ctx); err != nil {
				o.logger.Warn("periodic override reload failed", "err", err)
			}
		}
	}
}
