package metrics

import (
	"context"
	"log/slog"
	"time"
)

import (
	"github.com/emberline/shopguard/internal/degraded"
)

// Poller periodically pulls a metrics snapshot and feeds it to the
// degraded-mode manager. A failed pull is logged and skipped; the
// manager just keeps its current state until the next snapshot.
type Poller struct {
	source   Source
	manager  *degraded.Manager
	interval time.Duration
	log      *slog.Logger
}

func NewPoller(src Source, manager *degraded.Manager, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:   src,
		manager:  manager,
		interval: interval,
		log:      logger,
	}
}

// SyncOnce pulls and evaluates a single snapshot.
func (p *Poller) SyncOnce(ctx context.Context) error {
	m, err := p.source.Snapshot(ctx)
	if err != nil {
		return err
	}
	p.manager.Evaluate(m)
	return nil
}

// Start runs the polling loop until ctx is done.
func (p *Poller) Start(ctx context.Context) {
	if err := p.SyncOnce(ctx); err != nil {
		p.log.Warn("metrics pull failed on startup", "err", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.SyncOnce(ctx); err != nil {
				p.log.Warn("metrics pull failed", "err", err)
			}
		}
	}
}
