package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

import (
	"github.com/emberline/shopguard/internal/api"
	"github.com/emberline/shopguard/internal/config"
	"github.com/emberline/shopguard/internal/degraded"
	"github.com/emberline/shopguard/internal/metrics"
	"github.com/emberline/shopguard/internal/queue"
	"github.com/emberline/shopguard/internal/ratelimit"
	"github.com/emberline/shopguard/internal/recursion"
	"github.com/emberline/shopguard/internal/repo"
)

func main() {
	confPath := flag.String("c", "configs/shopguard.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	rdb, err := repo.NewRedis(cfg, logger)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	// Rate limiting: static category limits, runtime overrides from
	// Redis, local token-bucket fallback when the store is down.
	overrides := ratelimit.NewOverrides(rdb, logger)
	if err := overrides.Bootstrap(rootCtx); err != nil {
		logger.Warn("override bootstrap failed, using static limits", "err", err)
	}
	go overrides.StartWatcher(rootCtx, rdb)

	limiterOpts := []ratelimit.LimiterOption{ratelimit.WithOverrides(overrides)}
	if cfg.Features.LocalFallback {
		limiterOpts = append(limiterOpts, ratelimit.WithLocalFallback(ratelimit.NewLocalFallback()))
	}
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimit, cfg.Features.FailPolicy, logger, limiterOpts...)
	resolver := ratelimit.NewResolver(cfg.RateLimit.TokenPrefixLen)

	// Degraded mode: metric snapshots from Redis drive the breaker.
	manager := degraded.NewManager(cfg.Degraded, &degraded.LogNotifier{Logger: logger}, logger)
	collector := metrics.NewCollector(rdb, cfg.Degraded.MetricsWindowMinutes, logger)
	source := metrics.NewRedisSource(rdb, cfg.Queue.Name, cfg.Degraded.MetricsWindowMinutes)
	poller := metrics.NewPoller(source, manager, time.Duration(cfg.Degraded.EvalIntervalMs)*time.Millisecond, logger)
	if err := poller.SyncOnce(rootCtx); err != nil {
		logger.Warn("initial metrics sync failed", "err", err)
	}
	go poller.Start(rootCtx)

	// Job queue with a retry hook feeding the degraded-mode trigger.
	jobs := queue.NewManager(rdb, cfg.Queue, logger,
		queue.WithRetryHook(func(ctx context.Context) { collector.RecordRetry(ctx) }))
	handler := func(ctx context.Context, job *queue.Job) error {
		logger.Info("processing job", "id", job.ID, "type", job.Type, "attempt", job.Attempts)
		return nil
	}
	go runConsumer(rootCtx, jobs, handler, cfg.Queue, logger)

	hopGuard := recursion.NewHopGuard(cfg.Recursion.MaxDepth, cfg.Recursion.TimeoutMs)

	httpServer := api.NewServer(
		cfg.Server, cfg.Queue.Name,
		jobs, handler, manager, limiter, overrides, rdb, logger,
		ratelimit.Middleware(limiter, resolver, cfg.RateLimit),
		recursion.Middleware(hopGuard),
		collector.Middleware(),
	)

	go func() {
		log.Printf("server is running on %s (PID: %d)", cfg.Server.HTTPAddr, os.Getpid())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")
	cancelRoot()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server shutdown failed: %v", err)
	}
	log.Println("server exited properly")
}

// runConsumer drains the queue on a fixed tick until the context ends.
func runConsumer(ctx context.Context, jobs *queue.Manager, handler queue.Handler, cfg config.QueueCfg, logger *slog.Logger) {
	interval := time.Duration(cfg.ConsumerIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := jobs.Process(ctx, handler); err != nil {
				logger.Error("queue consumer batch failed", "err", err)
			}
		}
	}
}
