package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/emberline/shopguard/internal/config"
	"github.com/emberline/shopguard/internal/degraded"
	"github.com/emberline/shopguard/internal/queue"
	"github.com/emberline/shopguard/internal/ratelimit"
)

// DepthStore reads authoritative queue depths from the backing store.
// Satisfied by *repo.RedisRepo.
type DepthStore interface {
	QueueDepth(ctx context.Context, queue string) (int64, error)
	DLQDepth(ctx context.Context, queue string) (int64, error)
}

type Server struct {
	cfg       config.ServerCfg
	queueName string

	jobs      *queue.Manager
	handler   queue.Handler
	manager   *degraded.Manager
	limiter   *ratelimit.Limiter
	overrides *ratelimit.Overrides
	depths    DepthStore
	mws       []mux.MiddlewareFunc

	logger *slog.Logger
	srv    *http.Server
}

func NewServer(
	cfg config.ServerCfg,
	queueName string,
	jobs *queue.Manager,
	handler queue.Handler,
	manager *degraded.Manager,
	limiter *ratelimit.Limiter,
	overrides *ratelimit.Overrides,
	depths DepthStore,
	logger *slog.Logger,
	mws ...mux.MiddlewareFunc,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		queueName: queueName,
		jobs:      jobs,
		handler:   handler,
		manager:   manager,
		limiter:   limiter,
		overrides: overrides,
		depths:    depths,
		mws:       mws,
		logger:    logger,
	}
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/jobs", s.enqueueHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/queue/process", s.processHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/queue/stats", s.statsHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/degraded", s.degradedStatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/degraded", s.degradedForceHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/limits/{category}", s.getLimitHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/limits/{category}", s.putLimitHandler).Methods(http.MethodPut)
}

func (s *Server) ListenAndServe() error {
	r := mux.NewRouter()
	for _, mw := range s.mws {
		r.Use(mw)
	}
	s.RegisterRoutes(r)
	s.srv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// RequireFeature gates a handler on degraded-mode feature state.
func RequireFeature(m *degraded.Manager, feature string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.IsFeatureEnabled(feature) {
			degraded.WriteUnavailable(w, feature, m.RetryAfterSec())
			return
		}
		next(w, r)
	}
}

// ---------------- Handlers ----------------

func (s *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		errResp(w, http.StatusBadRequest, "type is required")
		return
	}

	// Job types double as feature names: while degraded, only critical
	// job types keep flowing in.
	if !s.manager.IsFeatureEnabled(req.Type) {
		degraded.WriteUnavailable(w, req.Type, s.manager.RetryAfterSec())
		return
	}

	var opts []queue.EnqueueOption
	if req.DelayMs > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(req.DelayMs)*time.Millisecond))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(req.MaxAttempts))
	}

	payload := req.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	id, err := s.jobs.Enqueue(r.Context(), req.Type, payload, opts...)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			w.Header().Set("Retry-After", "60")
			errResp(w, http.StatusServiceUnavailable, "Queue is full")
			return
		}
		errResp(w, http.StatusInternalServerError, "failed to enqueue job: "+err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(EnqueueResponse{Success: true, JobID: id})
}

func (s *Server) processHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := s.jobs.Process(r.Context(), s.handler); err != nil {
		errResp(w, http.StatusInternalServerError, "batch processing failed: "+err.Error())
		return
	}
	s.writeStats(w, r)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeStats(w, r)
}

// writeStats merges the per-instance counters with the store depths.
// Depth reads are best-effort: on store error the local numbers still
// go out, with the failure logged.
func (s *Server) writeStats(w http.ResponseWriter, r *http.Request) {
	snap := s.jobs.Stats()
	resp := StatsResponse{
		Pending:    snap.Pending,
		Processing: snap.Processing,
		Completed:  snap.Completed,
		Failed:     snap.Failed,
		DLQ:        snap.DLQ,
	}
	if s.depths != nil {
		if depth, err := s.depths.QueueDepth(r.Context(), s.queueName); err == nil {
			resp.QueueDepth = depth
		} else {
			s.logger.Warn("queue depth read failed", "err", err)
		}
		if depth, err := s.depths.DLQDepth(r.Context(), s.queueName); err == nil {
			resp.DLQDepth = depth
		} else {
			s.logger.Warn("dlq depth read failed", "err", err)
		}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) degradedStatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	st := s.manager.Status()
	_ = json.NewEncoder(w).Encode(DegradedStatusResponse{
		Active:           st.Active,
		Triggers:         st.Triggers,
		DisabledFeatures: st.DisabledFeatures,
		TimestampMs:      st.TimestampMs,
	})
}

func (s *Server) degradedForceHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req DegradedForceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		errResp(w, http.StatusBadRequest, "reason is required")
		return
	}

	st := s.manager.ForceSet(req.Active, req.Reason)
	_ = json.NewEncoder(w).Encode(DegradedStatusResponse{
		Active:           st.Active,
		Triggers:         st.Triggers,
		DisabledFeatures: st.DisabledFeatures,
		TimestampMs:      st.TimestampMs,
	})
}

func (s *Server) getLimitHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	cat := ratelimit.Category(mux.Vars(r)["category"])
	if !cat.Valid() {
		errResp(w, http.StatusNotFound, "unknown category: "+string(cat))
		return
	}

	_, overridden := s.overrides.Get(cat)
	lim := s.limiter.LimitFor(cat)
	_ = json.NewEncoder(w).Encode(LimitResponse{
		Category:    string(cat),
		WindowMs:    lim.WindowMs,
		MaxRequests: lim.MaxRequests,
		Override:    overridden,
	})
}

func (s *Server) putLimitHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	cat := ratelimit.Category(mux.Vars(r)["category"])
	if !cat.Valid() {
		errResp(w, http.StatusNotFound, "unknown category: "+string(cat))
		return
	}

	var req LimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.WindowMs <= 0 || req.MaxRequests <= 0 {
		errResp(w, http.StatusBadRequest, "windowMs and maxRequests must be positive")
		return
	}

	lim := config.CategoryLimit{WindowMs: req.WindowMs, MaxRequests: req.MaxRequests}
	if err := s.overrides.Upsert(r.Context(), cat, lim); err != nil {
		errResp(w, http.StatusInternalServerError, "failed to store override: "+err.Error())
		return
	}

	_ = json.NewEncoder(w).Encode(LimitResponse{
		Category:    string(cat),
		WindowMs:    lim.WindowMs,
		MaxRequests: lim.MaxRequests,
		Override:    true,
	})
}

func errResp(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
