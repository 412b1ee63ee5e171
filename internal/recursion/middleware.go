package recursion

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

import (
	"github.com/gorilla/mux"
)

type ctxKey struct{}

// Middleware rejects requests whose forwarded hop chain exceeds the
// guard's bounds with 508 Loop Detected, and stashes the forward
// metadata in the request context for handlers making onward calls.
func Middleware(guard *HopGuard) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := guard.CheckRequest(r, time.Now())
			if !res.Allowed {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusLoopDetected)
				_ = json.NewEncoder(w).Encode(struct {
					Success bool   `json:"success"`
					Error   string `json:"error"`
					Message string `json:"message"`
				}{
					Success: false,
					Error:   "Recursion limit exceeded",
					Message: reasonMessage(res.Reason),
				})
				return
			}
			ctx := context.WithValue(r.Context(), ctxKey{}, res.Forward)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ForwardFromContext returns the hop metadata to attach to onward
// internal calls made while handling the current request.
func ForwardFromContext(ctx context.Context) (ForwardMeta, bool) {
	m, ok := ctx.Value(ctxKey{}).(ForwardMeta)
	return m, ok
}

func reasonMessage(reason string) string {
	switch reason {
	case "max_depth_exceeded":
		return "Internal call chain exceeded the maximum hop depth."
	case "chain_timeout":
		return "Internal call chain exceeded the maximum elapsed time."
	default:
		return "Internal call chain rejected."
	}
}
