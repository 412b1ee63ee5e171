package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/emberline/shopguard/internal/config"
	"github.com/emberline/shopguard/internal/types"
)

// Middleware enforces the sliding-window quotas in front of every
// route. Requests are classified into a category from the path and
// Authorization header, checked, and answered with the standard
// X-RateLimit-* headers on every outcome.
func Middleware(limiter *Limiter, resolver *Resolver, cfg config.RateLimitCfg) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cat := Classify(r, resolver, cfg)

			identity, effCat, err := resolver.Identify(r, cat)
			if err != nil {
				// Admin routes never degrade to an IP quota.
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "Authentication required"})
				return
			}

			dec := limiter.Check(r.Context(), effCat, identity, time.Now())
			setRateHeaders(w, dec)

			if !dec.Allowed {
				retry := dec.RetryAfterSec()
				w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(struct {
					Success    bool   `json:"success"`
					Error      string `json:"error"`
					Message    string `json:"message"`
					RetryAfter int64  `json:"retryAfter"`
				}{
					Success:    false,
					Error:      "Rate limit exceeded",
					Message:    fmt.Sprintf("Too many requests. Please try again in %d seconds.", retry),
					RetryAfter: retry,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Classify maps a request to its rate-limit category: payment paths
// first, then admin paths, then authenticated customers, else IP.
func Classify(r *http.Request, resolver *Resolver, cfg config.RateLimitCfg) Category {
	path := r.URL.Path
	for _, p := range cfg.PaymentPaths {
		if strings.HasPrefix(path, p) {
			return CategoryPayment
		}
	}
	for _, p := range cfg.AdminPaths {
		if strings.HasPrefix(path, p) {
			return CategoryAdmin
		}
	}
	if resolver.BearerToken(r) != "" {
		return CategoryCustomer
	}
	return CategoryIP
}

func setRateHeaders(w http.ResponseWriter, dec types.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
	if dec.ResetAtMs > 0 {
		reset := time.UnixMilli(dec.ResetAtMs).UTC().Format(time.RFC3339)
		w.Header().Set("X-RateLimit-Reset", reset)
	}
}
