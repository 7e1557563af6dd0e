package api

import (
	"math"
	"net"
	"net/http"
	"sync"

	apperrors "github.com/crm-prospector/internal/errors"
	"github.com/crm-prospector/internal/types"
	"golang.org/x/time/rate"
)

// RateLimiter manages rate limiting for API requests, one token bucket per
// tenant (or client address when no tenant is given)
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	limit     rate.Limit
	burstSize int
}

// NewRateLimiter creates a new rate limiter. rps <= 0 disables limiting.
func NewRateLimiter(rps, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     limit,
		burstSize: burst,
	}
}

// getLimiter returns the rate limiter for a caller key
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.limit, rl.burstSize)
	rl.limiters[key] = limiter

	return limiter
}

// retryAfterSeconds is how long until the bucket holds one token again
func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.limit == rate.Inf || rl.limit <= 0 {
		return 1
	}
	return max(int(math.Ceil(1/float64(rl.limit))), 1)
}

// callerKey identifies the caller for limiting purposes
func callerKey(r *http.Request) string {
	if id := types.IdentityFromContext(r.Context()); id.TenantID != "" {
		return "tenant:" + id.TenantID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimitMiddleware creates a middleware that enforces rate limiting.
// It runs after TenantMiddleware so tenants share one bucket across addresses.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			if !rl.getLimiter(callerKey(r)).Allow() {
				respondServiceError(w, r, apperrors.NewRateLimitError(rl.retryAfterSeconds()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
