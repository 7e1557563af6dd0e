package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/crm-prospector/internal/logging"
	"github.com/crm-prospector/internal/types"
)

// Identity headers
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

// LoggingMiddleware logs HTTP requests and attaches a request-scoped logger
// to the context.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		logger := logging.GetGlobalLogger().WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		r = r.WithContext(logging.WithLogger(r.Context(), logger))

		// Create a response writer wrapper to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		entry := logger.WithFields(map[string]interface{}{
			"status":   wrapped.statusCode,
			"duration": time.Since(start).String(),
			"remote":   r.RemoteAddr,
		})
		if tenant := r.Header.Get(HeaderTenantID); tenant != "" {
			entry = entry.WithField("tenantId", tenant)
		}
		switch {
		case wrapped.statusCode >= http.StatusInternalServerError:
			entry.Warn("HTTP request failed")
		case r.URL.Path == "/health":
			entry.Debug("HTTP request")
		default:
			entry.Info("HTTP request")
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware recovers from panics and returns 500 error.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logging.FromContext(r.Context()).WithField("panic", fmt.Sprint(err)).Error("Recovered from handler panic")
				respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal server error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware allows the configured origins. "*" allows any origin.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAny = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAny || allowed[origin]) {
				if allowAny {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID, X-User-ID")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TenantMiddleware reads the caller's tenant and user into the request
// context, where the runner and the Postgres store pick them up.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := types.Identity{
			TenantID: strings.TrimSpace(r.Header.Get(HeaderTenantID)),
			UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		}
		if !id.IsZero() {
			ctx := types.WithIdentity(r.Context(), id)
			ctx = logging.WithLogger(ctx, logging.FromContext(ctx).WithIdentity(id))
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}
