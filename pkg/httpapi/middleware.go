package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/kasuganosora/dbscope/pkg/logging"
	"github.com/kasuganosora/dbscope/pkg/session"
	"golang.org/x/time/rate"
)

// errServerFailure 处理器返回 5xx 时用于触发工作单元回滚
var errServerFailure = errors.New("handler responded with a server error")

// RecoveryMiddleware recovers from panics and returns a 500 error
func RecoveryMiddleware(logger logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered: %v", err)
					writeJSON(w, http.StatusInternalServerError, ErrorResponse{
						Error: "internal server error",
						Code:  http.StatusInternalServerError,
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(logger logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.Info("%s %s %d %s", r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

// BearerAuthMiddleware requires "Authorization: Bearer <token>". With an
// empty token every request is rejected.
func BearerAuthMiddleware(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, credentials, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if token == "" || !ok || !strings.EqualFold(scheme, "Bearer") ||
				subtle.ConstantTimeCompare([]byte(strings.TrimSpace(credentials)), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{
					Error: "invalid or missing bearer token",
					Code:  http.StatusUnauthorized,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware rejects requests beyond limit per second (with
// bursts of up to burst) with 429. A non-positive limit disables it.
func RateLimitMiddleware(limit float64, burst int) mux.MiddlewareFunc {
	if burst < 1 {
		burst = 1
	}
	// mux 每个请求都会重新调用中间件函数，限流器必须在外层创建
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error: "rate limit exceeded",
					Code:  http.StatusTooManyRequests,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UnitOfWorkMiddleware runs every request as its own unit of work. A 5xx
// response or a panic rolls the request's session back; the session is
// removed when the request ends.
func UnitOfWorkMiddleware(reg *session.Registry, logger logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := reg.RunStandalone(r.Context(), func(ctx context.Context) error {
				wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
				next.ServeHTTP(wrapped, r.WithContext(ctx))
				if wrapped.statusCode >= http.StatusInternalServerError {
					return fmt.Errorf("%w: %d", errServerFailure, wrapped.statusCode)
				}
				return nil
			})
			if err != nil {
				logger.Debug("%s %s rolled back: %v", r.Method, r.URL.Path, err)
			}
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture status code
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
