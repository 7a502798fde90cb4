// Package middleware provides the HTTP middleware chain for the license
// server: request identity, structured request logging, panic recovery,
// security headers, and rate limiting.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	"callpulse/internal/config"
	apperrors "callpulse/internal/errors"
	"callpulse/internal/infrastructure"
)

// RequestID attaches the chi request ID to the request context as the trace
// ID so every log line carries it, and echoes it back in X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return chimiddleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := chimiddleware.GetReqID(r.Context())
		if reqID != "" {
			r = r.WithContext(infrastructure.WithTraceID(r.Context(), reqID))
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	}))
}

// StructuredLogger logs one line per request with method, path, status,
// duration and request ID.
func StructuredLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.LogAttrs(r.Context(), levelFor(ww.Status()), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.Int("bytes", ww.BytesWritten()),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", chimiddleware.GetReqID(r.Context())))
		})
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Recoverer converts panics into 500 problem responses instead of dropping
// the connection.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "panic in handler",
						slog.Any("panic", rec),
						slog.String("path", r.URL.Path),
						slog.String("stack", string(debug.Stack())))

					problem := apperrors.NewProblemDetails(
						http.StatusInternalServerError,
						apperrors.TypeInternal,
						"Internal Server Error",
						"an unexpected error occurred",
						r.URL.Path,
					)
					render.Render(w, r, problem)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets the standard response hardening headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// RateLimiter applies a global token-bucket limit across all endpoints.
// Disabled limiters pass everything through.
func RateLimiter(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Enabled && !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				render.Render(w, r, apperrors.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipLimiter tracks one token bucket per client address.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ActivationLimiter applies a tighter per-IP limit to the activation
// endpoint so a stolen key cannot be sprayed across machines quickly.
// Stale address entries are pruned as a side effect of lookups.
func ActivationLimiter(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	var (
		mu        sync.Mutex
		visitors  = make(map[string]*ipLimiter)
		lastPrune = time.Now()
	)

	window := cfg.ActivationWindow
	if window <= 0 {
		window = 15 * time.Minute
	}
	max := cfg.ActivationMax
	if max <= 0 {
		max = 10
	}
	perRequest := rate.Every(window / time.Duration(max))

	allow := func(ip string) bool {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if now.Sub(lastPrune) > window {
			for addr, v := range visitors {
				if now.Sub(v.lastSeen) > 2*window {
					delete(visitors, addr)
				}
			}
			lastPrune = now
		}

		v, ok := visitors[ip]
		if !ok {
			v = &ipLimiter{limiter: rate.NewLimiter(perRequest, max)}
			visitors[ip] = v
		}
		v.lastSeen = now
		return v.limiter.Allow()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Enabled && !allow(clientAddr(r)) {
				w.Header().Set("Retry-After", "60")
				render.Render(w, r, apperrors.New(
					http.StatusTooManyRequests,
					"ACTIVATION_RATE_LIMITED",
					"too many activation attempts, try again later",
				))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminKey rejects requests whose X-Admin-Key header does not match the
// configured key. The comparison is constant time.
func AdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-Admin-Key")
			if presented == "" ||
				subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				render.Render(w, r, apperrors.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
