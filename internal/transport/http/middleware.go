package http

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/deferq/internal/metrics"
)

// ─── Request id ───────────────────────────────────────────────────────────────

// RequestIDHeader carries the per-request id in both directions.
const RequestIDHeader = "X-Request-Id"

const maxRequestIDLen = 128

type ctxKey struct{}

// RequestID returns the id RequestIDMiddleware attached to ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// RequestIDMiddleware reuses a caller-supplied X-Request-Id when it looks sane
// and otherwise mints a random UUID. The id is echoed in the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen || strings.ContainsAny(id, "\r\n") {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// ─── CORS ────────────────────────────────────────────────────────────────────

// CORSMiddleware adds permissive CORS headers so browser tools on another
// localhost port can read the introspection API.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key, X-Request-Id")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ─── Logging ──────────────────────────────────────────────────────────────────

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

// LoggingMiddleware logs method, path, status, and duration for every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := wrap(w)
		next.ServeHTTP(wrapped, r)
		slog.Info("http",
			"request_id", RequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// ─── Metrics ──────────────────────────────────────────────────────────────────

// MetricsMiddleware counts requests and their latency by route pattern, so
// /api/tasks/1 and /api/tasks/2 share one series. A nil registry disables it.
func MetricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if reg == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)
			next.ServeHTTP(wrapped, r)

			// ServeMux fills in Pattern on the way through.
			path := r.Pattern
			if path == "" {
				path = "unmatched"
			} else if _, p, ok := strings.Cut(path, " "); ok {
				path = p
			}
			reg.HTTPReqs.Inc(metrics.HTTPKey(r.Method, path, strconv.Itoa(wrapped.status)))
			dk := metrics.HTTPDurKey(r.Method, path)
			reg.HTTPDurMs.Add(dk, time.Since(start).Milliseconds())
			reg.HTTPDurCnt.Inc(dk)
		})
	}
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

// AuthMiddleware checks for a static API key when auth is enabled.
// The key must be passed in the X-Api-Key header.
// Comparison is constant-time.
func AuthMiddleware(apiKey string, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled || apiKey == "" {
			return next
		}
		keyBytes := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(r.Header.Get("X-Api-Key"))
			if subtle.ConstantTimeCompare(provided, keyBytes) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Rate limiting ────────────────────────────────────────────────────────────

// ipEntry holds a rate.Limiter and the time it was last used (for TTL eviction).
type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	limiterSweepAt = 5000
	limiterIdleTTL = 10 * time.Minute
)

// RateLimitMiddleware applies per-IP token-bucket rate limiting.
// rps is the allowed requests per second; burst is the maximum burst size.
// A non-positive rps disables limiting.
//
// The limiter map is swept for idle entries once it reaches limiterSweepAt.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*ipEntry)
	)

	getLimiter := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if e, ok := limiters[ip]; ok {
			e.lastSeen = now
			return e.limiter
		}

		if len(limiters) >= limiterSweepAt {
			cutoff := now.Add(-limiterIdleTTL)
			for k, v := range limiters {
				if v.lastSeen.Before(cutoff) {
					delete(limiters, k)
				}
			}
		}

		l := rate.NewLimiter(rate.Limit(rps), burst)
		limiters[ip] = &ipEntry{limiter: l, lastSeen: now}
		return l
	}

	return func(next http.Handler) http.Handler {
		if rps <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !getLimiter(clientIP(r)).Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP. It prefers the first address in
// X-Forwarded-For and falls back to RemoteAddr.
//
// X-Forwarded-For can be spoofed when no trusted proxy sits in front.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ─── Body size limit ─────────────────────────────────────────────────────────

// maxRequestBodyBytes bounds every inbound request body. Only subscription
// requests carry one.
const maxRequestBodyBytes = 64 << 10 // 64 KiB

// MaxBodyMiddleware wraps every request body in an http.MaxBytesReader so that
// handlers get a "request body too large" error past maxRequestBodyBytes.
func MaxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Chain ────────────────────────────────────────────────────────────────────

// chain composes a slice of middleware around the given handler (first = outermost).
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
