package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Throttle holds one token bucket per key, e.g. per remote IP or per
// project. Idle buckets are swept once the map grows past sweepAt.
type Throttle struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const sweepAt = 1024

// NewThrottle creates a Throttle allowing limit events per second per key
// with the given burst.
func NewThrottle(limit rate.Limit, burst int) *Throttle {
	return &Throttle{
		limit:   limit,
		burst:   burst,
		idle:    10 * time.Minute,
		buckets: make(map[string]*bucket),
	}
}

// NewAuthThrottle allows five failed attempts per IP, then one per minute.
func NewAuthThrottle() *Throttle {
	return NewThrottle(rate.Every(time.Minute), 5)
}

// Allow consumes one token for key.
func (t *Throttle) Allow(key string) bool {
	return t.get(key).Allow()
}

// Exhausted reports whether key has no tokens left, without consuming one.
func (t *Throttle) Exhausted(key string) bool {
	return t.get(key).Tokens() < 1
}

func (t *Throttle) get(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if len(t.buckets) >= sweepAt {
		for k, b := range t.buckets {
			if now.Sub(b.seen) > t.idle {
				delete(t.buckets, k)
			}
		}
	}
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.seen = now
	return b.lim
}

// extractBearerToken returns the token from an "Authorization: Bearer"
// header, or "" when missing or malformed.
func extractBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AuthMiddleware checks the bearer token against apiKey. An empty apiKey
// disables auth. Failed attempts draw from throttle; once a remote IP is
// exhausted every request from it gets 429 until tokens refill.
func AuthMiddleware(apiKey string, throttle *Throttle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if throttle != nil && throttle.Exhausted(ip) {
				writeProblem(w, r, http.StatusTooManyRequests, "too many failed authentication attempts")
				return
			}
			if !constantTimeEqual(extractBearerToken(r), apiKey) {
				if throttle != nil {
					throttle.Allow(ip)
				}
				zap.L().Warn("api: auth failure",
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.String("remote_ip", ip),
				)
				writeProblem(w, r, http.StatusUnauthorized, "missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs each request at info, or warn for 5xx.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			zap.L().Warn("api: request", fields...)
			return
		}
		zap.L().Info("api: request", fields...)
	})
}
