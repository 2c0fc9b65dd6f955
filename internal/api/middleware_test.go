package api

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottle(t *testing.T) {
	th := NewThrottle(0.001, 2)

	assert.False(t, th.Exhausted("a"))
	assert.True(t, th.Allow("a"))
	assert.True(t, th.Allow("a"))
	assert.False(t, th.Allow("a"))
	assert.True(t, th.Exhausted("a"))

	// Keys are independent.
	assert.True(t, th.Allow("b"))
}

func TestThrottle_SweepsIdleBuckets(t *testing.T) {
	th := NewThrottle(1, 1)
	th.idle = -time.Second
	for i := 0; i < sweepAt; i++ {
		th.Allow("10.0.0." + strconv.Itoa(i))
	}
	th.Allow("fresh")
	th.mu.Lock()
	defer th.mu.Unlock()
	assert.Less(t, len(th.buckets), sweepAt)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"Bearer  abc ", "abc"},
		{"bearer abc", ""},
		{"Basic abc", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, extractBearerToken(r), tt.header)
	}
}

func TestAuthMiddleware_DisabledWithoutKey(t *testing.T) {
	called := false
	h := AuthMiddleware("", nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/projects", nil))
	assert.True(t, called)
}

func TestAuthMiddleware_ThrottlesPerIP(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := AuthMiddleware("key", NewThrottle(0.001, 1))(next)

	req := func(ip, token string) int {
		r := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
		r.RemoteAddr = ip + ":1234"
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, req("10.0.0.1", "key"))
	assert.Equal(t, http.StatusUnauthorized, req("10.0.0.1", "wrong"))
	assert.Equal(t, http.StatusTooManyRequests, req("10.0.0.1", "key"))
	assert.Equal(t, http.StatusOK, req("10.0.0.2", "key"))
}
