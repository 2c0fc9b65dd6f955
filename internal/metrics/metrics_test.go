package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCall(t *testing.T) {
	m := New()
	m.ObserveCall("reach_estimate", "ok", 120*time.Millisecond)
	m.ObserveCall("reach_estimate", "ok", 80*time.Millisecond)
	m.ObserveCall("reach_estimate", "rate_limited", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.metaCalls.WithLabelValues("reach_estimate", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metaCalls.WithLabelValues("reach_estimate", "rate_limited")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.metaDuration))
}

func TestOutcomesAndNarrowing(t *testing.T) {
	m := New()
	m.RecordOutcome("success")
	m.RecordOutcome("not_found")
	m.RecordOutcome("success")
	m.RecordNarrowingViolation()
	m.ObserveWait(50 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.narrowing))
	assert.Equal(t, 1, testutil.CollectAndCount(m.limiterWait))
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/projects/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/api/projects/a", "/api/projects/b", "/ok"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/projects/{id}", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/ok", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.httpInFlight))
}

func TestHandler_Exposition(t *testing.T) {
	m := New()
	m.RecordNarrowingViolation()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scout_narrowing_violations_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
