package meta

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, h http.HandlerFunc) (Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL), WithAPIVersion("v18.0")), srv
}

func TestSearchZip_Success(t *testing.T) {
	t.Parallel()

	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v18.0/search", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "adgeolocation", q.Get("type"))
		assert.Equal(t, `["zip"]`, q.Get("location_types"))
		assert.Equal(t, "10001", q.Get("q"))
		assert.Equal(t, "US", q.Get("country_code"))
		assert.Equal(t, "test-token", q.Get("access_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"key":"US:10001","name":"10001","type":"zip","country_code":"US","region":"New York","region_id":3875,"primary_city":"New York"}]}`))
	})

	got, err := client.SearchZip(context.Background(), "10001", "US")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "US:10001", got[0].Key)
	assert.Equal(t, "New York", got[0].Region)
	assert.Equal(t, 3875, got[0].RegionID)
	assert.Equal(t, "New York", got[0].PrimaryCity)
}

func TestSearchZip_Empty(t *testing.T) {
	t.Parallel()

	client, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})

	got, err := client.SearchZip(context.Background(), "75001", "US")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReachEstimate_Success(t *testing.T) {
	t.Parallel()

	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v18.0/act_123/reachestimate", r.URL.Path)

		var spec Targeting
		require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("targeting_spec")), &spec))
		assert.Equal(t, "US:10001", spec.GeoLocations.Zips[0].Key)
		assert.Equal(t, 18, spec.AgeMin)
		assert.Equal(t, []int{GenderFemale}, spec.Genders)

		w.Write([]byte(`{"data":{"users_lower_bound":1200,"users_upper_bound":1400,"estimate_ready":true}}`))
	})

	got, err := client.ReachEstimate(context.Background(), "123", &Targeting{
		GeoLocations: GeoTargeting{Zips: []GeoKey{{Key: "US:10001"}}},
		AgeMin:       18,
		AgeMax:       65,
		Genders:      []int{GenderFemale},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1200), got.UsersLowerBound)
	assert.Equal(t, int64(1400), got.UsersUpperBound)
	assert.True(t, got.EstimateReady)
}

func TestReachEstimate_LegacyUsersField(t *testing.T) {
	t.Parallel()

	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v18.0/act_999/reachestimate", r.URL.Path)
		w.Write([]byte(`{"data":{"users":5000,"estimate_ready":true}}`))
	})

	got, err := client.ReachEstimate(context.Background(), "act_999", &Targeting{})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.UsersLowerBound)
	assert.Equal(t, int64(5000), got.UsersUpperBound)
}

func TestReachEstimate_NilTargeting(t *testing.T) {
	t.Parallel()
	client := NewClient("tok")
	_, err := client.ReachEstimate(context.Background(), "1", nil)
	require.Error(t, err)
}

func TestAPIError_Decoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		header     map[string]string
		throttled  bool
		auth       bool
		serverSide bool
		code       int
		retryAfter time.Duration
	}{
		{
			name:      "user request limit",
			status:    http.StatusBadRequest,
			body:      `{"error":{"message":"User request limit reached","type":"OAuthException","code":17,"error_subcode":2446079,"fbtrace_id":"abc"}}`,
			throttled: true,
			code:      17,
		},
		{
			name:       "http 429 with retry-after",
			status:     http.StatusTooManyRequests,
			body:       `slow down`,
			header:     map[string]string{"Retry-After": "7"},
			throttled:  true,
			retryAfter: 7 * time.Second,
		},
		{
			name:      "ads management throttle",
			status:    http.StatusBadRequest,
			body:      `{"error":{"message":"too many calls","code":80004}}`,
			throttled: true,
			code:      80004,
		},
		{
			name:   "expired token",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`,
			auth:   true,
			code:   190,
		},
		{
			name:   "invalid parameter",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"Invalid parameter","code":100}}`,
			code:   100,
		},
		{
			name:       "server error",
			status:     http.StatusInternalServerError,
			body:       `<html>oops</html>`,
			serverSide: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.SearchZip(context.Background(), "10001", "US")
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr), "expected *APIError, got %T", err)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.throttled, apiErr.Throttled())
			assert.Equal(t, tt.auth, apiErr.AuthFailure())
			assert.Equal(t, tt.serverSide, apiErr.ServerSide())
			assert.Equal(t, tt.retryAfter, apiErr.RetryAfter)
		})
	}
}

func TestAPIError_LongBodyCutOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("é", 150) + strings.Repeat("x", 100)
	client, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(body))
	})

	_, err := client.SearchZip(context.Background(), "10001", "US")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, utf8.ValidString(apiErr.Message))
	assert.Equal(t, maxBodyMessage, utf8.RuneCountInString(apiErr.Message))
	assert.Equal(t, strings.Repeat("é", 150)+strings.Repeat("x", 50), apiErr.Message)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "日本", truncate("日本語", 2))
	assert.Equal(t, "", truncate("é", 0))
}

func TestErrorEnvelopeOn200(t *testing.T) {
	t.Parallel()

	client, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"error":{"message":"Invalid targeting spec","code":100,"error_subcode":1487756}}`))
	})

	_, err := client.ReachEstimate(context.Background(), "1", &Targeting{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 1487756, apiErr.Subcode)
	assert.Contains(t, err.Error(), "Invalid targeting spec")
}

func TestSearchInterests(t *testing.T) {
	t.Parallel()

	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "adinterest", r.URL.Query().Get("type"))
		assert.Equal(t, "movies", r.URL.Query().Get("q"))
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"data":[{"id":"6003139266461","name":"Movies","audience_size_lower_bound":100,"audience_size_upper_bound":200,"path":["Entertainment","Movies"]}]}`))
	})

	got, err := client.SearchInterests(context.Background(), "movies", 25)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Movies", got[0].Name)
	assert.Equal(t, []string{"Entertainment", "Movies"}, got[0].Path)
}

func TestMalformedJSON(t *testing.T) {
	t.Parallel()

	client, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{not json`))
	})
	_, err := client.SearchZip(context.Background(), "1", "US")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()

	client, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.SearchZip(ctx, "1", "US")
	require.Error(t, err)
}

func TestAccountPath(t *testing.T) {
	assert.Equal(t, "act_42", AccountPath("42"))
	assert.Equal(t, "act_42", AccountPath("act_42"))
	assert.Equal(t, "act_42", AccountPath(" 42 "))
}
