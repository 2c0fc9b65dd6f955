// Package meta provides a client for the Meta Marketing (Graph) API
// endpoints used for audience sizing: ad geolocation search, ad interest
// search, and ad account reach estimates.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v18.0"
)

// Client defines the Meta Marketing API operations.
type Client interface {
	// SearchZip looks up zip-type ad geolocations matching query within a
	// country.
	SearchZip(ctx context.Context, query, countryCode string) ([]GeoLocation, error)
	// ReachEstimate returns the audience size for a targeting spec.
	ReachEstimate(ctx context.Context, adAccountID string, targeting *Targeting) (*ReachEstimate, error)
	// SearchInterests looks up ad interests by name.
	SearchInterests(ctx context.Context, query string, limit int) ([]Interest, error)
}

// GeoLocation is one adgeolocation search result.
type GeoLocation struct {
	Key           string `json:"key"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	CountryCode   string `json:"country_code"`
	CountryName   string `json:"country_name"`
	Region        string `json:"region"`
	RegionID      int    `json:"region_id"`
	PrimaryCity   string `json:"primary_city"`
	PrimaryCityID int    `json:"primary_city_id"`
}

// ReachEstimate is the reachestimate payload.
type ReachEstimate struct {
	UsersLowerBound int64 `json:"users_lower_bound"`
	UsersUpperBound int64 `json:"users_upper_bound"`
	EstimateReady   bool  `json:"estimate_ready"`
	// Users is the single-number estimate returned by older API versions.
	Users int64 `json:"users,omitempty"`
}

// Interest is one adinterest search result.
type Interest struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	AudienceSizeLowerBound int64    `json:"audience_size_lower_bound"`
	AudienceSizeUpperBound int64    `json:"audience_size_upper_bound"`
	Path                   []string `json:"path,omitempty"`
	Topic                  string   `json:"topic,omitempty"`
}

// Targeting is the Graph API targeting spec.
type Targeting struct {
	GeoLocations    GeoTargeting   `json:"geo_locations"`
	AgeMin          int            `json:"age_min,omitempty"`
	AgeMax          int            `json:"age_max,omitempty"`
	Genders         []int          `json:"genders,omitempty"`
	DevicePlatforms []string       `json:"device_platforms,omitempty"`
	FlexibleSpec    []FlexibleSpec `json:"flexible_spec,omitempty"`
}

// GeoTargeting selects locations.
type GeoTargeting struct {
	Zips      []GeoKey `json:"zips,omitempty"`
	Countries []string `json:"countries,omitempty"`
}

// GeoKey references a location returned by SearchZip.
type GeoKey struct {
	Key string `json:"key"`
}

// FlexibleSpec is one clause of flexible targeting. Interests inside a
// clause are ORed; clauses are ANDed.
type FlexibleSpec struct {
	Interests []IDName `json:"interests,omitempty"`
}

// IDName is an {id, name} pair.
type IDName struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Gender codes used by the targeting spec.
const (
	GenderMale   = 1
	GenderFemale = 2
)

// Option configures the Meta client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithAPIVersion sets the Graph API version path segment.
func WithAPIVersion(v string) Option {
	return func(c *httpClient) {
		if v != "" {
			c.version = v
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	accessToken string
	baseURL     string
	version     string
	http        *http.Client
}

// NewClient creates a new Meta Marketing API client.
func NewClient(accessToken string, opts ...Option) Client {
	c := &httpClient{
		accessToken: accessToken,
		baseURL:     defaultBaseURL,
		version:     defaultAPIVersion,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SearchZip(ctx context.Context, query, countryCode string) ([]GeoLocation, error) {
	params := url.Values{}
	params.Set("type", "adgeolocation")
	params.Set("location_types", `["zip"]`)
	params.Set("q", query)
	if countryCode != "" {
		params.Set("country_code", countryCode)
	}

	var resp struct {
		Data []GeoLocation `json:"data"`
	}
	if err := c.get(ctx, "search", params, &resp); err != nil {
		return nil, eris.Wrap(err, "meta: search zip")
	}
	return resp.Data, nil
}

func (c *httpClient) ReachEstimate(ctx context.Context, adAccountID string, targeting *Targeting) (*ReachEstimate, error) {
	if targeting == nil {
		return nil, eris.New("meta: reach estimate: nil targeting")
	}
	spec, err := json.Marshal(targeting)
	if err != nil {
		return nil, eris.Wrap(err, "meta: marshal targeting")
	}

	params := url.Values{}
	params.Set("targeting_spec", string(spec))

	var resp struct {
		Data ReachEstimate `json:"data"`
	}
	if err := c.get(ctx, AccountPath(adAccountID)+"/reachestimate", params, &resp); err != nil {
		return nil, eris.Wrap(err, "meta: reach estimate")
	}

	est := resp.Data
	if est.UsersLowerBound == 0 && est.UsersUpperBound == 0 && est.Users > 0 {
		est.UsersLowerBound = est.Users
		est.UsersUpperBound = est.Users
	}
	return &est, nil
}

func (c *httpClient) SearchInterests(ctx context.Context, query string, limit int) ([]Interest, error) {
	params := url.Values{}
	params.Set("type", "adinterest")
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}

	var resp struct {
		Data []Interest `json:"data"`
	}
	if err := c.get(ctx, "search", params, &resp); err != nil {
		return nil, eris.Wrap(err, "meta: search interests")
	}
	return resp.Data, nil
}

// AccountPath returns the Graph path for an ad account, accepting ids with
// or without the act_ prefix.
func AccountPath(adAccountID string) string {
	id := strings.TrimSpace(adAccountID)
	if strings.HasPrefix(id, "act_") {
		return id
	}
	return "act_" + id
}

func (c *httpClient) get(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("access_token", c.accessToken)
	reqURL := fmt.Sprintf("%s/%s/%s?%s", c.baseURL, c.version, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode != http.StatusOK {
		return parseAPIError(resp, body)
	}

	// Graph occasionally answers 200 with an error envelope.
	if apiErr := decodeErrorEnvelope(resp.StatusCode, body); apiErr != nil {
		apiErr.RetryAfter = retryAfter(resp.Header)
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "unmarshal response")
	}
	return nil
}
