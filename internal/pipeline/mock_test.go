package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/scout-interest/scout/internal/model"
	"github.com/scout-interest/scout/pkg/meta"
)

// --- Meta API fake ---

// fakeAPI answers zip searches from a fixed table and reach estimates from
// reach, recording every call start.
type fakeAPI struct {
	mu    sync.Mutex
	zips  map[string]meta.GeoLocation // "US:10001" -> location
	reach func(call int, t *meta.Targeting) (*meta.ReachEstimate, error)
	delay time.Duration

	starts     []time.Time
	reachCalls int
	inFlight   int
	peak       int
}

func newFakeAPI(codes ...string) *fakeAPI {
	f := &fakeAPI{zips: map[string]meta.GeoLocation{}}
	for _, c := range codes {
		f.addZip("US", c)
	}
	return f
}

func (f *fakeAPI) addZip(country, code string) {
	f.zips[country+":"+code] = meta.GeoLocation{
		Key:         country + ":" + code,
		Name:        code,
		Type:        "zip",
		CountryCode: country,
		Region:      "New York",
		PrimaryCity: "New York",
	}
}

func (f *fakeAPI) enter() {
	f.mu.Lock()
	f.starts = append(f.starts, time.Now())
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeAPI) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeAPI) SearchZip(_ context.Context, query, countryCode string) ([]meta.GeoLocation, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	if geo, ok := f.zips[countryCode+":"+query]; ok {
		return []meta.GeoLocation{geo}, nil
	}
	return nil, nil
}

func (f *fakeAPI) ReachEstimate(_ context.Context, _ string, t *meta.Targeting) (*meta.ReachEstimate, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	f.reachCalls++
	n := f.reachCalls
	reach := f.reach
	f.mu.Unlock()
	if reach != nil {
		return reach(n, t)
	}
	return defaultReach(t), nil
}

func (f *fakeAPI) SearchInterests(context.Context, string, int) ([]meta.Interest, error) {
	return nil, nil
}

func (f *fakeAPI) callStarts() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.starts...)
}

// defaultReach returns a wider audience for geo-only specs than for
// targeted ones.
func defaultReach(t *meta.Targeting) *meta.ReachEstimate {
	if isTargeted(t) {
		return &meta.ReachEstimate{UsersLowerBound: 1000, UsersUpperBound: 1200, EstimateReady: true}
	}
	return &meta.ReachEstimate{UsersLowerBound: 5000, UsersUpperBound: 6000, EstimateReady: true}
}

func isTargeted(t *meta.Targeting) bool {
	return t.AgeMin > 0 || len(t.FlexibleSpec) > 0
}

// --- Pipeline collaborator mocks ---

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(ctx context.Context, postalCode, countryCode string) (*model.GeoLocation, error) {
	args := m.Called(ctx, postalCode, countryCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.GeoLocation), args.Error(1)
}

type mockEstimator struct {
	mock.Mock
}

func (m *mockEstimator) CheckConfig() error {
	return m.Called().Error(0)
}

func (m *mockEstimator) Estimate(ctx context.Context, targeting *meta.Targeting) (*model.ReachEstimate, error) {
	args := m.Called(ctx, targeting)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReachEstimate), args.Error(1)
}

type mockRecorder struct {
	mu        sync.Mutex
	outcomes  map[string]int
	narrowing int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{outcomes: map[string]int{}}
}

func (m *mockRecorder) RecordOutcome(outcome string) {
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()
}

func (m *mockRecorder) RecordNarrowingViolation() {
	m.mu.Lock()
	m.narrowing++
	m.mu.Unlock()
}

// memorySink collects recorded outcomes; fail makes Record error for the
// listed codes.
type memorySink struct {
	mu      sync.Mutex
	results []model.PostalCodeResult
	fail    map[string]bool
}

func (s *memorySink) Record(_ context.Context, r *model.PostalCodeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[r.PostalCode] {
		return &PersistenceError{ProjectID: r.ProjectID, PostalCode: r.PostalCode, Err: context.DeadlineExceeded}
	}
	s.results = append(s.results, *r)
	return nil
}

func (s *memorySink) codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, r.PostalCode)
	}
	return out
}
