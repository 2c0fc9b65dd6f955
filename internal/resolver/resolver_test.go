package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/scout-interest/scout/pkg/meta"
)

type mockSearcher struct {
	mock.Mock
}

func (m *mockSearcher) SearchZip(ctx context.Context, query, countryCode string) ([]meta.GeoLocation, error) {
	args := m.Called(ctx, query, countryCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]meta.GeoLocation), args.Error(1)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"10001", "10001"},
		{"  10001 ", "10001"},
		{"１０００１", "10001"},
		{"sw1a   1aa", "SW1A 1AA"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestNormalizeCountry(t *testing.T) {
	assert.Equal(t, "US", NormalizeCountry(""))
	assert.Equal(t, "FR", NormalizeCountry(" fr"))
}

func TestResolve_ExactMatch(t *testing.T) {
	s := &mockSearcher{}
	s.On("SearchZip", mock.Anything, "10001", "US").Return([]meta.GeoLocation{
		{Key: "US:100010", Name: "100010", Type: "zip", CountryCode: "US"},
		{Key: "US:10001", Name: "10001", Type: "zip", CountryCode: "US", Region: "New York", RegionID: 3875, PrimaryCity: "New York"},
	}, nil).Once()

	r := New(s, 10)
	geo, err := r.Resolve(context.Background(), " 10001", "us")
	require.NoError(t, err)
	assert.Equal(t, "US:10001", geo.Key)
	assert.Equal(t, "New York", geo.City)
	assert.Equal(t, "New York", geo.Region)
	assert.Equal(t, "US", geo.CountryCode)

	// Cached: no second search.
	geo2, err := r.Resolve(context.Background(), "10001", "US")
	require.NoError(t, err)
	assert.Equal(t, geo.Key, geo2.Key)
	s.AssertNumberOfCalls(t, "SearchZip", 1)
}

func TestResolve_NotFound(t *testing.T) {
	s := &mockSearcher{}
	s.On("SearchZip", mock.Anything, "75008", "US").Return([]meta.GeoLocation{}, nil).Once()

	r := New(s, 10)
	_, err := r.Resolve(context.Background(), "75008", "US")
	var re *ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "75008", re.PostalCode)
	assert.Contains(t, err.Error(), `postal code "75008" not found in US`)

	// Misses are cached too.
	_, err = r.Resolve(context.Background(), "75008", "US")
	require.True(t, errors.As(err, &re))
	s.AssertNumberOfCalls(t, "SearchZip", 1)
}

func TestResolve_PrefixOnlyIsNotAMatch(t *testing.T) {
	s := &mockSearcher{}
	s.On("SearchZip", mock.Anything, "1000", "US").Return([]meta.GeoLocation{
		{Key: "US:10001", Name: "10001", Type: "zip", CountryCode: "US"},
		{Key: "US:10002", Name: "10002", Type: "zip", CountryCode: "US"},
	}, nil)

	_, err := New(s, 0).Resolve(context.Background(), "1000", "US")
	var re *ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 2, re.Candidates)
}

func TestResolve_WrongCountryIgnored(t *testing.T) {
	s := &mockSearcher{}
	s.On("SearchZip", mock.Anything, "75001", "US").Return([]meta.GeoLocation{
		{Key: "FR:75001", Name: "75001", Type: "zip", CountryCode: "FR"},
	}, nil)

	_, err := New(s, 10).Resolve(context.Background(), "75001", "")
	var re *ResolutionError
	assert.True(t, errors.As(err, &re))
}

func TestResolve_SearchErrorNotCached(t *testing.T) {
	s := &mockSearcher{}
	s.On("SearchZip", mock.Anything, "10001", "US").Return(nil, errors.New("boom")).Once()
	s.On("SearchZip", mock.Anything, "10001", "US").Return([]meta.GeoLocation{{Key: "US:10001", Name: "10001"}}, nil).Once()

	r := New(s, 10)
	_, err := r.Resolve(context.Background(), "10001", "US")
	require.Error(t, err)
	var re *ResolutionError
	assert.False(t, errors.As(err, &re), "upstream failures are not resolution errors")

	geo, err := r.Resolve(context.Background(), "10001", "US")
	require.NoError(t, err)
	assert.Equal(t, "US:10001", geo.Key)
}

func TestResolve_EmptyCode(t *testing.T) {
	_, err := New(&mockSearcher{}, 10).Resolve(context.Background(), "   ", "US")
	var re *ResolutionError
	assert.True(t, errors.As(err, &re))
}

func TestResolve_CacheEviction(t *testing.T) {
	s := &mockSearcher{}
	for _, code := range []string{"10001", "10002", "10003"} {
		s.On("SearchZip", mock.Anything, code, "US").Return([]meta.GeoLocation{{Key: "US:" + code, Name: code}}, nil)
	}

	r := New(s, 2)
	for _, code := range []string{"10001", "10002", "10003"} {
		_, err := r.Resolve(context.Background(), code, "US")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.Len())

	_, err := r.Resolve(context.Background(), "10001", "US")
	require.NoError(t, err)
	s.AssertNumberOfCalls(t, "SearchZip", 4)
}

func TestResolve_ReturnsCopy(t *testing.T) {
	s := &mockSearcher{}
	s.On("SearchZip", mock.Anything, "10001", "US").Return([]meta.GeoLocation{{Key: "US:10001", Name: "10001"}}, nil).Once()

	r := New(s, 10)
	geo, err := r.Resolve(context.Background(), "10001", "US")
	require.NoError(t, err)
	geo.Key = "mutated"

	again, err := r.Resolve(context.Background(), "10001", "US")
	require.NoError(t, err)
	assert.Equal(t, "US:10001", again.Key)
}
