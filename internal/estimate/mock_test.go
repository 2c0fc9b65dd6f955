package estimate

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/scout-interest/scout/pkg/meta"
)

type mockMeta struct {
	mock.Mock
}

func (m *mockMeta) SearchZip(ctx context.Context, query, countryCode string) ([]meta.GeoLocation, error) {
	args := m.Called(ctx, query, countryCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]meta.GeoLocation), args.Error(1)
}

func (m *mockMeta) ReachEstimate(ctx context.Context, adAccountID string, targeting *meta.Targeting) (*meta.ReachEstimate, error) {
	args := m.Called(ctx, adAccountID, targeting)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*meta.ReachEstimate), args.Error(1)
}

func (m *mockMeta) SearchInterests(ctx context.Context, query string, limit int) ([]meta.Interest, error) {
	args := m.Called(ctx, query, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]meta.Interest), args.Error(1)
}
