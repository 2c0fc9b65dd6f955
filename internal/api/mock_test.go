package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/scout-interest/scout/internal/model"
	"github.com/scout-interest/scout/pkg/meta"
)

type mockJobs struct {
	mock.Mock
}

func (m *mockJobs) Start(ctx context.Context, projectID string) (string, error) {
	args := m.Called(ctx, projectID)
	return args.String(0), args.Error(1)
}

func (m *mockJobs) Stop(projectID string) bool {
	return m.Called(projectID).Bool(0)
}

func (m *mockJobs) Status(ctx context.Context, projectID string) (*model.BatchStatus, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BatchStatus), args.Error(1)
}

type mockInterests struct {
	mock.Mock
}

func (m *mockInterests) SearchInterests(ctx context.Context, query string, limit int) ([]meta.Interest, error) {
	args := m.Called(ctx, query, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]meta.Interest), args.Error(1)
}
