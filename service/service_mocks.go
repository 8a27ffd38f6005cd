package service

import (
	"context"

	"rollgroups/models"

	"github.com/stretchr/testify/mock"
)

// MockGroupService is a mock implementation of GroupService
type MockGroupService struct {
	mock.Mock
}

func (m *MockGroupService) ListGroups(ctx context.Context) ([]*models.Group, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Group), args.Error(1)
}

func (m *MockGroupService) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Group), args.Error(1)
}

func (m *MockGroupService) CreateGroup(ctx context.Context, input *models.GroupInput) (*models.Group, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Group), args.Error(1)
}

func (m *MockGroupService) UpdateGroup(ctx context.Context, id int64, input *models.GroupInput) (*models.Group, error) {
	args := m.Called(ctx, id, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Group), args.Error(1)
}

func (m *MockGroupService) DeleteGroup(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockGroupService) GetGroupStudents(ctx context.Context, id int64) ([]*models.GroupStudent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.GroupStudent), args.Error(1)
}

// MockRecomputeService is a mock implementation of RecomputeService
type MockRecomputeService struct {
	mock.Mock
}

func (m *MockRecomputeService) RunOnce(ctx context.Context) (*models.RecomputeResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RecomputeResult), args.Error(1)
}

func (m *MockRecomputeService) LatestRun(ctx context.Context) (*models.RecomputeRun, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RecomputeRun), args.Error(1)
}
