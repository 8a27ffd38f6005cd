package service

import (
	"context"
	"time"

	"rollgroups/events"
	"rollgroups/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockGroupRepository is a mock implementation of GroupRepository
type MockGroupRepository struct {
	mock.Mock
}

func (m *MockGroupRepository) ListAll(ctx context.Context) ([]*models.Group, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Group), args.Error(1)
}

func (m *MockGroupRepository) GetByID(ctx context.Context, id int64) (*models.Group, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Group), args.Error(1)
}

func (m *MockGroupRepository) Create(ctx context.Context, input *models.GroupInput) (*models.Group, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Group), args.Error(1)
}

func (m *MockGroupRepository) Update(ctx context.Context, id int64, input *models.GroupInput) (*models.Group, error) {
	args := m.Called(ctx, id, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Group), args.Error(1)
}

func (m *MockGroupRepository) Delete(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockGroupRepository) UpdateSummary(ctx context.Context, id int64, runAt time.Time, studentCount int) error {
	args := m.Called(ctx, id, runAt, studentCount)
	return args.Error(0)
}

// MockStudentRepository is a mock implementation of StudentRepository
type MockStudentRepository struct {
	mock.Mock
}

func (m *MockStudentRepository) GetByGroup(ctx context.Context, groupID int64) ([]*models.GroupStudent, error) {
	args := m.Called(ctx, groupID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.GroupStudent), args.Error(1)
}

// MockRollRepository is a mock implementation of RollRepository
type MockRollRepository struct {
	mock.Mock
}

func (m *MockRollRepository) Aggregate(ctx context.Context, filter GroupFilter) ([]models.StudentIncidentCount, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.StudentIncidentCount), args.Error(1)
}

// MockGroupMembershipRepository is a mock implementation of GroupMembershipRepository
type MockGroupMembershipRepository struct {
	mock.Mock
}

func (m *MockGroupMembershipRepository) ClearAll(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockGroupMembershipRepository) InsertMany(ctx context.Context, rows []*models.GroupMembership) error {
	args := m.Called(ctx, rows)
	return args.Error(0)
}

// MockStagingMembershipRepository is a mock implementation of StagingMembershipRepository
type MockStagingMembershipRepository struct {
	MockGroupMembershipRepository
}

func (m *MockStagingMembershipRepository) Promote(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockRecomputeRunRepository is a mock implementation of RecomputeRunRepository
type MockRecomputeRunRepository struct {
	mock.Mock
}

func (m *MockRecomputeRunRepository) Create(ctx context.Context, run *models.RecomputeRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRecomputeRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RecomputeRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RecomputeRun), args.Error(1)
}

func (m *MockRecomputeRunRepository) GetLatest(ctx context.Context) (*models.RecomputeRun, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RecomputeRun), args.Error(1)
}

// MockEventPublisher is a mock implementation of EventPublisher
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(event events.Event) {
	m.Called(event)
}

// MockUnitOfWork is a mock implementation of UnitOfWork. Repository getters
// return whatever was configured with the setters.
type MockUnitOfWork struct {
	mock.Mock
	groupRepo        GroupRepository
	studentRepo      StudentRepository
	rollRepo         RollRepository
	membershipRepo   GroupMembershipRepository
	stagingRepo      StagingMembershipRepository
	recomputeRunRepo RecomputeRunRepository
	eventBus         EventPublisher
}

func (m *MockUnitOfWork) SetGroupRepository(r GroupRepository) {
	m.groupRepo = r
}

func (m *MockUnitOfWork) SetStudentRepository(r StudentRepository) {
	m.studentRepo = r
}

func (m *MockUnitOfWork) SetRollRepository(r RollRepository) {
	m.rollRepo = r
}

func (m *MockUnitOfWork) SetEventBus(p EventPublisher) {
	m.eventBus = p
}

func (m *MockUnitOfWork) SetRecomputeRunRepository(r RecomputeRunRepository) {
	m.recomputeRunRepo = r
}

func (m *MockUnitOfWork) SetMembershipRepositories(live GroupMembershipRepository, staging StagingMembershipRepository) {
	m.membershipRepo = live
	m.stagingRepo = staging
}

func (m *MockUnitOfWork) Begin(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockUnitOfWork) Commit() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockUnitOfWork) Rollback() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockUnitOfWork) GroupRepository() GroupRepository {
	return m.groupRepo
}

func (m *MockUnitOfWork) StudentRepository() StudentRepository {
	return m.studentRepo
}

func (m *MockUnitOfWork) RollRepository() RollRepository {
	return m.rollRepo
}

func (m *MockUnitOfWork) MembershipRepository() GroupMembershipRepository {
	return m.membershipRepo
}

func (m *MockUnitOfWork) StagingMembershipRepository() StagingMembershipRepository {
	return m.stagingRepo
}

func (m *MockUnitOfWork) RecomputeRunRepository() RecomputeRunRepository {
	return m.recomputeRunRepo
}

func (m *MockUnitOfWork) EventBus() EventPublisher {
	return m.eventBus
}

// MockUnitOfWorkFactory is a mock implementation of UnitOfWorkFactory
type MockUnitOfWorkFactory struct {
	mock.Mock
}

func (m *MockUnitOfWorkFactory) Create() UnitOfWork {
	args := m.Called()
	return args.Get(0).(UnitOfWork)
}
