package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"rollgroups/config"
	"rollgroups/events"
	"rollgroups/models"
	"rollgroups/runlock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

type engineMocks struct {
	factory *MockUnitOfWorkFactory
	uow     *MockUnitOfWork
	groups  *MockGroupRepository
	rolls   *MockRollRepository
	live    *MockGroupMembershipRepository
	staging *MockStagingMembershipRepository
	runs    *MockRecomputeRunRepository
	bus     *MockEventPublisher
}

func newEngineMocks() *engineMocks {
	m := &engineMocks{
		factory: new(MockUnitOfWorkFactory),
		uow:     new(MockUnitOfWork),
		groups:  new(MockGroupRepository),
		rolls:   new(MockRollRepository),
		live:    new(MockGroupMembershipRepository),
		staging: new(MockStagingMembershipRepository),
		runs:    new(MockRecomputeRunRepository),
		bus:     new(MockEventPublisher),
	}

	m.uow.SetGroupRepository(m.groups)
	m.uow.SetRollRepository(m.rolls)
	m.uow.SetMembershipRepositories(m.live, m.staging)
	m.uow.SetRecomputeRunRepository(m.runs)
	m.uow.SetEventBus(m.bus)

	m.factory.On("Create").Return(m.uow)
	m.uow.On("Begin", mock.Anything).Return(nil)
	m.uow.On("Commit").Return(nil)
	m.uow.On("Rollback").Return(nil)
	m.bus.On("Publish", mock.Anything).Maybe()

	return m
}

func (m *engineMocks) engine(opts ...EngineOption) *RecomputeEngine {
	opts = append([]EngineOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewRecomputeEngine(m.factory, opts...)
}

func (m *engineMocks) expectRunRecorded(state models.RecomputeState) {
	m.runs.On("Create", mock.Anything, mock.MatchedBy(func(run *models.RecomputeRun) bool {
		return run.State == state
	})).Return(nil).Once()
}

func forGroup(id int64) interface{} {
	return mock.MatchedBy(func(f GroupFilter) bool { return f.GroupID == id })
}

func rowsForGroup(id int64) interface{} {
	return mock.MatchedBy(func(rows []*models.GroupMembership) bool {
		return len(rows) == 0 || rows[0].GroupID == id
	})
}

func testGroup(id int64, weeks int, state string, incidents int, ltmt string) *models.Group {
	return &models.Group{
		ID:            id,
		Name:          "group",
		NumberOfWeeks: intPtr(weeks),
		RollStates:    state,
		Incidents:     intPtr(incidents),
		Ltmt:          ltmt,
	}
}

func groupIDs[T any](items []T, id func(T) int64) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = id(item)
	}
	return ids
}

func completedIDs(r *models.RecomputeResult) []int64 {
	return groupIDs(r.Completed, func(o models.GroupOutcome) int64 { return o.GroupID })
}

func skippedIDs(r *models.RecomputeResult) []int64 {
	return groupIDs(r.Skipped, func(f models.GroupFailure) int64 { return f.GroupID })
}

func TestRecomputeEngine_RunOnce_IsolatesInvalidGroups(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	groups := []*models.Group{
		testGroup(1, 2, "absent", 3, ">"),
		testGroup(2, 2, "absent", 3, "="),
		testGroup(3, 1, "late", 3, "<"),
		{ID: 4, Name: "incomplete", RollStates: "absent", Incidents: intPtr(1), Ltmt: ">"},
	}

	m.live.On("ClearAll", mock.Anything).Return(nil).Once()
	m.groups.On("ListAll", mock.Anything).Return(groups, nil).Once()

	m.rolls.On("Aggregate", mock.Anything, forGroup(1)).
		Return([]models.StudentIncidentCount{{StudentID: 10, Count: 4}}, nil)
	m.rolls.On("Aggregate", mock.Anything, forGroup(3)).
		Return([]models.StudentIncidentCount{{StudentID: 11, Count: 1}, {StudentID: 12, Count: 2}}, nil)

	m.live.On("InsertMany", mock.Anything, []*models.GroupMembership{
		{GroupID: 1, StudentID: 10, IncidentCount: 4},
	}).Return(nil).Once()
	m.live.On("InsertMany", mock.Anything, []*models.GroupMembership{
		{GroupID: 3, StudentID: 11, IncidentCount: 1},
		{GroupID: 3, StudentID: 12, IncidentCount: 2},
	}).Return(nil).Once()

	m.groups.On("UpdateSummary", mock.Anything, int64(1), fixedNow.AddDate(0, 0, -14), 1).Return(nil).Once()
	m.groups.On("UpdateSummary", mock.Anything, int64(3), fixedNow.AddDate(0, 0, -7), 2).Return(nil).Once()
	m.expectRunRecorded(models.RecomputeStateCompleted)

	result, err := m.engine().RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.RecomputeStateCompleted, result.State)
	assert.Equal(t, fixedNow, result.ReferenceTime)
	assert.Equal(t, []int64{1, 3}, completedIDs(result))
	assert.Equal(t, []int64{2, 4}, skippedIDs(result))
	for _, skipped := range result.Skipped {
		assert.Equal(t, models.ErrorKindInvalidGroupConfiguration, skipped.Kind)
		assert.NotEmpty(t, skipped.Reason)
	}
	assert.Equal(t, 3, result.MembershipRows())

	// Invalid groups never reach the store and keep their summary
	m.rolls.AssertNotCalled(t, "Aggregate", mock.Anything, forGroup(2))
	m.groups.AssertNotCalled(t, "UpdateSummary", mock.Anything, int64(2), mock.Anything, mock.Anything)
	m.groups.AssertNotCalled(t, "UpdateSummary", mock.Anything, int64(4), mock.Anything, mock.Anything)

	m.live.AssertExpectations(t)
	m.groups.AssertExpectations(t)
	m.runs.AssertExpectations(t)
	m.bus.AssertNumberOfCalls(t, "Publish", 2)
}

func TestRecomputeEngine_RunOnce_AggregationFailure(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	groups := []*models.Group{
		testGroup(1, 1, "absent", 0, ">"),
		testGroup(2, 1, "absent", 0, ">"),
	}

	m.live.On("ClearAll", mock.Anything).Return(nil)
	m.groups.On("ListAll", mock.Anything).Return(groups, nil)
	m.rolls.On("Aggregate", mock.Anything, forGroup(1)).Return(nil, errors.New("connection reset"))
	m.rolls.On("Aggregate", mock.Anything, forGroup(2)).
		Return([]models.StudentIncidentCount{{StudentID: 7, Count: 1}}, nil)
	m.live.On("InsertMany", mock.Anything, rowsForGroup(2)).Return(nil).Once()
	m.groups.On("UpdateSummary", mock.Anything, int64(2), mock.Anything, 1).Return(nil).Once()
	m.expectRunRecorded(models.RecomputeStateCompleted)

	result, err := m.engine().RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, completedIDs(result))
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, int64(1), result.Skipped[0].GroupID)
	assert.Equal(t, models.ErrorKindAggregationFailure, result.Skipped[0].Kind)
	assert.Contains(t, result.Skipped[0].Reason, "connection reset")

	m.live.AssertNotCalled(t, "InsertMany", mock.Anything, rowsForGroup(1))
	m.groups.AssertNotCalled(t, "UpdateSummary", mock.Anything, int64(1), mock.Anything, mock.Anything)
}

func TestRecomputeEngine_RunOnce_AggregationTimeout(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	m.live.On("ClearAll", mock.Anything).Return(nil)
	m.groups.On("ListAll", mock.Anything).Return([]*models.Group{testGroup(1, 1, "absent", 0, ">")}, nil)
	m.rolls.On("Aggregate", mock.Anything, forGroup(1)).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)
	m.expectRunRecorded(models.RecomputeStateCompleted)

	start := time.Now()
	result, err := m.engine(WithGroupTimeout(50 * time.Millisecond)).RunOnce(ctx)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, models.ErrorKindAggregationFailure, result.Skipped[0].Kind)
	m.live.AssertNotCalled(t, "InsertMany", mock.Anything, mock.Anything)
}

func TestRecomputeEngine_RunOnce_MaterializationFailure(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	m.live.On("ClearAll", mock.Anything).Return(nil)
	m.groups.On("ListAll", mock.Anything).Return([]*models.Group{testGroup(1, 1, "absent", 0, ">")}, nil)
	m.rolls.On("Aggregate", mock.Anything, forGroup(1)).
		Return([]models.StudentIncidentCount{{StudentID: 5, Count: 2}}, nil)
	m.live.On("InsertMany", mock.Anything, rowsForGroup(1)).Return(errors.New("disk full"))
	m.expectRunRecorded(models.RecomputeStateCompleted)

	result, err := m.engine().RunOnce(ctx)
	require.NoError(t, err)

	assert.Empty(t, result.Completed)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, models.ErrorKindMaterializationFailure, result.Skipped[0].Kind)

	// The group's transaction is rolled back and its summary untouched
	m.groups.AssertNotCalled(t, "UpdateSummary", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	m.uow.AssertCalled(t, "Rollback")
	m.bus.AssertNotCalled(t, "Publish", mock.Anything)
}

func TestRecomputeEngine_RunOnce_ClearFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	m.live.On("ClearAll", mock.Anything).Return(errors.New("permission denied"))
	m.expectRunRecorded(models.RecomputeStateFailed)

	result, err := m.engine().RunOnce(ctx)
	require.Error(t, err)

	var passErr *PassError
	require.ErrorAs(t, err, &passErr)
	assert.Equal(t, models.RecomputeStateClearing, passErr.Stage)
	assert.Equal(t, models.ErrorKindPassFatal, ErrorKindOf(err))

	require.NotNil(t, result)
	assert.Equal(t, models.RecomputeStateFailed, result.State)
	assert.Contains(t, result.FatalError, "permission denied")
	assert.Empty(t, result.Completed)
	assert.Empty(t, result.Skipped)

	m.groups.AssertNotCalled(t, "ListAll", mock.Anything)
	m.runs.AssertExpectations(t)
}

func TestRecomputeEngine_RunOnce_SnapshotFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	m.live.On("ClearAll", mock.Anything).Return(nil)
	m.groups.On("ListAll", mock.Anything).Return(nil, errors.New("relation does not exist"))
	m.expectRunRecorded(models.RecomputeStateFailed)

	result, err := m.engine().RunOnce(ctx)

	var passErr *PassError
	require.ErrorAs(t, err, &passErr)
	assert.Equal(t, models.RecomputeStateFailed, result.State)
	m.rolls.AssertNotCalled(t, "Aggregate", mock.Anything, mock.Anything)
}

func TestRecomputeEngine_RunOnce_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newEngineMocks()

	groups := []*models.Group{
		testGroup(1, 1, "absent", 0, ">"),
		testGroup(2, 1, "absent", 0, ">"),
		testGroup(3, 1, "absent", 0, ">"),
	}

	m.live.On("ClearAll", mock.Anything).Return(nil)
	m.groups.On("ListAll", mock.Anything).Return(groups, nil)

	// Group 1 cancels the pass while in flight and must still finish
	m.rolls.On("Aggregate", mock.Anything, forGroup(1)).
		Run(func(args mock.Arguments) {
			cancel()
			assert.NoError(t, args.Get(0).(context.Context).Err())
		}).
		Return([]models.StudentIncidentCount{{StudentID: 1, Count: 1}}, nil)
	m.rolls.On("Aggregate", mock.Anything, forGroup(2)).
		Return([]models.StudentIncidentCount{}, nil).Maybe()
	m.live.On("InsertMany", mock.Anything, mock.Anything).Return(nil)
	m.groups.On("UpdateSummary", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	m.expectRunRecorded(models.RecomputeStateCancelled)

	result, err := m.engine(WithWorkers(1)).RunOnce(ctx)
	assert.ErrorIs(t, err, ErrPassCancelled)
	require.NotNil(t, result)

	assert.Equal(t, models.RecomputeStateCancelled, result.State)
	assert.Contains(t, completedIDs(result), int64(1))
	assert.Len(t, result.Completed, len(groups)-len(result.Skipped))

	last := result.Skipped[len(result.Skipped)-1]
	assert.Equal(t, int64(3), last.GroupID)
	assert.Equal(t, models.ErrorKindCancelled, last.Kind)
	m.rolls.AssertNotCalled(t, "Aggregate", mock.Anything, forGroup(3))
	m.groups.AssertCalled(t, "UpdateSummary", mock.Anything, int64(1), mock.Anything, 1)
}

func TestRecomputeEngine_RunOnce_LockHeld(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	locker := runlock.NewLocal()
	release, err := locker.TryAcquire(ctx)
	require.NoError(t, err)
	defer release(ctx)

	result, err := m.engine(WithLocker(locker)).RunOnce(ctx)
	assert.ErrorIs(t, err, ErrPassInProgress)
	assert.Nil(t, result)
	m.factory.AssertNotCalled(t, "Create")
}

func TestRecomputeEngine_RunOnce_ReleasesLock(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	m.live.On("ClearAll", mock.Anything).Return(nil)
	m.groups.On("ListAll", mock.Anything).Return([]*models.Group{}, nil)
	m.runs.On("Create", mock.Anything, mock.Anything).Return(nil)

	locker := runlock.NewLocal()
	engine := m.engine(WithLocker(locker))

	_, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	_, err = engine.RunOnce(ctx)
	require.NoError(t, err)
}

func TestRecomputeEngine_RunOnce_ShadowMode(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	groups := []*models.Group{
		testGroup(1, 2, "absent", 1, ">"),
		testGroup(2, 2, "absent", 1, "!"),
	}

	m.staging.On("ClearAll", mock.Anything).Return(nil).Once()
	m.groups.On("ListAll", mock.Anything).Return(groups, nil)
	m.rolls.On("Aggregate", mock.Anything, forGroup(1)).
		Return([]models.StudentIncidentCount{{StudentID: 3, Count: 2}}, nil)
	m.staging.On("InsertMany", mock.Anything, rowsForGroup(1)).Return(nil).Once()
	m.staging.On("Promote", mock.Anything).Return(nil).Once()
	m.groups.On("UpdateSummary", mock.Anything, int64(1), fixedNow.AddDate(0, 0, -14), 1).Return(nil).Once()
	m.expectRunRecorded(models.RecomputeStateCompleted)

	result, err := m.engine(WithMode(config.MembershipModeShadow)).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, config.MembershipModeShadow, result.Mode)
	assert.Equal(t, []int64{1}, completedIDs(result))
	assert.Equal(t, []int64{2}, skippedIDs(result))

	m.live.AssertNotCalled(t, "ClearAll", mock.Anything)
	m.live.AssertNotCalled(t, "InsertMany", mock.Anything, mock.Anything)
	m.staging.AssertExpectations(t)
	m.groups.AssertExpectations(t)
	m.bus.AssertNumberOfCalls(t, "Publish", 1)
}

func TestRecomputeEngine_RunOnce_ShadowPromoteFailure(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	m.staging.On("ClearAll", mock.Anything).Return(nil)
	m.groups.On("ListAll", mock.Anything).Return([]*models.Group{testGroup(1, 1, "late", 0, ">")}, nil)
	m.rolls.On("Aggregate", mock.Anything, forGroup(1)).
		Return([]models.StudentIncidentCount{{StudentID: 3, Count: 2}}, nil)
	m.staging.On("InsertMany", mock.Anything, mock.Anything).Return(nil)
	m.staging.On("Promote", mock.Anything).Return(errors.New("lock timeout"))
	m.expectRunRecorded(models.RecomputeStateFailed)

	result, err := m.engine(WithMode(config.MembershipModeShadow)).RunOnce(ctx)

	var passErr *PassError
	require.ErrorAs(t, err, &passErr)
	assert.Equal(t, models.RecomputeStateFailed, result.State)
	assert.Empty(t, result.Completed)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, models.ErrorKindPassFatal, result.Skipped[0].Kind)
	m.groups.AssertNotCalled(t, "UpdateSummary", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRecomputeEngine_RunOnce_ShadowSkipsGroupDeletedBeforePromote(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	groups := []*models.Group{
		testGroup(1, 1, "absent", 0, ">"),
		testGroup(2, 1, "absent", 0, ">"),
	}

	m.staging.On("ClearAll", mock.Anything).Return(nil)
	m.groups.On("ListAll", mock.Anything).Return(groups, nil)
	m.rolls.On("Aggregate", mock.Anything, forGroup(1)).
		Return([]models.StudentIncidentCount{{StudentID: 3, Count: 2}}, nil)
	m.rolls.On("Aggregate", mock.Anything, forGroup(2)).
		Return([]models.StudentIncidentCount{{StudentID: 4, Count: 1}, {StudentID: 5, Count: 3}}, nil)
	m.staging.On("InsertMany", mock.Anything, mock.Anything).Return(nil)
	m.staging.On("Promote", mock.Anything).Return(nil).Once()
	// Group 1 was deleted after the snapshot was taken
	m.groups.On("UpdateSummary", mock.Anything, int64(1), mock.Anything, 1).
		Return(fmt.Errorf("failed to update summary for group 1: %w", ErrGroupNotFound)).Once()
	m.groups.On("UpdateSummary", mock.Anything, int64(2), mock.Anything, 2).Return(nil).Once()
	m.expectRunRecorded(models.RecomputeStateCompleted)

	result, err := m.engine(WithMode(config.MembershipModeShadow)).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.RecomputeStateCompleted, result.State)
	assert.Equal(t, []int64{2}, completedIDs(result))
	require.Equal(t, []int64{1}, skippedIDs(result))
	assert.Equal(t, models.ErrorKindMaterializationFailure, result.Skipped[0].Kind)
	assert.Equal(t, 2, result.MembershipRows())

	m.uow.AssertCalled(t, "Commit")
	m.groups.AssertExpectations(t)
	m.bus.AssertNumberOfCalls(t, "Publish", 1)
	m.bus.AssertCalled(t, "Publish", mock.MatchedBy(func(e events.GroupRecomputedEvent) bool {
		return e.GroupID == 2
	}))
}

func TestRecomputeEngine_RunOnce_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := newEngineMocks()
	m.expectRunRecorded(models.RecomputeStateCancelled)

	result, err := m.engine().RunOnce(ctx)

	assert.ErrorIs(t, err, ErrPassCancelled)
	require.NotNil(t, result)
	assert.Equal(t, models.RecomputeStateCancelled, result.State)
	assert.Empty(t, result.FatalError)
	m.live.AssertNotCalled(t, "ClearAll", mock.Anything)
	m.groups.AssertNotCalled(t, "ListAll", mock.Anything)
	m.runs.AssertExpectations(t)
}

func TestRecomputeEngine_RunOnce_PublishesPassCompleted(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	m.live.On("ClearAll", mock.Anything).Return(nil)
	m.groups.On("ListAll", mock.Anything).Return([]*models.Group{}, nil)
	// History is best effort; a failure is logged, not returned
	m.runs.On("Create", mock.Anything, mock.Anything).Return(errors.New("insert failed"))

	publisher := new(MockEventPublisher)
	publisher.On("Publish", mock.MatchedBy(func(e events.PassCompletedEvent) bool {
		return e.State == string(models.RecomputeStateCompleted) && e.ReferenceTime.Equal(fixedNow)
	})).Once()

	result, err := m.engine(WithPublisher(publisher)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RecomputeStateCompleted, result.State)
	publisher.AssertExpectations(t)
}

func TestRecomputeEngine_LatestRun(t *testing.T) {
	ctx := context.Background()
	m := newEngineMocks()

	run := &models.RecomputeRun{State: models.RecomputeStateCompleted, CompletedGroups: 2}
	m.runs.On("GetLatest", ctx).Return(run, nil)

	got, err := m.engine().LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, run, got)
}
