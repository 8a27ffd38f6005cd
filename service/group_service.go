package service

import (
	"context"
	"fmt"

	"rollgroups/models"
)

// groupService implements the GroupService interface
type groupService struct {
	uowFactory UnitOfWorkFactory
}

// NewGroupService creates a new group service
func NewGroupService(uowFactory UnitOfWorkFactory) GroupService {
	return &groupService{uowFactory: uowFactory}
}

func (s *groupService) ListGroups(ctx context.Context) ([]*models.Group, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	groups, err := uow.GroupRepository().ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	return groups, nil
}

func (s *groupService) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	group, err := uow.GroupRepository().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	if group == nil {
		return nil, ErrGroupNotFound
	}

	return group, nil
}

// CreateGroup stores a new rule. Membership stays empty until the next pass.
func (s *groupService) CreateGroup(ctx context.Context, input *models.GroupInput) (*models.Group, error) {
	if err := validateGroupInput(input); err != nil {
		return nil, err
	}

	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	group, err := uow.GroupRepository().Create(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return group, nil
}

func (s *groupService) UpdateGroup(ctx context.Context, id int64, input *models.GroupInput) (*models.Group, error) {
	if err := validateGroupInput(input); err != nil {
		return nil, err
	}

	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	group, err := uow.GroupRepository().Update(ctx, id, input)
	if err != nil {
		return nil, fmt.Errorf("failed to update group: %w", err)
	}
	if group == nil {
		return nil, ErrGroupNotFound
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return group, nil
}

func (s *groupService) DeleteGroup(ctx context.Context, id int64) error {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	existed, err := uow.GroupRepository().Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if !existed {
		return ErrGroupNotFound
	}

	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetGroupStudents lists the members found by the last pass
func (s *groupService) GetGroupStudents(ctx context.Context, id int64) ([]*models.GroupStudent, error) {
	uow := s.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	group, err := uow.GroupRepository().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	if group == nil {
		return nil, ErrGroupNotFound
	}

	students, err := uow.StudentRepository().GetByGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get group students: %w", err)
	}

	return students, nil
}

// validateGroupInput rejects rules the recompute pass could not evaluate
func validateGroupInput(input *models.GroupInput) error {
	if input.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidGroupConfiguration)
	}
	if input.NumberOfWeeks < 1 {
		return fmt.Errorf("%w: number_of_weeks must be at least 1, got %d", ErrInvalidGroupConfiguration, input.NumberOfWeeks)
	}
	if input.Incidents < 0 {
		return fmt.Errorf("%w: incidents must not be negative, got %d", ErrInvalidGroupConfiguration, input.Incidents)
	}
	switch models.RollState(input.RollStates) {
	case models.RollStateUnmark, models.RollStatePresent, models.RollStateAbsent, models.RollStateLate:
	default:
		return fmt.Errorf("%w: unknown roll state %q", ErrInvalidGroupConfiguration, input.RollStates)
	}
	_, err := ParseComparison(input.Ltmt)
	return err
}
