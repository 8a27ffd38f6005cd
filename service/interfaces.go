package service

import (
	"context"
	"time"

	"rollgroups/events"
	"rollgroups/models"

	"github.com/google/uuid"
)

// GroupRepository defines the interface for group registry access
type GroupRepository interface {
	// ListAll returns every group ordered by ID
	ListAll(ctx context.Context) ([]*models.Group, error)

	// GetByID retrieves a group, returning nil if it does not exist
	GetByID(ctx context.Context, id int64) (*models.Group, error)

	// Create inserts a new group with an empty summary
	Create(ctx context.Context, input *models.GroupInput) (*models.Group, error)

	// Update replaces the editable fields of a group, returning nil if it does not exist
	Update(ctx context.Context, id int64, input *models.GroupInput) (*models.Group, error)

	// Delete removes a group and its membership rows, reporting whether it existed
	Delete(ctx context.Context, id int64) (bool, error)

	// UpdateSummary overwrites the cached run_at and student_count of a group
	UpdateSummary(ctx context.Context, id int64, runAt time.Time, studentCount int) error
}

// StudentRepository defines read access to students
type StudentRepository interface {
	// GetByGroup returns the current members of a group ordered by student ID
	GetByGroup(ctx context.Context, groupID int64) ([]*models.GroupStudent, error)
}

// RollRepository defines the aggregation capability over attendance events
type RollRepository interface {
	// Aggregate counts events matching the filter's state after its window
	// start per student, keeping only counts that satisfy its threshold.
	// Results are ordered by student ID.
	Aggregate(ctx context.Context, filter GroupFilter) ([]models.StudentIncidentCount, error)
}

// GroupMembershipRepository defines the materialized membership store
type GroupMembershipRepository interface {
	// ClearAll deletes every membership row
	ClearAll(ctx context.Context) error

	// InsertMany bulk-inserts membership rows
	InsertMany(ctx context.Context, rows []*models.GroupMembership) error
}

// StagingMembershipRepository is a membership store that can replace the
// live membership table with its own contents
type StagingMembershipRepository interface {
	GroupMembershipRepository

	// Promote replaces the live membership rows with the staged rows
	Promote(ctx context.Context) error
}

// RecomputeRunRepository defines access to the pass history
type RecomputeRunRepository interface {
	// Create records a finished pass
	Create(ctx context.Context, run *models.RecomputeRun) error

	// GetByID returns a pass by its run ID, or nil if unknown
	GetByID(ctx context.Context, id uuid.UUID) (*models.RecomputeRun, error)

	// GetLatest returns the most recently started pass, or nil if none exist
	GetLatest(ctx context.Context) (*models.RecomputeRun, error)
}

// EventPublisher defines the interface for publishing events
type EventPublisher interface {
	Publish(event events.Event)
}

// GroupService defines the interface for group registry operations
type GroupService interface {
	// ListGroups returns all groups
	ListGroups(ctx context.Context) ([]*models.Group, error)

	// GetGroup returns a single group or ErrGroupNotFound
	GetGroup(ctx context.Context, id int64) (*models.Group, error)

	// CreateGroup adds a group
	CreateGroup(ctx context.Context, input *models.GroupInput) (*models.Group, error)

	// UpdateGroup edits a group's filter rule
	UpdateGroup(ctx context.Context, id int64, input *models.GroupInput) (*models.Group, error)

	// DeleteGroup removes a group
	DeleteGroup(ctx context.Context, id int64) error

	// GetGroupStudents returns the students currently in a group
	GetGroupStudents(ctx context.Context, id int64) ([]*models.GroupStudent, error)
}

// RecomputeService defines the interface for membership recomputation
type RecomputeService interface {
	// RunOnce re-evaluates every group against the current roll history
	RunOnce(ctx context.Context) (*models.RecomputeResult, error)

	// LatestRun returns the most recent recorded pass, or nil if none exist
	LatestRun(ctx context.Context) (*models.RecomputeRun, error)
}

// UnitOfWork defines the interface for transactional repository operations
type UnitOfWork interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) error

	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Repository getters
	GroupRepository() GroupRepository
	StudentRepository() StudentRepository
	RollRepository() RollRepository
	MembershipRepository() GroupMembershipRepository
	StagingMembershipRepository() StagingMembershipRepository
	RecomputeRunRepository() RecomputeRunRepository
	EventBus() EventPublisher
}

// UnitOfWorkFactory defines the interface for creating UnitOfWork instances
type UnitOfWorkFactory interface {
	Create() UnitOfWork
}
