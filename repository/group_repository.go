package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rollgroups/database"
	"rollgroups/models"
	"rollgroups/service"

	"github.com/jackc/pgx/v5"
)

const groupColumns = `id, name, number_of_weeks, roll_states, incidents, ltmt,
	run_at, student_count, created_at, updated_at`

// GroupRepository implements the GroupRepository interface
type GroupRepository struct {
	q queryable
}

// NewGroupRepository creates a new group repository
func NewGroupRepository(db *database.DB) *GroupRepository {
	return &GroupRepository{q: db.Pool}
}

// newGroupRepositoryWithTx creates a new group repository with a transaction
func newGroupRepositoryWithTx(tx queryable) *GroupRepository {
	return &GroupRepository{q: tx}
}

func scanGroup(row pgx.Row) (*models.Group, error) {
	var group models.Group
	err := row.Scan(
		&group.ID,
		&group.Name,
		&group.NumberOfWeeks,
		&group.RollStates,
		&group.Incidents,
		&group.Ltmt,
		&group.RunAt,
		&group.StudentCount,
		&group.CreatedAt,
		&group.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// ListAll returns every group ordered by ID
func (r *GroupRepository) ListAll(ctx context.Context) ([]*models.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups ORDER BY id`

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]*models.Group, 0)
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}

	return groups, nil
}

// GetByID retrieves a group by ID
func (r *GroupRepository) GetByID(ctx context.Context, id int64) (*models.Group, error) {
	query := `SELECT ` + groupColumns + ` FROM groups WHERE id = $1`

	group, err := scanGroup(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group %d: %w", id, err)
	}

	return group, nil
}

// Create inserts a group with an empty summary
func (r *GroupRepository) Create(ctx context.Context, input *models.GroupInput) (*models.Group, error) {
	query := `
		INSERT INTO groups (name, number_of_weeks, roll_states, incidents, ltmt)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + groupColumns

	group, err := scanGroup(r.q.QueryRow(ctx, query,
		input.Name,
		input.NumberOfWeeks,
		input.RollStates,
		input.Incidents,
		input.Ltmt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create group %q: %w", input.Name, err)
	}

	return group, nil
}

// Update replaces the rule fields of a group. The summary is left untouched
// until the next pass.
func (r *GroupRepository) Update(ctx context.Context, id int64, input *models.GroupInput) (*models.Group, error) {
	query := `
		UPDATE groups
		SET name = $2, number_of_weeks = $3, roll_states = $4, incidents = $5,
		    ltmt = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + groupColumns

	group, err := scanGroup(r.q.QueryRow(ctx, query,
		id,
		input.Name,
		input.NumberOfWeeks,
		input.RollStates,
		input.Incidents,
		input.Ltmt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update group %d: %w", id, err)
	}

	return group, nil
}

// Delete removes a group; membership rows cascade
func (r *GroupRepository) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete group %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateSummary records the window start and member count of the last pass
func (r *GroupRepository) UpdateSummary(ctx context.Context, id int64, runAt time.Time, studentCount int) error {
	query := `
		UPDATE groups
		SET run_at = $2, student_count = $3, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.q.Exec(ctx, query, id, runAt, studentCount)
	if err != nil {
		return fmt.Errorf("failed to update summary for group %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update summary for group %d: %w", id, service.ErrGroupNotFound)
	}

	return nil
}
