package repository

import (
	"context"
	"fmt"

	"rollgroups/database"
	"rollgroups/models"

	"github.com/jackc/pgx/v5"
)

const (
	liveMembershipTable    = "group_students"
	stagingMembershipTable = "group_students_staging"
)

var membershipColumns = []string{"group_id", "student_id", "incident_count"}

// GroupMembershipRepository writes materialized membership rows to one table
type GroupMembershipRepository struct {
	q     queryable
	table string
}

// NewGroupMembershipRepository creates a repository over the live membership table
func NewGroupMembershipRepository(db *database.DB) *GroupMembershipRepository {
	return &GroupMembershipRepository{q: db.Pool, table: liveMembershipTable}
}

func newGroupMembershipRepositoryWithTx(tx queryable) *GroupMembershipRepository {
	return &GroupMembershipRepository{q: tx, table: liveMembershipTable}
}

// ClearAll deletes every row in the table
func (r *GroupMembershipRepository) ClearAll(ctx context.Context) error {
	// Table names are package constants, never caller input
	if _, err := r.q.Exec(ctx, `DELETE FROM `+r.table); err != nil {
		return fmt.Errorf("failed to clear %s: %w", r.table, err)
	}
	return nil
}

// InsertMany bulk-inserts rows using COPY
func (r *GroupMembershipRepository) InsertMany(ctx context.Context, rows []*models.GroupMembership) error {
	if len(rows) == 0 {
		return nil
	}

	copied, err := r.q.CopyFrom(ctx,
		pgx.Identifier{r.table},
		membershipColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return []any{rows[i].GroupID, rows[i].StudentID, rows[i].IncidentCount}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %d rows into %s: %w", len(rows), r.table, err)
	}
	if copied != int64(len(rows)) {
		return fmt.Errorf("inserted %d of %d rows into %s", copied, len(rows), r.table)
	}

	return nil
}

// StagingMembershipRepository writes to the staging table and can promote
// its contents to the live table
type StagingMembershipRepository struct {
	GroupMembershipRepository
}

// NewStagingMembershipRepository creates a repository over the staging table
func NewStagingMembershipRepository(db *database.DB) *StagingMembershipRepository {
	return &StagingMembershipRepository{
		GroupMembershipRepository{q: db.Pool, table: stagingMembershipTable},
	}
}

func newStagingMembershipRepositoryWithTx(tx queryable) *StagingMembershipRepository {
	return &StagingMembershipRepository{
		GroupMembershipRepository{q: tx, table: stagingMembershipTable},
	}
}

// Promote replaces the live membership rows with the staged rows and empties
// the staging table. Call it inside a transaction so readers never observe
// the live table half-swapped.
func (r *StagingMembershipRepository) Promote(ctx context.Context) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM `+liveMembershipTable); err != nil {
		return fmt.Errorf("failed to clear live membership: %w", err)
	}

	query := `
		INSERT INTO ` + liveMembershipTable + ` (group_id, student_id, incident_count)
		SELECT group_id, student_id, incident_count
		FROM ` + stagingMembershipTable + `
		ORDER BY group_id, student_id
	`
	if _, err := r.q.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to promote staged membership: %w", err)
	}

	if _, err := r.q.Exec(ctx, `DELETE FROM `+stagingMembershipTable); err != nil {
		return fmt.Errorf("failed to clear staged membership: %w", err)
	}

	return nil
}
