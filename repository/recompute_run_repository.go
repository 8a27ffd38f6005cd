package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"rollgroups/database"
	"rollgroups/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecomputeRunRepository implements the RecomputeRunRepository interface
type RecomputeRunRepository struct {
	q queryable
}

// NewRecomputeRunRepository creates a new recompute run repository
func NewRecomputeRunRepository(db *database.DB) *RecomputeRunRepository {
	return &RecomputeRunRepository{q: db.Pool}
}

func newRecomputeRunRepositoryWithTx(tx queryable) *RecomputeRunRepository {
	return &RecomputeRunRepository{q: tx}
}

// Create records a finished pass under its run ID
func (r *RecomputeRunRepository) Create(ctx context.Context, run *models.RecomputeRun) error {
	summaryJSON, err := json.Marshal(run.ExecutionSummary)
	if err != nil {
		return fmt.Errorf("failed to marshal execution summary: %w", err)
	}

	query := `
		INSERT INTO recompute_runs
		(id, state, reference_time, started_at, finished_at,
		 completed_groups, skipped_groups, execution_summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err = r.q.QueryRow(ctx, query,
		run.ID,
		run.State,
		run.ReferenceTime,
		run.StartedAt,
		run.FinishedAt,
		run.CompletedGroups,
		run.SkippedGroups,
		summaryJSON,
	).Scan(&run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create recompute run %s: %w", run.ID, err)
	}

	return nil
}

// GetByID returns a recorded pass
func (r *RecomputeRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RecomputeRun, error) {
	query := `
		SELECT id, state, reference_time, started_at, finished_at,
		       completed_groups, skipped_groups, execution_summary, created_at
		FROM recompute_runs
		WHERE id = $1
	`

	run, err := scanRecomputeRun(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recompute run %s: %w", id, err)
	}

	return run, nil
}

// GetLatest returns the most recently started pass
func (r *RecomputeRunRepository) GetLatest(ctx context.Context) (*models.RecomputeRun, error) {
	query := `
		SELECT id, state, reference_time, started_at, finished_at,
		       completed_groups, skipped_groups, execution_summary, created_at
		FROM recompute_runs
		ORDER BY started_at DESC
		LIMIT 1
	`

	run, err := scanRecomputeRun(r.q.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest recompute run: %w", err)
	}

	return run, nil
}

func scanRecomputeRun(row pgx.Row) (*models.RecomputeRun, error) {
	var run models.RecomputeRun
	var summaryJSON []byte

	err := row.Scan(
		&run.ID,
		&run.State,
		&run.ReferenceTime,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CompletedGroups,
		&run.SkippedGroups,
		&summaryJSON,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &run.ExecutionSummary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution summary: %w", err)
		}
	}

	return &run, nil
}
