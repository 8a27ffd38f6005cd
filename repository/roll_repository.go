package repository

import (
	"context"
	"fmt"

	"rollgroups/database"
	"rollgroups/models"
	"rollgroups/service"
)

// RollRepository implements the RollRepository interface
type RollRepository struct {
	q queryable
}

// NewRollRepository creates a new roll repository
func NewRollRepository(db *database.DB) *RollRepository {
	return &RollRepository{q: db.Pool}
}

func newRollRepositoryWithTx(tx queryable) *RollRepository {
	return &RollRepository{q: tx}
}

// Aggregate counts each student's events in the filter's state on rolls
// completed strictly after filter.Since, keeping students whose count
// satisfies the filter's comparison. The comparison is applied as
// (count - threshold) * direction > 0 so both operators share one statement.
// Students with no matching events never appear.
func (r *RollRepository) Aggregate(ctx context.Context, filter service.GroupFilter) ([]models.StudentIncidentCount, error) {
	query := `
		SELECT srs.student_id, COUNT(*) AS incident_count
		FROM student_roll_states srs
		JOIN rolls r ON r.id = srs.roll_id
		WHERE srs.state = $1
		  AND r.completed_at > $2
		GROUP BY srs.student_id
		HAVING (COUNT(*) - $3::bigint) * $4::bigint > 0
		ORDER BY srs.student_id
	`

	rows, err := r.q.Query(ctx, query,
		filter.State,
		filter.Since,
		filter.Threshold,
		filter.Comparison.Direction(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate rolls for group %d: %w", filter.GroupID, err)
	}
	defer rows.Close()

	counts := make([]models.StudentIncidentCount, 0)
	for rows.Next() {
		var c models.StudentIncidentCount
		if err := rows.Scan(&c.StudentID, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan incident count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incident counts: %w", err)
	}

	return counts, nil
}
