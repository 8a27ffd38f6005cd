package repository

import (
	"context"
	"fmt"

	"rollgroups/database"
	"rollgroups/models"
)

// StudentRepository implements the StudentRepository interface
type StudentRepository struct {
	q queryable
}

// NewStudentRepository creates a new student repository
func NewStudentRepository(db *database.DB) *StudentRepository {
	return &StudentRepository{q: db.Pool}
}

func newStudentRepositoryWithTx(tx queryable) *StudentRepository {
	return &StudentRepository{q: tx}
}

// GetByGroup returns the materialized members of a group
func (r *StudentRepository) GetByGroup(ctx context.Context, groupID int64) ([]*models.GroupStudent, error) {
	query := `
		SELECT s.id, s.first_name, s.last_name,
		       s.first_name || ' ' || s.last_name AS full_name,
		       gs.incident_count
		FROM group_students gs
		JOIN students s ON s.id = gs.student_id
		WHERE gs.group_id = $1
		ORDER BY s.id
	`

	rows, err := r.q.Query(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get students for group %d: %w", groupID, err)
	}
	defer rows.Close()

	students := make([]*models.GroupStudent, 0)
	for rows.Next() {
		var s models.GroupStudent
		if err := rows.Scan(&s.ID, &s.FirstName, &s.LastName, &s.FullName, &s.IncidentCount); err != nil {
			return nil, fmt.Errorf("failed to scan group student: %w", err)
		}
		students = append(students, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating group students: %w", err)
	}

	return students, nil
}
