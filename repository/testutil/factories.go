package testutil

import (
	"context"
	"testing"
	"time"

	"rollgroups/database"
	"rollgroups/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

// CreateTestGroupInput creates a group input with the given rule
func CreateTestGroupInput(name string, weeks int, state models.RollState, incidents int, ltmt string) *models.GroupInput {
	return &models.GroupInput{
		Name:          name,
		NumberOfWeeks: weeks,
		RollStates:    string(state),
		Incidents:     incidents,
		Ltmt:          ltmt,
	}
}

// InsertRawGroup writes a group row directly, bypassing validation, so
// tests can store configurations the API would reject
func InsertRawGroup(t *testing.T, db *database.DB, name string, weeks, incidents *int, state, ltmt string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(context.Background(), `
		INSERT INTO groups (name, number_of_weeks, roll_states, incidents, ltmt)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, name, weeks, state, incidents, ltmt).Scan(&id)
	require.NoError(t, err)
	return id
}

// InsertStudent creates a student and returns its ID
func InsertStudent(t *testing.T, db *database.DB, firstName, lastName string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(context.Background(),
		`INSERT INTO students (first_name, last_name) VALUES ($1, $2) RETURNING id`,
		firstName, lastName,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

// RollEntry is one student's state on a roll
type RollEntry struct {
	StudentID int64
	State     models.RollState
}

// InsertRoll creates a completed roll with its entries in one transaction
func InsertRoll(t *testing.T, db *database.DB, completedAt time.Time, entries ...RollEntry) int64 {
	t.Helper()
	var rollID int64
	err := db.WithTransaction(context.Background(), func(tx pgx.Tx) error {
		ctx := context.Background()
		if err := tx.QueryRow(ctx,
			`INSERT INTO rolls (name, completed_at) VALUES ($1, $2) RETURNING id`,
			"Roll "+completedAt.Format(time.RFC3339), completedAt,
		).Scan(&rollID); err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := tx.Exec(ctx,
				`INSERT INTO student_roll_states (student_id, roll_id, state) VALUES ($1, $2, $3)`,
				e.StudentID, rollID, e.State,
			); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return rollID
}

// RecordIncidents creates one roll per instant, each holding a single entry
// for studentID in state
func RecordIncidents(t *testing.T, db *database.DB, studentID int64, state models.RollState, at ...time.Time) {
	t.Helper()
	for _, completedAt := range at {
		InsertRoll(t, db, completedAt, RollEntry{StudentID: studentID, State: state})
	}
}

// CreateTestRecomputeRun creates a finished run record
func CreateTestRecomputeRun(startedAt time.Time, state models.RecomputeState) *models.RecomputeRun {
	return &models.RecomputeRun{
		ID:              uuid.New(),
		State:           state,
		ReferenceTime:   startedAt,
		StartedAt:       startedAt,
		FinishedAt:      startedAt.Add(2 * time.Second),
		CompletedGroups: 3,
		SkippedGroups:   1,
		ExecutionSummary: map[string]interface{}{
			"mode":            "replace",
			"membership_rows": 12,
		},
	}
}
