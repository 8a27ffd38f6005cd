package models

import (
	"time"
)

// Comparison operators accepted in Group.Ltmt
const (
	LtmtGreaterThan = ">"
	LtmtLessThan    = "<"
)

// Group is a named filter rule over the roll history. Its membership is
// derived by the recompute pass, never written directly. RunAt and
// StudentCount are the window start and member count of the last pass.
type Group struct {
	ID            int64      `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	NumberOfWeeks *int       `db:"number_of_weeks" json:"number_of_weeks"`
	RollStates    string     `db:"roll_states" json:"roll_states"`
	Incidents     *int       `db:"incidents" json:"incidents"`
	Ltmt          string     `db:"ltmt" json:"ltmt"`
	RunAt         *time.Time `db:"run_at" json:"run_at"`
	StudentCount  int        `db:"student_count" json:"student_count"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// GroupInput carries the externally editable fields of a group
type GroupInput struct {
	Name          string
	NumberOfWeeks int
	RollStates    string
	Incidents     int
	Ltmt          string
}
