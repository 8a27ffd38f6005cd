package models

import (
	"time"
)

// RollState is the attendance status recorded for a student on a roll
type RollState string

const (
	RollStateUnmark  RollState = "unmark"
	RollStatePresent RollState = "present"
	RollStateAbsent  RollState = "absent"
	RollStateLate    RollState = "late"
)

// Roll is one completed attendance roll
type Roll struct {
	ID          int64     `db:"id"`
	Name        string    `db:"name"`
	CompletedAt time.Time `db:"completed_at"`
}

// StudentRollState records a student's state on a roll. Together with the
// roll's completion time it forms one immutable attendance event.
type StudentRollState struct {
	ID        int64     `db:"id"`
	StudentID int64     `db:"student_id"`
	RollID    int64     `db:"roll_id"`
	State     RollState `db:"state"`
}

// StudentIncidentCount is one row of a grouped roll aggregation
type StudentIncidentCount struct {
	StudentID int64 `db:"student_id"`
	Count     int   `db:"count"`
}
