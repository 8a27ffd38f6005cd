package models

// GroupMembership is a materialized (group, student) row written by the
// recompute pass. A row exists only for members found by the last pass.
type GroupMembership struct {
	GroupID       int64 `db:"group_id"`
	StudentID     int64 `db:"student_id"`
	IncidentCount int   `db:"incident_count"`
}
