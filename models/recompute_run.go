package models

import (
	"time"

	"github.com/google/uuid"
)

// RecomputeState is the lifecycle state of one recompute pass
type RecomputeState string

const (
	RecomputeStateIdle             RecomputeState = "idle"
	RecomputeStateClearing         RecomputeState = "clearing"
	RecomputeStateProcessingGroups RecomputeState = "processing_groups"
	RecomputeStateCompleted        RecomputeState = "completed"
	RecomputeStateFailed           RecomputeState = "failed"
	RecomputeStateCancelled        RecomputeState = "cancelled"
)

// IsTerminal reports whether the pass has finished
func (s RecomputeState) IsTerminal() bool {
	return s == RecomputeStateCompleted || s == RecomputeStateFailed || s == RecomputeStateCancelled
}

// ErrorKind classifies why a group was skipped or a pass failed
type ErrorKind string

const (
	ErrorKindInvalidGroupConfiguration ErrorKind = "invalid_group_configuration"
	ErrorKindAggregationFailure        ErrorKind = "aggregation_failure"
	ErrorKindMaterializationFailure    ErrorKind = "materialization_failure"
	ErrorKindCancelled                 ErrorKind = "cancelled"
	ErrorKindPassFatal                 ErrorKind = "pass_fatal"
)

// GroupOutcome describes a group that was recomputed successfully
type GroupOutcome struct {
	GroupID      int64     `json:"group_id"`
	Name         string    `json:"name"`
	StudentCount int       `json:"student_count"`
	RunAt        time.Time `json:"run_at"`
}

// GroupFailure describes a group skipped during a pass
type GroupFailure struct {
	GroupID int64     `json:"group_id"`
	Name    string    `json:"name"`
	Kind    ErrorKind `json:"kind"`
	Reason  string    `json:"reason"`
}

// RecomputeResult is returned by a recompute pass. Every group of the
// snapshot appears in exactly one of Completed or Skipped, unless the pass
// failed before the snapshot was taken.
type RecomputeResult struct {
	RunID         uuid.UUID      `json:"run_id"`
	State         RecomputeState `json:"state"`
	Mode          string         `json:"mode"`
	ReferenceTime time.Time      `json:"reference_time"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Completed     []GroupOutcome `json:"completed_groups"`
	Skipped       []GroupFailure `json:"skipped_groups"`
	FatalError    string         `json:"fatal_error,omitempty"`
}

// MembershipRows returns the number of membership rows written by the pass
func (r *RecomputeResult) MembershipRows() int {
	total := 0
	for _, outcome := range r.Completed {
		total += outcome.StudentCount
	}
	return total
}

// RecomputeRun is the persisted record of a finished pass
type RecomputeRun struct {
	ID               uuid.UUID              `db:"id" json:"id"`
	State            RecomputeState         `db:"state" json:"state"`
	ReferenceTime    time.Time              `db:"reference_time" json:"reference_time"`
	StartedAt        time.Time              `db:"started_at" json:"started_at"`
	FinishedAt       time.Time              `db:"finished_at" json:"finished_at"`
	CompletedGroups  int                    `db:"completed_groups" json:"completed_groups"`
	SkippedGroups    int                    `db:"skipped_groups" json:"skipped_groups"`
	ExecutionSummary map[string]interface{} `db:"execution_summary" json:"execution_summary"`
	CreatedAt        time.Time              `db:"created_at" json:"created_at"`
}
