package service

import (
	"errors"
	"fmt"

	"rollgroups/models"
)

var (
	// ErrInvalidGroupConfiguration marks a group whose filter cannot be evaluated
	ErrInvalidGroupConfiguration = errors.New("invalid group configuration")

	// ErrGroupNotFound is returned when a group ID does not exist
	ErrGroupNotFound = errors.New("group not found")

	// ErrPassInProgress is returned when another recompute pass holds the run lock
	ErrPassInProgress = errors.New("recompute pass already in progress")

	// ErrPassCancelled is returned when a pass stopped dispatching because its context was cancelled
	ErrPassCancelled = errors.New("recompute pass cancelled")
)

// GroupError is a failure isolated to one group during a pass
type GroupError struct {
	GroupID int64
	Kind    models.ErrorKind
	Err     error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("group %d: %s: %v", e.GroupID, e.Kind, e.Err)
}

func (e *GroupError) Unwrap() error {
	return e.Err
}

// PassError is a failure that aborted a whole pass
type PassError struct {
	Stage models.RecomputeState
	Err   error
}

func (e *PassError) Error() string {
	return fmt.Sprintf("recompute pass failed while %s: %v", e.Stage, e.Err)
}

func (e *PassError) Unwrap() error {
	return e.Err
}

// ErrorKindOf classifies err, defaulting to a materialization failure for
// errors that carry no kind
func ErrorKindOf(err error) models.ErrorKind {
	var groupErr *GroupError
	if errors.As(err, &groupErr) {
		return groupErr.Kind
	}
	var passErr *PassError
	if errors.As(err, &passErr) {
		return models.ErrorKindPassFatal
	}
	if errors.Is(err, ErrInvalidGroupConfiguration) {
		return models.ErrorKindInvalidGroupConfiguration
	}
	return models.ErrorKindMaterializationFailure
}
