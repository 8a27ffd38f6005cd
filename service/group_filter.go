package service

import (
	"fmt"
	"time"

	"rollgroups/models"
)

// Comparison is the direction in which a student's incident count is
// compared against a group's threshold
type Comparison int

const (
	// GreaterThan includes students whose count is strictly above the threshold
	GreaterThan Comparison = 1
	// LessThan includes students whose count is strictly below the threshold
	LessThan Comparison = -1
)

// ParseComparison maps a group's ltmt operator onto a Comparison
func ParseComparison(ltmt string) (Comparison, error) {
	switch ltmt {
	case models.LtmtGreaterThan:
		return GreaterThan, nil
	case models.LtmtLessThan:
		return LessThan, nil
	default:
		return 0, fmt.Errorf("%w: unrecognized ltmt operator %q", ErrInvalidGroupConfiguration, ltmt)
	}
}

// Direction returns +1 for GreaterThan and -1 for LessThan. A count c
// satisfies threshold k exactly when (c - k) * Direction() > 0.
func (c Comparison) Direction() int {
	return int(c)
}

// Matches reports whether count satisfies the comparison against threshold
func (c Comparison) Matches(count, threshold int) bool {
	return (count-threshold)*c.Direction() > 0
}

func (c Comparison) String() string {
	switch c {
	case GreaterThan:
		return models.LtmtGreaterThan
	case LessThan:
		return models.LtmtLessThan
	default:
		return fmt.Sprintf("Comparison(%d)", int(c))
	}
}

// WindowStart returns the instant numberOfWeeks weeks before now
func WindowStart(now time.Time, numberOfWeeks int) time.Time {
	return now.UTC().AddDate(0, 0, -7*numberOfWeeks)
}

// GroupFilter is a group's rule resolved against a reference instant
type GroupFilter struct {
	GroupID    int64
	State      string
	Since      time.Time
	Threshold  int
	Comparison Comparison
}

// NewGroupFilter validates a group and resolves its window against now.
// Errors wrap ErrInvalidGroupConfiguration.
func NewGroupFilter(group *models.Group, now time.Time) (GroupFilter, error) {
	if group.NumberOfWeeks == nil {
		return GroupFilter{}, fmt.Errorf("%w: number_of_weeks is missing", ErrInvalidGroupConfiguration)
	}
	if *group.NumberOfWeeks < 0 {
		return GroupFilter{}, fmt.Errorf("%w: number_of_weeks must not be negative, got %d",
			ErrInvalidGroupConfiguration, *group.NumberOfWeeks)
	}
	if group.Incidents == nil {
		return GroupFilter{}, fmt.Errorf("%w: incidents is missing", ErrInvalidGroupConfiguration)
	}
	if *group.Incidents < 0 {
		return GroupFilter{}, fmt.Errorf("%w: incidents must not be negative, got %d",
			ErrInvalidGroupConfiguration, *group.Incidents)
	}

	comparison, err := ParseComparison(group.Ltmt)
	if err != nil {
		return GroupFilter{}, err
	}

	return GroupFilter{
		GroupID:    group.ID,
		State:      group.RollStates,
		Since:      WindowStart(now, *group.NumberOfWeeks),
		Threshold:  *group.Incidents,
		Comparison: comparison,
	}, nil
}
