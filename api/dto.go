package api

import (
	"fmt"
	"reflect"
	"strings"

	"rollgroups/models"

	"github.com/go-playground/validator/v10"
)

// GroupRequest is the body accepted by POST /groups and PUT /groups/:id
type GroupRequest struct {
	Name          string `json:"name" validate:"required,max=255"`
	NumberOfWeeks *int   `json:"number_of_weeks" validate:"required,min=1"`
	RollStates    string `json:"roll_states" validate:"required,oneof=unmark present absent late"`
	Incidents     *int   `json:"incidents" validate:"required,min=0"`
	Ltmt          string `json:"ltmt" validate:"required,oneof=> <"`
}

// ToInput converts a validated request into the service input
func (r *GroupRequest) ToInput() *models.GroupInput {
	return &models.GroupInput{
		Name:          strings.TrimSpace(r.Name),
		NumberOfWeeks: *r.NumberOfWeeks,
		RollStates:    r.RollStates,
		Incidents:     *r.Incidents,
		Ltmt:          r.Ltmt,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their JSON names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessages flattens validator errors into field -> message
func validationMessages(err error) map[string]string {
	out := make(map[string]string)
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		out["body"] = err.Error()
		return out
	}
	for _, fe := range verrs {
		out[fe.Field()] = describeViolation(fe)
	}
	return out
}

func describeViolation(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
