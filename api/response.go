package api

import (
	"github.com/gofiber/fiber/v2"
)

// Error codes returned in the error_code field
const (
	ErrorCodeValidation     = "VALIDATION_ERROR"
	ErrorCodeNotFound       = "NOT_FOUND"
	ErrorCodePassInProgress = "PASS_IN_PROGRESS"
	ErrorCodePassFailed     = "PASS_FAILED"
	ErrorCodePassCancelled  = "PASS_CANCELLED"
	ErrorCodeInternal       = "INTERNAL_ERROR"
)

// Response is the envelope of every JSON body the API writes
type Response struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	Data      interface{}       `json:"data,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func jsonOK(c *fiber.Ctx, message string, data interface{}) error {
	return c.Status(fiber.StatusOK).JSON(Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

func jsonCreated(c *fiber.Ctx, message string, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

func jsonError(c *fiber.Ctx, status int, message, code string) error {
	return c.Status(status).JSON(Response{
		Success:   false,
		Message:   message,
		ErrorCode: code,
	})
}

// jsonErrorWithData is used when a failed request still produced a result
// worth returning, such as a pass that aborted part way through
func jsonErrorWithData(c *fiber.Ctx, status int, message, code string, data interface{}) error {
	return c.Status(status).JSON(Response{
		Success:   false,
		Message:   message,
		ErrorCode: code,
		Data:      data,
	})
}

func jsonValidationError(c *fiber.Ctx, message string, errs map[string]string) error {
	return c.Status(fiber.StatusBadRequest).JSON(Response{
		Success:   false,
		Message:   message,
		ErrorCode: ErrorCodeValidation,
		Errors:    errs,
	})
}
