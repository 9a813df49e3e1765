package web

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
)

type AppError struct {
	Code    string `json:"code"`
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

// ErrorHandler is the central Fiber error handler: AppErrors keep their
// status and code, everything else becomes a logged 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}

	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(ErrorResponse{
		Error: &AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
