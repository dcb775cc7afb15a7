package engine

import (
	"errors"
	"fmt"

	"formflow/internal/store"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
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

func NotFoundError(entity, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", entity, id),
	}
}

func UnauthorizedError(msg string) *AppError {
	return NewAppError("UNAUTHORIZED", 401, msg)
}

func ForbiddenError(msg string) *AppError {
	return NewAppError("PERMISSION_DENIED", 403, msg)
}

func InvalidPayloadError(msg string) *AppError {
	return NewAppError("INVALID_PAYLOAD", 400, msg)
}

func InvalidStateError(msg string) *AppError {
	return NewAppError("INVALID_STATE", 409, msg)
}

func ConflictError(msg string) *AppError {
	return NewAppError("CONFLICT", 409, msg)
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

// notFoundOr maps store.ErrNotFound to a NotFound AppError and wraps anything else.
func notFoundOr(err error, entity, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return NotFoundError(entity, id)
	}
	return fmt.Errorf("load %s %s: %w", entity, id, err)
}
