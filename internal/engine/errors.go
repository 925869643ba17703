package engine

import (
	"fmt"
	"sort"

	"layer-engine/internal/mapper"
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

func NotFoundError(layer, pk string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with pk %s not found", layer, pk),
	}
}

func UnknownLayerError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_LAYER",
		Status:  404,
		Message: fmt.Sprintf("Unknown layer: %s", name),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

// FieldValidationError flattens mapper field errors into details, sorted by field.
func FieldValidationError(errs mapper.FieldErrors) *AppError {
	fields := make([]string, 0, len(errs))
	for f := range errs {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	var details []ErrorDetail
	for _, f := range fields {
		for _, msg := range errs[f] {
			details = append(details, ErrorDetail{Field: f, Message: msg})
		}
	}
	return ValidationError(details)
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHENTICATED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

func BadRequestError(code, msg string) *AppError {
	return &AppError{Code: code, Status: 400, Message: msg}
}

func ConfigurationError(msg string) *AppError {
	return &AppError{Code: "INVALID_CONFIGURATION", Status: 422, Message: msg}
}
