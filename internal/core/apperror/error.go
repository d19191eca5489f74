// Package apperror provides structured error handling following RFC 7807 Problem Details.
// All engine errors must use AppError for consistent API responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes of the numbering service.
const (
	// Infrastructure errors (5xx)
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"

	// Contention (503, retryable)
	CodeBusy = "SEQUENCE_BUSY"

	// Validation errors (400)
	CodeInvalidArgument = "INVALID_ARGUMENT"

	// Business rule violations (422)
	CodeSequenceExhausted = "SEQUENCE_EXHAUSTED"
	CodeBlockExhausted    = "BLOCK_EXHAUSTED"
	CodeSequenceInactive  = "SEQUENCE_INACTIVE"

	// Quota (429)
	CodeQuotaExceeded = "QUOTA_EXCEEDED"

	// Authorization errors (401, 403)
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"

	// Conflict (409)
	CodeConflict           = "CONFLICT"
	CodeReservationInvalid = "RESERVATION_INVALID"
	CodeLeaseLost          = "LEASE_LOST"
)

// AppError is the standard error type for the service.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (sequence id, requested quantity, ...)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewInvalidArgument creates a validation error (400)
func NewInvalidArgument(message string) *AppError {
	return &AppError{
		Code:       CodeInvalidArgument,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewConflict creates a conflict error (409)
func NewConflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// NewDuplicate creates a conflict error for a unique field (409)
func NewDuplicate(entity, field, value string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    fmt.Sprintf("%s with this %s already exists", entity, field),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"entity": entity, "field": field, "value": value},
	}
}

// NewBusy is returned when the sequence lease could not be acquired within the retry budget.
func NewBusy(sequenceID string, attempts int) *AppError {
	return &AppError{
		Code:       CodeBusy,
		Message:    "Sequence is busy, retry later",
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]any{"sequence_id": sequenceID, "attempts": attempts},
	}
}

// NewSequenceExhausted is returned when an allocation would pass the sequence ceiling.
func NewSequenceExhausted(sequenceID string, requestedEnd, maxValue int64) *AppError {
	return &AppError{
		Code:       CodeSequenceExhausted,
		Message:    "Sequence would exceed its maximum value",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"sequence_id":   sequenceID,
			"requested_end": requestedEnd,
			"max_value":     maxValue,
		},
	}
}

// NewBlockExhausted is returned when a block has no unused values left.
func NewBlockExhausted(blockID string) *AppError {
	return &AppError{
		Code:       CodeBlockExhausted,
		Message:    "Block has no unused values",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"block_id": blockID},
	}
}

// NewReservationInvalid is returned when operating on a terminal reservation.
func NewReservationInvalid(ref, status string) *AppError {
	return &AppError{
		Code:       CodeReservationInvalid,
		Message:    fmt.Sprintf("Reservation is %s", status),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"reservation": ref, "status": status},
	}
}

// NewSequenceInactive is returned for mutations on a deactivated sequence.
func NewSequenceInactive(sequenceID string) *AppError {
	return &AppError{
		Code:       CodeSequenceInactive,
		Message:    "Sequence is deactivated",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"sequence_id": sequenceID},
	}
}

// NewQuotaExceeded is returned when an entity used up its daily or monthly allowance.
func NewQuotaExceeded(entityID, period string, limit, used int64) *AppError {
	return &AppError{
		Code:       CodeQuotaExceeded,
		Message:    fmt.Sprintf("%s quota exceeded", period),
		HTTPStatus: http.StatusTooManyRequests,
		Details: map[string]any{
			"entity_id": entityID,
			"period":    period,
			"limit":     limit,
			"used":      used,
		},
	}
}

// NewLeaseLost is returned when a holder tries to persist after its lease was reclaimed.
func NewLeaseLost(sequenceID string) *AppError {
	return &AppError{
		Code:       CodeLeaseLost,
		Message:    "Sequence lease expired before the write completed",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"sequence_id": sequenceID},
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewUnauthorized creates an authentication error (401)
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewForbidden creates an authorization error (403)
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }

// IsBusy checks if error is CodeBusy
func IsBusy(err error) bool { return HasCode(err, CodeBusy) }

// IsSequenceExhausted checks if error is CodeSequenceExhausted
func IsSequenceExhausted(err error) bool { return HasCode(err, CodeSequenceExhausted) }

// IsBlockExhausted checks if error is CodeBlockExhausted
func IsBlockExhausted(err error) bool { return HasCode(err, CodeBlockExhausted) }

// IsForbidden checks if error is CodeForbidden
func IsForbidden(err error) bool { return HasCode(err, CodeForbidden) }

// IsConflict checks if error is CodeConflict
func IsConflict(err error) bool { return HasCode(err, CodeConflict) }

// IsReservationInvalid checks if error is CodeReservationInvalid
func IsReservationInvalid(err error) bool { return HasCode(err, CodeReservationInvalid) }

// IsInvalidArgument checks if error is CodeInvalidArgument
func IsInvalidArgument(err error) bool { return HasCode(err, CodeInvalidArgument) }

// IsLeaseLost checks if error is CodeLeaseLost
func IsLeaseLost(err error) bool { return HasCode(err, CodeLeaseLost) }
