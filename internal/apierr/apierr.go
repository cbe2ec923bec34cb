package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a service-level failure category. Handlers map codes to
// HTTP statuses without translation loss.
type Code string

const (
	CodeBadRequest             Code = "BAD_REQUEST"
	CodeBadCursor              Code = "BAD_CURSOR"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeForbidden              Code = "FORBIDDEN"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInvalidState           Code = "INVALID_STATE"
	CodeDedupInflight          Code = "DEDUP_INFLIGHT"
	CodeIdempotencyKeyRequired Code = "IDEMPOTENCY_KEY_REQUIRED"
	CodeIdempotencyKeyReused   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeUnavailable            Code = "UNAVAILABLE"
	CodeInternal               Code = "INTERNAL"
)

// Error is the typed error raised by the job services and mapped by the HTTP
// layer. Details carries structured context (e.g. the existing job id on a
// dedup collision).
type Error struct {
	Status  int
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

func BadCursor(message string) *Error {
	return New(http.StatusBadRequest, CodeBadCursor, message)
}

func NotFound(message string) *Error {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func InvalidState(message string) *Error {
	return New(http.StatusConflict, CodeInvalidState, message)
}

func DedupInflight(existingJobID string) *Error {
	e := New(http.StatusConflict, CodeDedupInflight, "A job with this dedup key is already in-flight.")
	e.Details = map[string]any{"existingJobId": existingJobID}
	return e
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, CodeForbidden, message)
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

func PreconditionRequired(message string) *Error {
	return New(http.StatusPreconditionRequired, CodeIdempotencyKeyRequired, message)
}

func IdempotencyKeyReused(message string) *Error {
	return New(http.StatusConflict, CodeIdempotencyKeyReused, message)
}

func Unavailable(message string) *Error {
	return New(http.StatusServiceUnavailable, CodeUnavailable, message)
}

func Internal(message string) *Error {
	return New(http.StatusInternalServerError, CodeInternal, message)
}

// From normalizes an arbitrary error into an *Error, wrapping unknown errors
// as INTERNAL so handlers never leak raw failures with the wrong status.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err.Error())
}
