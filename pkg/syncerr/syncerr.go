package syncerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Code string

const (
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeRateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CodeInternalServerError Code = "INTERNAL_SERVER_ERROR"
	CodeHTTPError           Code = "HTTP_ERROR"
	CodeNetworkError        Code = "NETWORK_ERROR"

	// Malformed remote payloads and structurally invalid records.
	CodeValidation Code = "VALIDATION_ERROR"
	// Conflict policy misconfiguration.
	CodePolicy Code = "POLICY_ERROR"
)

// Error is the typed error raised by the remote client and the sync services.
// Status is the HTTP status when the error came from a response, 0 otherwise.
type Error struct {
	Code    Code
	Status  int
	Message string
	Details json.RawMessage
	Err     error
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Status != 0 {
		msg = http.StatusText(e.Status)
	}
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (status=%d): %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// CodeForStatus maps an HTTP status to its stable code.
func CodeForStatus(status int) Code {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusTooManyRequests:
		return CodeRateLimitExceeded
	case http.StatusInternalServerError:
		return CodeInternalServerError
	default:
		return CodeHTTPError
	}
}

func FromStatus(status int, msg string, details json.RawMessage) *Error {
	return &Error{
		Code:    CodeForStatus(status),
		Status:  status,
		Message: msg,
		Details: details,
	}
}

func Network(err error) *Error {
	msg := "network error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: CodeNetworkError, Message: msg, Err: err}
}

func Validation(msg string, err error) *Error {
	return &Error{Code: CodeValidation, Message: msg, Err: err}
}

func Policy(format string, args ...any) *Error {
	return &Error{Code: CodePolicy, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	if e, ok := errors.AsType[*Error](err); ok && e != nil {
		return e.Code
	}
	return ""
}

func StatusOf(err error) int {
	if e, ok := errors.AsType[*Error](err); ok && e != nil {
		return e.Status
	}
	return 0
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether a request that failed with err may be attempted
// again: network failures, 5xx responses and 429.
func Retryable(err error) bool {
	e, ok := errors.AsType[*Error](err)
	if !ok || e == nil {
		return false
	}
	if e.Code == CodeNetworkError {
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}
