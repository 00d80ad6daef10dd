package executor

import (
	"errors"
	"fmt"
)

// Common errors returned by the executor.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a retry delay.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrInvalidRequest is returned for requests missing a method or path.
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrorClass represents a classification of upstream API failures.
type ErrorClass string

const (
	// ErrorClassValidation represents a malformed request rejected before dispatch.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassClient represents non-recoverable failures: 400, 404, or no
	// HTTP status at all (the request never produced a response).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassAuth represents 401 responses, recovered by invalidating the
	// cached credential and retrying.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassServer represents transient 5xx server failures.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassUnknown represents any other status, retried with linear backoff.
	ErrorClassUnknown ErrorClass = "unknown"
)

// APIError represents an upstream API failure with request context attached.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Method     string
	URL        string
	Attempt    int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s error (status %d, attempt %d): %s: %v",
			e.Method, e.URL, e.Class, e.StatusCode, e.Attempt, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s error (status %d, attempt %d): %s",
		e.Method, e.URL, e.Class, e.StatusCode, e.Attempt, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus categorizes an HTTP status code. A status of 0 means the
// request never produced a response (network failure), which the upstream API
// contract treats the same as a malformed request: not worth retrying.
func classifyStatus(status int) ErrorClass {
	switch status {
	case 0, 400, 404:
		return ErrorClassClient
	case 401:
		return ErrorClassAuth
	case 429:
		return ErrorClassRateLimit
	case 500, 502, 503, 504:
		return ErrorClassServer
	default:
		return ErrorClassUnknown
	}
}

// recoverable reports whether an error class is handled inside the executor
// via retry. Validation and client errors surface immediately.
func recoverable(class ErrorClass) bool {
	switch class {
	case ErrorClassAuth, ErrorClassRateLimit, ErrorClassServer, ErrorClassUnknown:
		return true
	default:
		return false
	}
}
