// Package apierror defines the typed error value that replaces network failures
// in the cache response stream, and the factory that classifies raw errors.
package apierror

import (
	"errors"
	"fmt"
)

// Code identifies the broad category of a failed network call.
type Code int

const (
	CodeUnknown Code = iota
	CodeNetwork
	CodeUnexpectedResponse
	CodeUnauthorised
	CodeNotFound
	CodeServerError
)

func (c Code) String() string {
	switch c {
	case CodeNetwork:
		return "NETWORK"
	case CodeUnexpectedResponse:
		return "UNEXPECTED_RESPONSE"
	case CodeUnauthorised:
		return "UNAUTHORISED"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeServerError:
		return "SERVER_ERROR"
	default:
		return "UNKNOWN"
	}
}

// NonHTTPStatus is the HTTPStatus of errors that did not come from an HTTP response.
const NonHTTPStatus = -1

var (
	ErrEmptyResponse = errors.New("response was empty")
	ErrTimeout       = errors.New("network call timed out")
)

// Error is a classified network failure. It travels inside cache responses
// instead of being returned to the caller.
type Error struct {
	Cause       error
	HTTPStatus  int
	Code        Code
	Description string
}

func (e *Error) Error() string {
	if e.HTTPStatus != NonHTTPStatus {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.HTTPStatus, e.Description)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsNetworkError reports whether the failure is transient and caused by the
// network, in which case a stale cached payload is still worth serving.
func (e *Error) IsNetworkError() bool {
	return e != nil && e.Code == CodeNetwork
}

// StatusError is returned by producers when the server answered with a status
// code that must not be cached. Raw optionally holds the dumped response.
type StatusError struct {
	StatusCode int
	Status     string
	Raw        []byte
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return "unexpected status: " + e.Status
	}
	return fmt.Sprintf("unexpected status: %d", e.StatusCode)
}

func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}
