package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Factory converts any error raised by a network producer into an *Error.
type Factory interface {
	NewError(err error) *Error
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(err error) *Error

func (f FactoryFunc) NewError(err error) *Error {
	return f(err)
}

type httpStatusError interface {
	HTTPStatus() int
}

// DefaultFactory classifies errors the way most HTTP APIs need:
//   - timeouts, net.Error, io/syscall errors -> CodeNetwork
//   - JSON syntax or type errors -> CodeUnexpectedResponse
//   - errors carrying an HTTP status -> 401/404/5xx codes, CodeUnknown otherwise
//   - anything else -> CodeUnknown
type DefaultFactory struct{}

var _ Factory = DefaultFactory{}

// NewFactory returns the default error factory.
func NewFactory() DefaultFactory {
	return DefaultFactory{}
}

func (DefaultFactory) NewError(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	// Timeouts first, they are also net.Errors.
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return newError(err, NonHTTPStatus, CodeNetwork)
	}

	var he httpStatusError
	if errors.As(err, &he) {
		return newError(err, he.HTTPStatus(), classifyStatus(he.HTTPStatus()))
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, ErrEmptyResponse) {
		return newError(err, NonHTTPStatus, CodeUnexpectedResponse)
	}

	var netErr net.Error
	var errno syscall.Errno
	if errors.As(err, &netErr) || errors.As(err, &errno) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return newError(err, NonHTTPStatus, CodeNetwork)
	}

	return newError(err, NonHTTPStatus, CodeUnknown)
}

func newError(err error, status int, code Code) *Error {
	return &Error{
		Cause:       err,
		HTTPStatus:  status,
		Code:        code,
		Description: err.Error(),
	}
}

func classifyStatus(code int) Code {
	switch {
	case code == 401:
		return CodeUnauthorised
	case code == 404:
		return CodeNotFound
	case code >= 500:
		return CodeServerError
	default:
		return CodeUnknown
	}
}
