package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/Arthur1/stalecache/apierror"
)

var ErrNoErrorFactory = errors.New("cache: error factory is required")

// ErrorInterceptor turns a Producer into a Fetcher: timeouts, empty results
// and errors become typed *apierror.Error values carried by a placeholder
// response tagged DO_NOT_CACHE.
type ErrorInterceptor struct {
	factory apierror.Factory
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewErrorInterceptor returns an ErrorInterceptor. A timeout <= 0 disables
// the per-request timeout.
func NewErrorInterceptor(factory apierror.Factory, timeout time.Duration, logger *slog.Logger, now func() time.Time) (*ErrorInterceptor, error) {
	if factory == nil {
		return nil, ErrNoErrorFactory
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &ErrorInterceptor{factory: factory, timeout: timeout, logger: logger, now: now}, nil
}

// Intercept wraps producer for the call described by token.
func Intercept[R any](e *ErrorInterceptor, token Token, producer Producer[R]) Fetcher[R] {
	return func(ctx context.Context) Response[R] {
		start := e.now()
		payload, err := e.call(ctx, func(ctx context.Context) (any, error) {
			return producer(ctx)
		})
		elapsed := e.now().Sub(start)

		if err == nil && isEmpty(payload) {
			err = apierror.ErrEmptyResponse
		}
		if err != nil {
			apiErr := e.factory.NewError(err)
			if apiErr == nil {
				apiErr = apierror.NewFactory().NewError(err)
			}
			e.logger.ErrorContext(ctx, "network request failed",
				slog.String("url", token.Identity.URL),
				slog.String("kind", token.Kind),
				slog.Bool("network_error", apiErr.IsNetworkError()),
				slog.Any("error", apiErr),
			)
			t := token.withStatus(StatusDoNotCache)
			t.FetchDate = start
			return Response[R]{Token: t, Err: apiErr, Duration: Duration{Network: elapsed}}
		}

		t := token
		t.FetchDate = start
		return Response[R]{Payload: payload.(R), Token: t, Duration: Duration{Network: elapsed}}
	}
}

// call runs op, giving up when the timeout elapses. A late result is discarded.
func (e *ErrorInterceptor) call(ctx context.Context, op func(context.Context) (any, error)) (v any, err error) {
	type result struct {
		v   any
		err error
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("producer panicked: %v", r)}
			}
		}()
		v, err := op(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", apierror.ErrTimeout, r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apierror.ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// isEmpty reports a nil payload, including typed nil pointers, maps and slices.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}
