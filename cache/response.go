package cache

import (
	"context"
	"time"

	"github.com/Arthur1/stalecache/apierror"
)

// Duration splits the time spent serving a response.
type Duration struct {
	Disk    time.Duration
	Network time.Duration
}

// Response is one emission of a served call. Err is set when the network
// call failed; such responses are never stored.
type Response[R any] struct {
	Payload  R
	Token    Token
	Err      *apierror.Error
	Duration Duration
}

// Producer performs the network call of a request. It is called at most once
// per fetch.
type Producer[R any] func(ctx context.Context) (R, error)

// Fetcher is a Producer that reports failures inside the Response.
type Fetcher[R any] func(ctx context.Context) Response[R]

// Final drains responses and returns the last one. ok is false when nothing
// was emitted or ctx ended first.
func Final[R any](ctx context.Context, responses <-chan Response[R]) (last Response[R], ok bool) {
	for {
		select {
		case <-ctx.Done():
			return last, false
		case r, more := <-responses:
			if !more {
				return last, ok
			}
			last, ok = r, true
		}
	}
}

// Collect drains responses until the call completes.
func Collect[R any](responses <-chan Response[R]) []Response[R] {
	var all []Response[R]
	for r := range responses {
		all = append(all, r)
	}
	return all
}
