package stalecache

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/Arthur1/stalecache/apierror"
	"github.com/Arthur1/stalecache/cache"
)

// StatusHeader reports the cache status of a response served by Transport.
const StatusHeader = "X-Cache-Status"

// Transport is an http.RoundTripper that serves responses through a Client.
// Responses are stored as their HTTP/1.1 wire dump.
type Transport struct {
	client               *Client
	child                http.RoundTripper
	cacheableStatusCodes map[int]struct{}
	logger               *slog.Logger
	ttl                  time.Duration
	intent               cache.Intent
	kind                 string
	serveStale           bool
}

var (
	defaultChild                = http.DefaultTransport
	defaultCacheableStatusCodes = map[int]struct{}{http.StatusOK: {}}
	defaultTTL                  = 1 * time.Minute
	defaultKind                 = "http"
)

type options struct {
	child                http.RoundTripper
	cacheableStatusCodes map[int]struct{}
	logger               *slog.Logger
	ttl                  time.Duration
	intent               cache.Intent
	kind                 string
	serveStale           bool
}

type Option interface {
	apply(opts *options)
}

var (
	_ Option = childOption{}
	_ Option = cacheableStatusCodesOption{}
	_ Option = loggerOption{}
	_ Option = ttlOption(0)
	_ Option = intentOption(0)
	_ Option = kindOption("")
	_ Option = serveStaleOption(false)
)

type childOption struct {
	child http.RoundTripper
}

func (o childOption) apply(opts *options) {
	opts.child = http.RoundTripper(o.child)
}

func WithChild(child http.RoundTripper) childOption {
	return childOption{child}
}

type cacheableStatusCodesOption []int

func (o cacheableStatusCodesOption) apply(opts *options) {
	opts.cacheableStatusCodes = map[int]struct{}{}
	for _, statusCode := range o {
		opts.cacheableStatusCodes[statusCode] = struct{}{}
	}
}

func WithCacheableStatusCodes(statusCodes []int) cacheableStatusCodesOption {
	return cacheableStatusCodesOption(statusCodes)
}

type loggerOption struct {
	logger *slog.Logger
}

func (o loggerOption) apply(opts *options) {
	opts.logger = o.logger
}

func WithLogger(logger *slog.Logger) loggerOption {
	return loggerOption{logger}
}

type ttlOption time.Duration

func (o ttlOption) apply(opts *options) {
	opts.ttl = time.Duration(o)
}

func WithTTL(ttl time.Duration) ttlOption {
	return ttlOption(ttl)
}

type intentOption cache.Intent

func (o intentOption) apply(opts *options) {
	opts.intent = cache.Intent(o)
}

// WithIntent sets the intent of requests without a Cache-Control directive.
func WithIntent(intent cache.Intent) intentOption {
	return intentOption(intent)
}

type kindOption string

func (o kindOption) apply(opts *options) {
	opts.kind = string(o)
}

// WithKind sets the kind rows are stored under, for flushing and statistics.
func WithKind(kind string) kindOption {
	return kindOption(kind)
}

type serveStaleOption bool

func (o serveStaleOption) apply(opts *options) {
	opts.serveStale = bool(o)
}

// WithServeStale returns an expired response immediately and refreshes it in
// the background. When off, RoundTrip waits for the refresh.
func WithServeStale(serveStale bool) serveStaleOption {
	return serveStaleOption(serveStale)
}

func NewTransport(client *Client, opts ...Option) http.RoundTripper {
	options := &options{
		child:                defaultChild,
		logger:               defaultLogger,
		cacheableStatusCodes: defaultCacheableStatusCodes,
		ttl:                  defaultTTL,
		intent:               cache.IntentCache,
		kind:                 defaultKind,
		serveStale:           true,
	}

	for _, o := range opts {
		o.apply(options)
	}

	return &Transport{
		client:               client,
		child:                options.child,
		logger:               options.logger,
		cacheableStatusCodes: options.cacheableStatusCodes,
		ttl:                  options.ttl,
		intent:               options.intent,
		kind:                 options.kind,
		serveStale:           options.serveStale,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	identity, body, err := identityOf(req)
	if err != nil {
		t.logger.ErrorContext(ctx, "through stalecache because failed to read request body", slog.Any("error", err))
		return t.child.RoundTrip(req)
	}

	token := cache.NewToken(identity, t.ttl, t.intentOf(req), t.kind)
	responses := Serve(ctx, t.client, token, func(ctx context.Context) ([]byte, error) {
		return t.fetch(ctx, req, body)
	})

	var (
		res cache.Response[[]byte]
		ok  bool
	)
	if t.serveStale {
		res, ok = <-responses
	} else {
		res, ok = cache.Final(ctx, responses)
	}
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("stalecache: no response")
	}
	return t.toHTTP(ctx, req, res)
}

// fetch performs the network call and dumps the response. Uncacheable
// status codes are reported as *apierror.StatusError carrying the dump.
func (t *Transport) fetch(ctx context.Context, req *http.Request, body []byte) ([]byte, error) {
	out := req.Clone(ctx)
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
	}
	res, err := t.child.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	resb, err := httputil.DumpResponse(res, true)
	if err != nil {
		return nil, err
	}
	if _, ok := t.cacheableStatusCodes[res.StatusCode]; !ok {
		return nil, &apierror.StatusError{StatusCode: res.StatusCode, Status: res.Status, Raw: resb}
	}
	return resb, nil
}

func (t *Transport) toHTTP(ctx context.Context, req *http.Request, r cache.Response[[]byte]) (*http.Response, error) {
	resb := r.Payload
	if r.Err != nil {
		var statusErr *apierror.StatusError
		switch {
		case errors.As(r.Err, &statusErr) && statusErr.Raw != nil:
			resb = statusErr.Raw
		case r.Err.IsNetworkError() && resb != nil:
			t.logger.WarnContext(ctx, "serving stale response", slog.Any("error", r.Err))
		default:
			return nil, r.Err
		}
	}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(resb)), req)
	if err != nil {
		return nil, err
	}
	res.Header.Set(StatusHeader, r.Token.Status.String())
	return res, nil
}

// intentOf maps Cache-Control request directives to an intent.
func (t *Transport) intentOf(req *http.Request) cache.Intent {
	for _, directive := range strings.Split(req.Header.Get("Cache-Control"), ",") {
		switch strings.ToLower(strings.TrimSpace(directive)) {
		case "no-store":
			return cache.IntentDoNotCache
		case "no-cache", "max-age=0":
			return cache.IntentRefresh
		}
	}
	return t.intent
}

// identityOf reads and restores the request body. Methods other than GET are
// part of the identity.
func identityOf(req *http.Request) (cache.Identity, []byte, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return cache.Identity{}, nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	url := req.URL.String()
	if req.Method != "" && req.Method != http.MethodGet {
		url = req.Method + " " + url
	}
	return cache.Identity{URL: url, Body: string(body)}, body, nil
}
