package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/Arthur1/stalecache/cache/codec"
	"github.com/Arthur1/stalecache/cache/key"
	"github.com/Arthur1/stalecache/internal/telemetry"
)

var ErrNoStore = errors.New("cache: store is required")

const defaultTTL = time.Hour

// ManagerConfig wires the collaborators of a Manager. Store is required; the
// other fields have defaults.
type ManagerConfig struct {
	Store  Store
	Codec  *codec.Codec  // default: JSON, no compression or encryption
	Hasher *key.Hasher   // default: key.NewHasher()
	Logger *slog.Logger  // default: slog.Default()
	Now    func() time.Time
	// DefaultTTL applies to tokens with TTL <= 0. Default: 1 hour.
	DefaultTTL time.Duration
	// CoalesceFetches shares one in-flight network call between concurrent
	// calls for the same key. Off by default: concurrent misses for a key
	// each fetch and the last write wins.
	CoalesceFetches bool
	Metrics         *telemetry.Metrics
	Tracer          trace.Tracer
}

// Manager decides, for every call, whether to serve from the store, fetch
// from the network, or both.
type Manager struct {
	store      Store
	codec      *codec.Codec
	hasher     *key.Hasher
	logger     *slog.Logger
	now        func() time.Time
	defaultTTL time.Duration
	coalesce   bool
	group      singleflight.Group
	metrics    *telemetry.Metrics
	tracer     trace.Tracer

	pending sync.WaitGroup
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	m := &Manager{
		store:      cfg.Store,
		codec:      cfg.Codec,
		hasher:     cfg.Hasher,
		logger:     cfg.Logger,
		now:        cfg.Now,
		defaultTTL: cfg.DefaultTTL,
		coalesce:   cfg.CoalesceFetches,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.codec == nil {
		c, err := codec.New(codec.Options{Logger: m.logger})
		if err != nil {
			return nil, err
		}
		m.codec = c
	}
	if m.hasher == nil {
		m.hasher = key.NewHasher(key.WithLogger(m.logger))
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.defaultTTL <= 0 {
		m.defaultTTL = defaultTTL
	}
	if m.tracer == nil {
		m.tracer = telemetry.Tracer(nil)
	}
	return m, nil
}

// Key returns the store key of identity.
func (m *Manager) Key(identity Identity) string {
	return m.hasher.Key(identity.URL, identity.Body)
}

// Wait blocks until every background fetch, refresh and store write started
// by Serve has finished.
func (m *Manager) Wait() {
	m.pending.Wait()
}

// Serve answers the call described by token. The returned channel yields one
// response, or a STALE response followed by exactly one final response, and
// is then closed.
//
// Cancelling ctx stops delivery to the caller but does not abort an in-flight
// network call nor the store write that follows it.
func Serve[R any](ctx context.Context, m *Manager, token Token, fetch Fetcher[R]) <-chan Response[R] {
	// A call emits at most two responses, so sends on out never block.
	out := make(chan Response[R], 2)
	if token.TTL <= 0 {
		token.TTL = m.defaultTTL
	}

	ctx, span := m.tracer.Start(ctx, "stalecache.Serve", trace.WithAttributes(
		attribute.String("cache.kind", token.Kind),
		attribute.String("cache.intent", token.Intent().String()),
	))

	if token.Intent() == IntentDoNotCache {
		m.spawn(func() {
			defer close(out)
			defer span.End()
			res := fetch(context.WithoutCancel(ctx))
			res.Token = token.notCached(fetchDate(res, m.now))
			emit(ctx, m, out, res)
		})
		return out
	}

	key := m.Key(token.Identity)
	cached, row, hit := lookup[R](ctx, m, key, token)
	if !hit {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		m.spawn(func() {
			defer close(out)
			defer span.End()
			fetchAndCache(ctx, m, key, token, fetch, m.codec.Defaults(), out)
		})
		return out
	}

	span.SetAttributes(attribute.Bool("cache.hit", true), attribute.String("cache.status", cached.Token.Status.String()))
	if cached.Token.Status == StatusCached {
		emit(ctx, m, out, cached)
		close(out)
		span.End()
		return out
	}

	// The stale response is queued before the refresh is started.
	emit(ctx, m, out, cached)
	m.spawn(func() {
		defer close(out)
		defer span.End()
		refresh(ctx, m, key, token, cached, flagsOf(row), fetch, out)
	})
	return out
}

// lookup reads and decodes the row for key. Store and codec failures are
// reported as a miss.
func lookup[R any](ctx context.Context, m *Manager, key string, token Token) (Response[R], *Row, bool) {
	start := m.now()
	row, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.metrics.StoreError("get")
		m.logger.ErrorContext(ctx, "failed to read cache, fetching from network", slog.Any("error", err))
		return Response[R]{}, nil, false
	}
	if !ok {
		m.logger.DebugContext(ctx, "cache miss", slog.String("url", token.Identity.URL), slog.String("kind", token.Kind))
		return Response[R]{}, nil, false
	}

	var payload R
	if !m.codec.Decode(ctx, row.Payload, &payload, flagsOf(row), func() { m.flushCorrupted(ctx) }) {
		return Response[R]{}, nil, false
	}

	now := m.now()
	status := StatusCached
	if token.Intent() == IntentRefresh || now.After(row.ExpiryDate) {
		status = StatusStale
	}
	m.logger.DebugContext(ctx, "cache hit",
		slog.String("url", token.Identity.URL),
		slog.String("kind", token.Kind),
		slog.String("status", status.String()),
		slog.Time("expiry_date", row.ExpiryDate),
	)
	return Response[R]{
		Payload:  payload,
		Token:    token.cached(status, row.CacheDate, row.ExpiryDate),
		Duration: Duration{Disk: now.Sub(start)},
	}, row, true
}

// fetchAndCache handles a miss: the fetched response is emitted first and
// stored afterwards, only when it carries no error.
func fetchAndCache[R any](ctx context.Context, m *Manager, key string, token Token, fetch Fetcher[R], flags codec.Flags, out chan<- Response[R]) {
	fctx := context.WithoutCancel(ctx)
	res := fetchShared(fctx, m, key, token, fetch)
	if res.Err != nil {
		res.Token = token.notCached(fetchDate(res, m.now))
		emit(ctx, m, out, res)
		return
	}

	res.Token = token.fresh(StatusFresh, m.now())
	emit(ctx, m, out, res)
	m.persist(fctx, key, res.Token, res.Payload, flags)
}

// refresh follows a STALE emission with its final response.
func refresh[R any](ctx context.Context, m *Manager, key string, token Token, stale Response[R], flags codec.Flags, fetch Fetcher[R], out chan<- Response[R]) {
	fctx := context.WithoutCancel(ctx)
	res := fetchShared(fctx, m, key, token, fetch)
	if res.Err == nil {
		res.Token = token.fresh(StatusRefreshed, m.now())
		res.Duration.Disk = stale.Duration.Disk
		emit(ctx, m, out, res)
		m.persist(fctx, key, res.Token, res.Payload, flags)
		return
	}

	// The stale row stays in place until a later refresh succeeds. Only a
	// network failure keeps the stale payload.
	network := res.Err.IsNetworkError()
	final := Response[R]{
		Token:    stale.Token.refreshFailed(network, fetchDate(res, m.now)),
		Err:      res.Err,
		Duration: Duration{Disk: stale.Duration.Disk, Network: res.Duration.Network},
	}
	if network {
		final.Payload = stale.Payload
	}
	m.logger.WarnContext(ctx, "could not refresh stale response",
		slog.String("url", token.Identity.URL),
		slog.Bool("serving_stale", network),
		slog.Any("error", res.Err),
	)
	emit(ctx, m, out, final)
}

func fetchShared[R any](ctx context.Context, m *Manager, key string, token Token, fetch Fetcher[R]) Response[R] {
	ctx, span := m.tracer.Start(ctx, "stalecache.fetch")
	defer span.End()

	var res Response[R]
	if m.coalesce {
		v, _, _ := m.group.Do(token.Kind+"|"+key, func() (any, error) {
			return fetch(ctx), nil
		})
		if shared, ok := v.(Response[R]); ok {
			res = shared
		} else {
			res = fetch(ctx)
		}
	} else {
		res = fetch(ctx)
	}

	outcome := "success"
	if res.Err != nil {
		outcome = "error"
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	m.metrics.Fetched(outcome, res.Duration.Network.Seconds())
	return res
}

func (m *Manager) persist(ctx context.Context, key string, token Token, payload any, flags codec.Flags) {
	data, err := m.codec.Encode(ctx, payload, flags)
	if err != nil {
		m.logger.ErrorContext(ctx, "could not serialise response, it will not be cached",
			slog.String("kind", token.Kind), slog.Any("error", err))
		return
	}
	row := &Row{
		Key:        key,
		Kind:       token.Kind,
		CacheDate:  token.CacheDate,
		ExpiryDate: token.ExpiryDate,
		Payload:    data,
		Compressed: flags.Compressed,
		Encrypted:  flags.Encrypted,
	}
	if err := m.store.Put(ctx, row); err != nil {
		m.metrics.StoreError("put")
		m.logger.ErrorContext(ctx, "failed to write cache", slog.String("kind", token.Kind), slog.Any("error", err))
		return
	}
	m.metrics.PayloadWritten(len(data))
	m.logger.DebugContext(ctx, "cached response", slog.String("kind", token.Kind), slog.Time("expiry_date", row.ExpiryDate))
}

func (m *Manager) flushCorrupted(ctx context.Context) {
	m.metrics.Corrupted()
	n, err := m.store.Flush(ctx, "")
	if err != nil {
		m.metrics.StoreError("flush")
		m.logger.ErrorContext(ctx, "failed to flush corrupted cache", slog.Any("error", err))
		return
	}
	m.metrics.RowsFlushed(n)
	m.logger.WarnContext(ctx, "flushed cache after corrupted payload", slog.Int64("deleted", n))
}

func (m *Manager) spawn(f func()) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		f()
	}()
}

// emit forwards r unless the caller has gone away.
func emit[R any](ctx context.Context, m *Manager, out chan<- Response[R], r Response[R]) {
	m.metrics.Emitted(r.Token.Status.String())
	if ctx.Err() != nil {
		m.logger.DebugContext(ctx, "caller gone, dropping response", slog.String("status", r.Token.Status.String()))
		return
	}
	out <- r
}

func fetchDate[R any](res Response[R], now func() time.Time) time.Time {
	if !res.Token.FetchDate.IsZero() {
		return res.Token.FetchDate
	}
	return now()
}

func flagsOf(row *Row) codec.Flags {
	return codec.Flags{Compressed: row.Compressed, Encrypted: row.Encrypted}
}
