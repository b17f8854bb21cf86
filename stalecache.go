// Package stalecache serves API responses from a local store and refreshes
// them from the network, emitting a stale copy first when one is available.
package stalecache

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/Arthur1/stalecache/apierror"
	"github.com/Arthur1/stalecache/cache"
	"github.com/Arthur1/stalecache/cache/codec"
	"github.com/Arthur1/stalecache/cache/key"
	"github.com/Arthur1/stalecache/internal/telemetry"
)

var (
	ErrNoStore         = errors.New("stalecache: store is required")
	ErrNoErrorFactory  = errors.New("stalecache: error factory is required")
	ErrNegativeTimeout = errors.New("stalecache: network timeout must not be negative")
)

var (
	defaultLogger    = slog.Default()
	defaultClientTTL = 1 * time.Hour
)

// Config wires a Client. Store and ErrorFactory are required.
type Config struct {
	Store        cache.Store
	ErrorFactory apierror.Factory

	Logger *slog.Logger

	// Format of stored payloads. Default: JSON.
	Format codec.Format
	// Compress and Encrypt apply to newly created rows. Existing rows keep
	// the flags they were written with.
	Compress bool
	Encrypt  bool
	// EncryptionKey is a 16, 24 or 32 byte AES key. Required with Encrypt, and
	// needed to read rows encrypted earlier.
	EncryptionKey []byte

	// HashAlgorithms overrides the digest tiers of the key hasher.
	HashAlgorithms []crypto.Hash

	// NetworkTimeout bounds each network call. Zero disables it.
	NetworkTimeout time.Duration
	// DefaultTTL applies to tokens created without a TTL. Default: 1 hour.
	DefaultTTL time.Duration
	// CoalesceFetches shares one in-flight network call between concurrent
	// calls with the same identity.
	CoalesceFetches bool

	// Registerer receives the cache metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	// TracerProvider defaults to the global otel provider.
	TracerProvider trace.TracerProvider

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Client is the entry point of the cache: it wraps producers with the
// ErrorInterceptor and hands them to the Manager.
type Client struct {
	manager     *cache.Manager
	interceptor *cache.ErrorInterceptor
	logger      *slog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.ErrorFactory == nil {
		return nil, ErrNoErrorFactory
	}
	if cfg.NetworkTimeout < 0 {
		return nil, ErrNegativeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = defaultClientTTL
	}

	c, err := codec.New(codec.Options{
		Format:   cfg.Format,
		Compress: cfg.Compress,
		Encrypt:  cfg.Encrypt,
		Key:      cfg.EncryptionKey,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	hasherOpts := []key.Option{key.WithLogger(logger)}
	if len(cfg.HashAlgorithms) > 0 {
		hasherOpts = append(hasherOpts, key.WithAlgorithms(cfg.HashAlgorithms...))
	}

	var metrics *telemetry.Metrics
	if cfg.Registerer != nil {
		metrics = telemetry.NewMetrics(cfg.Registerer)
	}

	manager, err := cache.NewManager(cache.ManagerConfig{
		Store:           cfg.Store,
		Codec:           c,
		Hasher:          key.NewHasher(hasherOpts...),
		Logger:          logger,
		Now:             cfg.Now,
		DefaultTTL:      ttl,
		CoalesceFetches: cfg.CoalesceFetches,
		Metrics:         metrics,
		Tracer:          telemetry.Tracer(cfg.TracerProvider),
	})
	if err != nil {
		return nil, err
	}
	interceptor, err := cache.NewErrorInterceptor(cfg.ErrorFactory, cfg.NetworkTimeout, logger, cfg.Now)
	if err != nil {
		return nil, err
	}
	return &Client{manager: manager, interceptor: interceptor, logger: logger}, nil
}

// Serve runs producer under the caching policy of token. The channel yields
// one response, or a STALE response followed by its final response, and is
// then closed. Failures are carried in Response.Err, never returned.
func Serve[R any](ctx context.Context, c *Client, token cache.Token, producer cache.Producer[R]) <-chan cache.Response[R] {
	return cache.Serve(ctx, c.manager, token, cache.Intercept(c.interceptor, token, producer))
}

// Final serves token and returns only the final response.
func Final[R any](ctx context.Context, c *Client, token cache.Token, producer cache.Producer[R]) (cache.Response[R], bool) {
	return cache.Final(ctx, Serve(ctx, c, token, producer))
}

// FlushCache deletes every row, or only the rows of kind when kind is not empty.
func (c *Client) FlushCache(ctx context.Context, kind string) (int64, error) {
	return c.manager.Flush(ctx, kind)
}

// EvictOlderEntries deletes rows that expire before now+threshold.
func (c *Client) EvictOlderEntries(ctx context.Context, threshold time.Duration) (int64, error) {
	return c.manager.EvictOlderThan(ctx, threshold)
}

// Invalidate expires the row of identity, if any.
func (c *Client) Invalidate(ctx context.Context, identity cache.Identity) (bool, error) {
	return c.manager.Invalidate(ctx, identity)
}

func (c *Client) Statistics(ctx context.Context) (cache.Statistics, error) {
	return c.manager.Statistics(ctx)
}

// Wait blocks until background refreshes and store writes have finished.
func (c *Client) Wait() {
	c.manager.Wait()
}
