package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Arthur1/stalecache/apierror"
	"github.com/Arthur1/stalecache/cache"
	"github.com/Arthur1/stalecache/cache/engine/sqlitestore"
	mock_cache "github.com/Arthur1/stalecache/cache/mock"
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	store       *sqlitestore.Store
	clock       *clock
	manager     *cache.Manager
	interceptor *cache.ErrorInterceptor
}

func newHarness(t *testing.T, mutate ...func(*cache.ManagerConfig)) *harness {
	t.Helper()
	store, err := sqlitestore.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := newClock()
	cfg := cache.ManagerConfig{Store: store, Logger: discard, Now: clk.Now}
	for _, f := range mutate {
		f(&cfg)
	}
	m, err := cache.NewManager(cfg)
	require.NoError(t, err)
	ei, err := cache.NewErrorInterceptor(apierror.NewFactory(), 0, discard, clk.Now)
	require.NoError(t, err)
	return &harness{store: store, clock: clk, manager: m, interceptor: ei}
}

func (h *harness) serve(t *testing.T, ctx context.Context, token cache.Token, producer cache.Producer[user]) []cache.Response[user] {
	t.Helper()
	responses := cache.Collect(cache.Serve(ctx, h.manager, token, cache.Intercept(h.interceptor, token, producer)))
	h.manager.Wait()
	assertWellFormed(t, responses)
	return responses
}

// assertWellFormed checks the stream shape every call must have.
func assertWellFormed(t *testing.T, responses []cache.Response[user]) {
	t.Helper()
	for i, r := range responses {
		assert.Truef(t, r.Token.Valid(), "emission %d has inconsistent dates: %+v", i, r.Token)
		if i < len(responses)-1 {
			assert.Equal(t, cache.StatusStale, r.Token.Status, "only STALE may be followed by another emission")
		}
	}
	if len(responses) > 0 {
		assert.True(t, responses[len(responses)-1].Token.Status.IsFinal())
	}
}

func statuses(responses []cache.Response[user]) []cache.Status {
	out := make([]cache.Status, len(responses))
	for i, r := range responses {
		out[i] = r.Token.Status
	}
	return out
}

type counted struct {
	calls  atomic.Int64
	mu     sync.Mutex
	result user
	err    error
}

func (c *counted) set(result user, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result, c.err = result, err
}

func (c *counted) produce(ctx context.Context) (user, error) {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

var (
	identity = cache.Identity{URL: "https://api.example.com/users/1"}
	alice    = user{ID: "1", Name: "Alice"}
	bob      = user{ID: "1", Name: "Bob"}
	refused  = &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
)

func cacheToken(intent cache.Intent) cache.Token {
	return cache.NewToken(identity, 5*time.Minute, intent, "users.Get")
}

func TestNewManager(t *testing.T) {
	t.Parallel()
	_, err := cache.NewManager(cache.ManagerConfig{})
	assert.ErrorIs(t, err, cache.ErrNoStore)
}

func TestServe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("miss fetches and stores a FRESH response", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		p := &counted{result: alice}
		now := h.clock.Now()

		got := h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
		require.Len(t, got, 1)
		assert.Equal(t, cache.StatusFresh, got[0].Token.Status)
		assert.Equal(t, alice, got[0].Payload)
		assert.Nil(t, got[0].Err)
		assert.True(t, got[0].Token.FetchDate.Equal(now))
		assert.True(t, got[0].Token.CacheDate.Equal(now))
		assert.True(t, got[0].Token.ExpiryDate.Equal(now.Add(5*time.Minute)))

		row, ok, err := h.store.Get(ctx, h.manager.Key(identity))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "users.Get", row.Kind)
		assert.True(t, row.ExpiryDate.Equal(now.Add(5*time.Minute)))
	})

	t.Run("hit within TTL serves CACHED without a network call", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		p := &counted{result: alice}
		h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
		h.clock.Advance(time.Minute)

		got := h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
		require.Len(t, got, 1)
		assert.Equal(t, cache.StatusCached, got[0].Token.Status)
		assert.Equal(t, alice, got[0].Payload)
		assert.True(t, got[0].Token.FetchDate.IsZero())
		assert.Equal(t, int64(1), p.calls.Load())
	})

	t.Run("expired hit serves STALE then REFRESHED", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		p := &counted{result: alice}
		first := h.clock.Now()
		h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)

		h.clock.Advance(6 * time.Minute)
		p.set(bob, nil)
		got := h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
		assert.Equal(t, []cache.Status{cache.StatusStale, cache.StatusRefreshed}, statuses(got))
		assert.Equal(t, alice, got[0].Payload)
		assert.True(t, got[0].Token.CacheDate.Equal(first))
		assert.Equal(t, bob, got[1].Payload)
		assert.True(t, got[1].Token.CacheDate.Equal(h.clock.Now()))
		assert.Equal(t, int64(2), p.calls.Load())

		again := h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
		require.Len(t, again, 1)
		assert.Equal(t, cache.StatusCached, again[0].Token.Status)
		assert.Equal(t, bob, again[0].Payload)
	})

	t.Run("network failure during refresh serves the stale payload", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		p := &counted{result: alice}
		first := h.clock.Now()
		h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)

		h.clock.Advance(6 * time.Minute)
		p.set(user{}, refused)
		got := h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
		assert.Equal(t, []cache.Status{cache.StatusStale, cache.StatusCouldNotRefresh}, statuses(got))
		final := got[1]
		assert.Equal(t, alice, final.Payload)
		require.NotNil(t, final.Err)
		assert.True(t, final.Err.IsNetworkError())
		assert.True(t, final.Token.CacheDate.Equal(first))
		assert.False(t, final.Token.FetchDate.IsZero())

		row, ok, err := h.store.Get(ctx, h.manager.Key(identity))
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, row.CacheDate.Equal(first))
	})

	t.Run("malformed response during refresh ends REFRESHED with the error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		p := &counted{result: alice}
		h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
		first := h.clock.Now()

		h.clock.Advance(6 * time.Minute)
		var v user
		p.set(user{}, json.Unmarshal([]byte("{"), &v))
		got := h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
		assert.Equal(t, []cache.Status{cache.StatusStale, cache.StatusRefreshed}, statuses(got))
		final := got[1]
		assert.Equal(t, user{}, final.Payload)
		require.NotNil(t, final.Err)
		assert.False(t, final.Err.IsNetworkError())
		assert.Equal(t, apierror.CodeUnexpectedResponse, final.Err.Code)
		assert.True(t, final.Token.Valid())

		// nothing is written for a failed refresh
		row, ok, err := h.store.Get(ctx, h.manager.Key(identity))
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, row.CacheDate.Equal(first))
	})

	t.Run("DO_NOT_CACHE bypasses the store", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		p := &counted{result: alice}

		got := h.serve(t, ctx, cacheToken(cache.IntentDoNotCache), p.produce)
		require.Len(t, got, 1)
		assert.Equal(t, cache.StatusNotCached, got[0].Token.Status)
		assert.Equal(t, alice, got[0].Payload)
		assert.False(t, got[0].Token.HasCacheDates())

		entries, err := h.store.Entries(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("miss with a network error is not stored", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		p := &counted{err: refused}

		got := h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
		require.Len(t, got, 1)
		assert.Equal(t, cache.StatusNotCached, got[0].Token.Status)
		require.NotNil(t, got[0].Err)
		assert.Equal(t, apierror.CodeNetwork, got[0].Err.Code)

		entries, err := h.store.Entries(ctx)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("REFRESH intent serves a fresh row as STALE", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		p := &counted{result: alice}
		h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)

		p.set(bob, nil)
		got := h.serve(t, ctx, cacheToken(cache.IntentRefresh), p.produce)
		assert.Equal(t, []cache.Status{cache.StatusStale, cache.StatusRefreshed}, statuses(got))
		assert.Equal(t, bob, got[1].Payload)
	})

	t.Run("token TTL falls back to the default", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, func(c *cache.ManagerConfig) { c.DefaultTTL = 2 * time.Minute })
		p := &counted{result: alice}
		token := cache.NewToken(identity, 0, cache.IntentCache, "users.Get")

		got := h.serve(t, ctx, token, p.produce)
		require.Len(t, got, 1)
		assert.True(t, got[0].Token.ExpiryDate.Equal(h.clock.Now().Add(2*time.Minute)))
	})
}

func TestServeExpiryBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	p := &counted{result: alice}
	h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)

	h.clock.Advance(5*time.Minute - time.Millisecond)
	got := h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
	assert.Equal(t, []cache.Status{cache.StatusCached}, statuses(got))

	h.clock.Advance(2 * time.Millisecond)
	got = h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
	assert.Equal(t, []cache.Status{cache.StatusStale, cache.StatusRefreshed}, statuses(got))
}

func TestServeCorruptedRowFlushesStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	now := h.clock.Now()
	require.NoError(t, h.store.Put(ctx, &cache.Row{
		Key: h.manager.Key(identity), Kind: "users.Get",
		CacheDate: now, ExpiryDate: now.Add(time.Hour), Payload: []byte("not json"),
	}))
	require.NoError(t, h.store.Put(ctx, &cache.Row{
		Key: "other", Kind: "orders.List",
		CacheDate: now, ExpiryDate: now.Add(time.Hour), Payload: []byte(`{}`),
	}))

	p := &counted{result: alice}
	got := h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
	assert.Equal(t, []cache.Status{cache.StatusFresh}, statuses(got))
	assert.Equal(t, alice, got[0].Payload)

	entries, err := h.store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, h.manager.Key(identity), entries[0].Key)
}

func TestServeStoreReadFailureFallsBackToNetwork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mock_cache.NewMockStore(ctrl)
	store.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, false, errors.New("disk I/O error"))
	store.EXPECT().Put(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, row *cache.Row) error {
		assert.Equal(t, "users.Get", row.Kind)
		return nil
	})

	clk := newClock()
	m, err := cache.NewManager(cache.ManagerConfig{Store: store, Logger: discard, Now: clk.Now})
	require.NoError(t, err)
	ei, err := cache.NewErrorInterceptor(apierror.NewFactory(), 0, discard, clk.Now)
	require.NoError(t, err)

	p := &counted{result: alice}
	token := cacheToken(cache.IntentCache)
	got := cache.Collect(cache.Serve(ctx, m, token, cache.Intercept(ei, token, p.produce)))
	m.Wait()
	assert.Equal(t, []cache.Status{cache.StatusFresh}, statuses(got))
}

func TestServeStoreWriteFailureStillEmits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mock_cache.NewMockStore(ctrl)
	store.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, false, nil)
	store.EXPECT().Put(gomock.Any(), gomock.Any()).Return(errors.New("database is locked"))

	clk := newClock()
	m, err := cache.NewManager(cache.ManagerConfig{Store: store, Logger: discard, Now: clk.Now})
	require.NoError(t, err)
	ei, err := cache.NewErrorInterceptor(apierror.NewFactory(), 0, discard, clk.Now)
	require.NoError(t, err)

	p := &counted{result: alice}
	token := cacheToken(cache.IntentCache)
	got := cache.Collect(cache.Serve(ctx, m, token, cache.Intercept(ei, token, p.produce)))
	m.Wait()
	require.Len(t, got, 1)
	assert.Equal(t, alice, got[0].Payload)
}

func TestServeCallerGoneStillStores(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &counted{result: alice}
	got := h.serve(t, ctx, cacheToken(cache.IntentCache), p.produce)
	assert.Empty(t, got)
	assert.Equal(t, int64(1), p.calls.Load())

	_, ok, err := h.store.Get(context.Background(), h.manager.Key(identity))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestServeCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, func(c *cache.ManagerConfig) { c.CoalesceFetches = true })

	var calls atomic.Int64
	slow := func(ctx context.Context) (user, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return alice, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token := cacheToken(cache.IntentCache)
			final, ok := cache.Final(ctx, cache.Serve(ctx, h.manager, token, cache.Intercept(h.interceptor, token, slow)))
			assert.True(t, ok)
			assert.Equal(t, alice, final.Payload)
		}()
	}
	wg.Wait()
	h.manager.Wait()
	assert.Equal(t, int64(1), calls.Load())
}

func TestManagerMaintenance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	seed := func(t *testing.T, h *harness) {
		t.Helper()
		p := &counted{result: alice}
		h.serve(t, ctx, cache.NewToken(cache.Identity{URL: "https://api.example.com/users/1"}, time.Minute, cache.IntentCache, "users.Get"), p.produce)
		h.serve(t, ctx, cache.NewToken(cache.Identity{URL: "https://api.example.com/users/2"}, time.Hour, cache.IntentCache, "users.Get"), p.produce)
		h.serve(t, ctx, cache.NewToken(cache.Identity{URL: "https://api.example.com/orders", Body: "page=1"}, time.Hour, cache.IntentCache, "orders.List"), p.produce)
	}

	t.Run("Flush by kind", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		seed(t, h)
		n, err := h.manager.Flush(ctx, "users.Get")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		n, err = h.manager.Flush(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("EvictOlderThan", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		seed(t, h)
		h.clock.Advance(2 * time.Minute)

		n, err := h.manager.EvictOlderThan(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = h.manager.EvictOlderThan(ctx, -time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("Invalidate forces a refresh", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		seed(t, h)
		target := cache.Identity{URL: "https://api.example.com/users/2"}
		found, err := h.manager.Invalidate(ctx, target)
		require.NoError(t, err)
		assert.True(t, found)

		p := &counted{result: bob}
		got := h.serve(t, ctx, cache.NewToken(target, time.Hour, cache.IntentCache, "users.Get"), p.produce)
		assert.Equal(t, []cache.Status{cache.StatusStale, cache.StatusRefreshed}, statuses(got))

		found, err = h.manager.Invalidate(ctx, cache.Identity{URL: "https://api.example.com/unknown"})
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Statistics", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		seed(t, h)
		h.clock.Advance(2 * time.Minute)

		stats, err := h.manager.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Entries)
		require.Len(t, stats.Kinds, 2)
		assert.Equal(t, "orders.List", stats.Kinds[0].Kind)
		assert.Equal(t, 1, stats.Kinds[0].Fresh)
		assert.Equal(t, "users.Get", stats.Kinds[1].Kind)
		assert.Equal(t, 2, stats.Kinds[1].Entries)
		assert.Equal(t, 1, stats.Kinds[1].Fresh)
		assert.Equal(t, 1, stats.Kinds[1].Expired)
	})
}
