package worker

import (
	"context"
	"log/slog"
	"time"
)

const defaultEvictInterval = 10 * time.Minute

// Evictable is the cache surface consumed by Evictor.
type Evictable interface {
	EvictOlderEntries(ctx context.Context, threshold time.Duration) (int64, error)
}

// Evictor periodically deletes rows that expired more than a grace period
// ago. Recently expired rows are kept so they can still be served stale.
type Evictor struct {
	cache    Evictable
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
}

// NewEvictor creates an Evictor. interval <= 0 selects the default; grace is
// how long after expiry a row is kept.
func NewEvictor(cache Evictable, interval, grace time.Duration, logger *slog.Logger) *Evictor {
	if interval <= 0 {
		interval = defaultEvictInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evictor{cache: cache, interval: interval, grace: grace, logger: logger}
}

// Name returns the worker identifier.
func (w *Evictor) Name() string { return "evictor" }

// Run evicts once on start, then on a periodic schedule until ctx is cancelled.
func (w *Evictor) Run(ctx context.Context) error {
	w.evict(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.evict(ctx)
		}
	}
}

func (w *Evictor) evict(ctx context.Context) {
	n, err := w.cache.EvictOlderEntries(ctx, -w.grace)
	if err != nil {
		w.logger.LogAttrs(ctx, slog.LevelError, "cache eviction failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		w.logger.LogAttrs(ctx, slog.LevelInfo, "evicted expired cache rows",
			slog.Int64("deleted", n),
		)
	}
}
