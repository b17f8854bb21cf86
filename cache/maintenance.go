package cache

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// Flush deletes every row, or only the rows of kind when kind is not empty.
func (m *Manager) Flush(ctx context.Context, kind string) (int64, error) {
	n, err := m.store.Flush(ctx, kind)
	if err != nil {
		m.metrics.StoreError("flush")
		return 0, err
	}
	m.metrics.RowsFlushed(n)
	m.logger.InfoContext(ctx, "flushed cache", slog.String("kind", kind), slog.Int64("deleted", n))
	return n, nil
}

// EvictOlderThan deletes rows that expire before now+threshold. A zero
// threshold evicts every expired row; a negative one keeps recently expired
// rows around so they can still be served stale.
func (m *Manager) EvictOlderThan(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := m.now().Add(threshold)
	n, err := m.store.EvictOlderThan(ctx, cutoff)
	if err != nil {
		m.metrics.StoreError("evict")
		return 0, err
	}
	m.metrics.RowsEvicted(n)
	m.logger.InfoContext(ctx, "evicted cache rows", slog.Time("cutoff", cutoff), slog.Int64("deleted", n))
	return n, nil
}

// Invalidate expires the row of identity so that the next call serves it
// STALE and refreshes it.
func (m *Manager) Invalidate(ctx context.Context, identity Identity) (bool, error) {
	found, err := m.store.Invalidate(ctx, m.Key(identity))
	if err != nil {
		m.metrics.StoreError("invalidate")
		return false, err
	}
	m.logger.DebugContext(ctx, "invalidated cache row", slog.String("url", identity.URL), slog.Bool("found", found))
	return found, nil
}

// KindStatistics summarises the rows of one kind.
type KindStatistics struct {
	Kind       string    `json:"kind"`
	Entries    int       `json:"entries"`
	Fresh      int       `json:"fresh"`
	Expired    int       `json:"expired"`
	Compressed int       `json:"compressed"`
	Encrypted  int       `json:"encrypted"`
	Oldest     time.Time `json:"oldest"`
	Latest     time.Time `json:"latest"`
}

// Statistics summarises the store content.
type Statistics struct {
	Entries int              `json:"entries"`
	Kinds   []KindStatistics `json:"kinds"`
}

// Statistics returns per-kind row counts, sorted by kind.
func (m *Manager) Statistics(ctx context.Context) (Statistics, error) {
	entries, err := m.store.Entries(ctx)
	if err != nil {
		m.metrics.StoreError("entries")
		return Statistics{}, err
	}

	now := m.now()
	byKind := make(map[string]*KindStatistics)
	for _, e := range entries {
		ks, ok := byKind[e.Kind]
		if !ok {
			ks = &KindStatistics{Kind: e.Kind, Oldest: e.CacheDate, Latest: e.CacheDate}
			byKind[e.Kind] = ks
		}
		ks.Entries++
		if now.After(e.ExpiryDate) {
			ks.Expired++
		} else {
			ks.Fresh++
		}
		if e.Compressed {
			ks.Compressed++
		}
		if e.Encrypted {
			ks.Encrypted++
		}
		if e.CacheDate.Before(ks.Oldest) {
			ks.Oldest = e.CacheDate
		}
		if e.CacheDate.After(ks.Latest) {
			ks.Latest = e.CacheDate
		}
	}

	stats := Statistics{Entries: len(entries), Kinds: make([]KindStatistics, 0, len(byKind))}
	for _, ks := range byKind {
		stats.Kinds = append(stats.Kinds, *ks)
	}
	slices.SortFunc(stats.Kinds, func(a, b KindStatistics) int {
		switch {
		case a.Kind < b.Kind:
			return -1
		case a.Kind > b.Kind:
			return 1
		}
		return 0
	})
	return stats, nil
}
