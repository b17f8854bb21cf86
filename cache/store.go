package cache

import (
	"context"
	"time"
)

// Row is one persisted cache entry.
type Row struct {
	Key        string
	Kind       string
	CacheDate  time.Time
	ExpiryDate time.Time
	Payload    []byte
	Compressed bool
	Encrypted  bool
}

// Entry is the metadata of a Row, without its payload.
type Entry struct {
	Key        string
	Kind       string
	CacheDate  time.Time
	ExpiryDate time.Time
	Compressed bool
	Encrypted  bool
}

//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mock/mock_store.go

// Store persists rows keyed by the hash of a request identity.
//
// Contract:
// - Get and Put are individually atomic; a reader never sees a partial row.
// - Put replaces any existing row with the same key.
// - Rows are only removed by Flush, EvictOlderThan or a capacity bound, never
//   because their expiry date passed.
// - Implementations are safe for concurrent use; different keys do not block each other.
type Store interface {
	// Get returns the row stored under key, if any.
	Get(ctx context.Context, key string) (row *Row, ok bool, err error)
	// Put inserts or replaces the row.
	Put(ctx context.Context, row *Row) error
	// Flush deletes every row, or only the rows of kind when kind is not empty.
	Flush(ctx context.Context, kind string) (deleted int64, err error)
	// EvictOlderThan deletes rows whose expiry date precedes cutoff.
	EvictOlderThan(ctx context.Context, cutoff time.Time) (deleted int64, err error)
	// Invalidate marks the row as expired so that the next read refreshes it.
	Invalidate(ctx context.Context, key string) (found bool, err error)
	// Entries lists the metadata of every row.
	Entries(ctx context.Context) ([]Entry, error)
}
