// Package memorystore implements cache.Store in process memory on top of an
// otter W-TinyLFU cache. Rows are lost on restart.
package memorystore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/Arthur1/stalecache/cache"
)

// Store keeps rows in memory. With a maximum size, the least valuable rows
// are dropped under pressure and later reads of them are misses.
type Store struct {
	cache *otter.Cache[string, cache.Row]
}

var _ cache.Store = (*Store)(nil)

// New returns a Store holding at most maxSize rows. maxSize <= 0 means unbounded.
func New(maxSize int) (*Store, error) {
	opts := &otter.Options[string, cache.Row]{}
	if maxSize > 0 {
		opts.MaximumSize = maxSize
	}
	c, err := otter.New[string, cache.Row](opts)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Store{cache: c}, nil
}

func (s *Store) Get(_ context.Context, key string) (*cache.Row, bool, error) {
	r, ok := s.cache.GetIfPresent(key)
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

func (s *Store) Put(_ context.Context, row *cache.Row) error {
	r := *row
	r.Payload = slices.Clone(row.Payload)
	s.cache.Set(r.Key, r)
	return nil
}

func (s *Store) Flush(_ context.Context, kind string) (int64, error) {
	return s.invalidateWhere(func(r cache.Row) bool { return kind == "" || r.Kind == kind }), nil
}

func (s *Store) EvictOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	return s.invalidateWhere(func(r cache.Row) bool { return r.ExpiryDate.Before(cutoff) }), nil
}

// Invalidate sets the expiry date of the row to the epoch. A concurrent Put
// of the same key may win.
func (s *Store) Invalidate(_ context.Context, key string) (bool, error) {
	r, ok := s.cache.GetIfPresent(key)
	if !ok {
		return false, nil
	}
	r.ExpiryDate = time.UnixMilli(0)
	s.cache.Set(key, r)
	return true, nil
}

func (s *Store) Entries(_ context.Context) ([]cache.Entry, error) {
	var out []cache.Entry
	for _, r := range s.cache.All() {
		out = append(out, cache.Entry{
			Key:        r.Key,
			Kind:       r.Kind,
			CacheDate:  r.CacheDate,
			ExpiryDate: r.ExpiryDate,
			Compressed: r.Compressed,
			Encrypted:  r.Encrypted,
		})
	}
	slices.SortFunc(out, func(a, b cache.Entry) int { return a.CacheDate.Compare(b.CacheDate) })
	return out, nil
}

func (s *Store) invalidateWhere(match func(cache.Row) bool) int64 {
	var keys []string
	for k, r := range s.cache.All() {
		if match(r) {
			keys = append(keys, k)
		}
	}
	var n int64
	for _, k := range keys {
		if _, ok := s.cache.Invalidate(k); ok {
			n++
		}
	}
	return n
}
