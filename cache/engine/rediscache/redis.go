package rediscache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"

	stalecache "github.com/Arthur1/stalecache/cache"
)

// Store keeps rows in Redis through go-redis/cache. Rows never expire in
// Redis; a sorted set scored by expiry date backs eviction, and one set per
// kind backs flushing by kind.
type Store struct {
	redisCache *cache.Cache
	redisCli   RedisClient
	prefix     string
}

var _ stalecache.Store = (*Store)(nil)

type RedisClient interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	SetXX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

type Option interface {
	apply(opts *options)
}

var (
	_ Option = prefixOption("")
	_ Option = localCacheOption{}
)

type options struct {
	prefix     string
	localCache cache.LocalCache
}

type prefixOption string

func (o prefixOption) apply(opts *options) {
	opts.prefix = string(o)
}

// WithPrefix namespaces every Redis key. Default: "stalecache:".
func WithPrefix(prefix string) prefixOption {
	return prefixOption(prefix)
}

type localCacheOption struct {
	localCache cache.LocalCache
}

func (o localCacheOption) apply(opts *options) {
	opts.localCache = o.localCache
}

func WithLocalCache(localCache cache.LocalCache) localCacheOption {
	return localCacheOption{localCache}
}

func New(redisCli RedisClient, opts ...Option) *Store {
	options := &options{
		prefix:     "stalecache:",
		localCache: nil,
	}
	for _, o := range opts {
		o.apply(options)
	}

	redisCache := cache.New(&cache.Options{
		Redis:      redisCli,
		LocalCache: options.localCache,
	})
	return &Store{
		redisCache: redisCache,
		redisCli:   redisCli,
		prefix:     options.prefix,
	}
}

type record struct {
	Kind       string `msgpack:"k"`
	CacheDate  int64  `msgpack:"c"`
	ExpiryDate int64  `msgpack:"e"`
	Payload    []byte `msgpack:"p"`
	Compressed bool   `msgpack:"z"`
	Encrypted  bool   `msgpack:"x"`
}

func (s *Store) rowKey(key string) string   { return s.prefix + "row:" + key }
func (s *Store) expiryKey() string          { return s.prefix + "expiry" }
func (s *Store) kindsKey() string           { return s.prefix + "kinds" }
func (s *Store) kindKey(kind string) string { return s.prefix + "kind:" + kind }

func (s *Store) Get(ctx context.Context, key string) (*stalecache.Row, bool, error) {
	rec, ok, err := s.get(ctx, key)
	if !ok || err != nil {
		return nil, ok, err
	}
	return &stalecache.Row{
		Key:        key,
		Kind:       rec.Kind,
		CacheDate:  time.UnixMilli(rec.CacheDate),
		ExpiryDate: time.UnixMilli(rec.ExpiryDate),
		Payload:    rec.Payload,
		Compressed: rec.Compressed,
		Encrypted:  rec.Encrypted,
	}, true, nil
}

func (s *Store) get(ctx context.Context, key string) (*record, bool, error) {
	var rec record
	if err := s.redisCache.Get(ctx, s.rowKey(key), &rec); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *Store) Put(ctx context.Context, row *stalecache.Row) error {
	return s.put(ctx, row.Key, &record{
		Kind:       row.Kind,
		CacheDate:  row.CacheDate.UnixMilli(),
		ExpiryDate: row.ExpiryDate.UnixMilli(),
		Payload:    row.Payload,
		Compressed: row.Compressed,
		Encrypted:  row.Encrypted,
	})
}

func (s *Store) put(ctx context.Context, key string, rec *record) error {
	b, err := s.redisCache.Marshal(rec)
	if err != nil {
		return err
	}
	// No Redis TTL: rows outlive their expiry date so they can be served
	// stale. cache.Item cannot express that, so the row is written directly.
	rowKey := s.rowKey(key)
	if err := s.redisCli.Set(ctx, rowKey, b, 0).Err(); err != nil {
		return err
	}
	s.redisCache.DeleteFromLocalCache(rowKey)
	if err := s.redisCli.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(rec.ExpiryDate), Member: key}).Err(); err != nil {
		return err
	}
	if err := s.redisCli.SAdd(ctx, s.kindsKey(), rec.Kind).Err(); err != nil {
		return err
	}
	return s.redisCli.SAdd(ctx, s.kindKey(rec.Kind), key).Err()
}

func (s *Store) Flush(ctx context.Context, kind string) (int64, error) {
	var (
		keys []string
		err  error
	)
	if kind == "" {
		keys, err = s.redisCli.ZRange(ctx, s.expiryKey(), 0, -1).Result()
	} else {
		keys, err = s.redisCli.SMembers(ctx, s.kindKey(kind)).Result()
	}
	if err != nil {
		return 0, err
	}
	if err := s.delete(ctx, keys); err != nil {
		return 0, err
	}
	if kind == "" {
		kinds, err := s.redisCli.SMembers(ctx, s.kindsKey()).Result()
		if err != nil {
			return 0, err
		}
		stale := []string{s.expiryKey(), s.kindsKey()}
		for _, k := range kinds {
			stale = append(stale, s.kindKey(k))
		}
		if err := s.redisCli.Del(ctx, stale...).Err(); err != nil {
			return 0, err
		}
	} else if err := s.redisCli.Del(ctx, s.kindKey(kind)).Err(); err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

func (s *Store) EvictOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	keys, err := s.redisCli.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if err := s.delete(ctx, keys); err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// Invalidate sets the expiry date of the row to the epoch.
func (s *Store) Invalidate(ctx context.Context, key string) (bool, error) {
	rec, ok, err := s.get(ctx, key)
	if !ok || err != nil {
		return false, err
	}
	rec.ExpiryDate = 0
	if err := s.put(ctx, key, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Entries(ctx context.Context) ([]stalecache.Entry, error) {
	keys, err := s.redisCli.ZRange(ctx, s.expiryKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]stalecache.Entry, 0, len(keys))
	for _, key := range keys {
		rec, ok, err := s.get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, stalecache.Entry{
			Key:        key,
			Kind:       rec.Kind,
			CacheDate:  time.UnixMilli(rec.CacheDate),
			ExpiryDate: time.UnixMilli(rec.ExpiryDate),
			Compressed: rec.Compressed,
			Encrypted:  rec.Encrypted,
		})
	}
	return out, nil
}

// delete removes rows and their index entries. Kind sets are cleaned by
// scanning the known kinds.
func (s *Store) delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]any, len(keys))
	for i, key := range keys {
		if err := s.redisCache.Delete(ctx, s.rowKey(key)); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			return err
		}
		members[i] = key
	}
	if err := s.redisCli.ZRem(ctx, s.expiryKey(), members...).Err(); err != nil {
		return err
	}
	kinds, err := s.redisCli.SMembers(ctx, s.kindsKey()).Result()
	if err != nil {
		return err
	}
	for _, k := range kinds {
		if err := s.redisCli.SRem(ctx, s.kindKey(k), members...).Err(); err != nil {
			return err
		}
	}
	return nil
}
