// Package sqlitestore implements cache.Store on SQLite via modernc.org/sqlite.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/Arthur1/stalecache/cache"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a single-file cache table. Dates are stored as Unix milliseconds.
type Store struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool
}

var _ cache.Store = (*Store)(nil)

// memoryDBs names in-memory databases so that each Store gets its own.
var memoryDBs atomic.Int64

// New opens the database at path, runs migrations, and returns a Store.
// ":memory:" opens an in-memory database private to the Store and shared by
// its two pools.
func New(path string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	var dsn string
	if path == ":memory:" {
		dsn = fmt.Sprintf("file:stalecache-%d?mode=memory&cache=shared&", memoryDBs.Add(1)) + pragmas
	} else {
		dsn = "file:" + path + "?" + pragmas
	}

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies database connectivity by pinging the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database connections.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

func (s *Store) Get(ctx context.Context, key string) (*cache.Row, bool, error) {
	var (
		r                     cache.Row
		cacheDate, expiryDate int64
		encrypted, compressed int
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT token, cache_date, expiry_date, data, class, is_encrypted, is_compressed
		 FROM cache WHERE token = ?`, key,
	).Scan(&r.Key, &cacheDate, &expiryDate, &r.Payload, &r.Kind, &encrypted, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	r.CacheDate = fromMillis(cacheDate)
	r.ExpiryDate = fromMillis(expiryDate)
	r.Encrypted = encrypted != 0
	r.Compressed = compressed != 0
	return &r, true, nil
}

func (s *Store) Put(ctx context.Context, row *cache.Row) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache
		 (token, cache_date, expiry_date, data, class, is_encrypted, is_compressed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.Key, row.CacheDate.UnixMilli(), row.ExpiryDate.UnixMilli(), row.Payload,
		row.Kind, boolToInt(row.Encrypted), boolToInt(row.Compressed),
	)
	return err
}

func (s *Store) Flush(ctx context.Context, kind string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if kind == "" {
		res, err = s.write.ExecContext(ctx, `DELETE FROM cache`)
	} else {
		res, err = s.write.ExecContext(ctx, `DELETE FROM cache WHERE class = ?`, kind)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) EvictOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx, `DELETE FROM cache WHERE expiry_date < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Invalidate sets the expiry date of the row to the epoch.
func (s *Store) Invalidate(ctx context.Context, key string) (bool, error) {
	res, err := s.write.ExecContext(ctx, `UPDATE cache SET expiry_date = 0 WHERE token = ?`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) Entries(ctx context.Context) ([]cache.Entry, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT token, class, cache_date, expiry_date, is_encrypted, is_compressed
		 FROM cache ORDER BY cache_date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cache.Entry
	for rows.Next() {
		var (
			e                     cache.Entry
			cacheDate, expiryDate int64
			encrypted, compressed int
		)
		if err := rows.Scan(&e.Key, &e.Kind, &cacheDate, &expiryDate, &encrypted, &compressed); err != nil {
			return nil, err
		}
		e.CacheDate = fromMillis(cacheDate)
		e.ExpiryDate = fromMillis(expiryDate)
		e.Encrypted = encrypted != 0
		e.Compressed = compressed != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
