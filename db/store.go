package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Store operations after Close
var ErrClosed = errors.New("store is closed")

// Options control how the store is opened
type Options struct {
	BusyTimeout  time.Duration
	CreateSchema bool // Bootstrap tables; otherwise the database file must already exist
}

// Store is the process-wide read handle on the collector's SQLite database.
// The relay never writes to it except for optional schema bootstrap.
type Store struct {
	db *sql.DB

	// data_version is tracked per connection, so fingerprints are read on one
	// pinned connection that never writes.
	fpMu   sync.Mutex
	fpConn *sql.Conn

	closed atomic.Bool
}

// Open opens the store at path. Failing here is fatal for the relay.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if !opts.CreateSchema {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open store %s: %w", path, err)
		}
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		path, busy.Milliseconds())

	sqlDB, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping store %s: %w", path, err)
	}

	if opts.CreateSchema {
		if err := EnsureSchema(ctx, sqlDB); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	log.Info().Str("path", path).Bool("create_schema", opts.CreateSchema).Msg("Store opened")

	return newStore(sqlDB), nil
}

func newStore(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// DB exposes the underlying handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Fingerprint reads PRAGMA data_version. The value changes whenever another
// connection commits to the database file.
func (s *Store) Fingerprint(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.fpMu.Lock()
	defer s.fpMu.Unlock()

	if s.fpConn == nil {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return 0, fmt.Errorf("acquire fingerprint connection: %w", err)
		}
		s.fpConn = conn
	}

	var version int64
	if err := s.fpConn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&version); err != nil {
		// Drop the pinned connection so the next read starts from a fresh one
		_ = s.fpConn.Close()
		s.fpConn = nil
		return 0, fmt.Errorf("read data_version: %w", err)
	}
	return version, nil
}

// readTx runs fn inside a read transaction so multi-statement reads see one
// consistent WAL snapshot.
func (s *Store) readTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit read transaction: %w", err)
	}
	return nil
}

// Close releases the pinned connection and the pool
func (s *Store) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.fpMu.Lock()
	if s.fpConn != nil {
		_ = s.fpConn.Close()
		s.fpConn = nil
	}
	s.fpMu.Unlock()

	return s.db.Close()
}
