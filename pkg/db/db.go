// Package db owns the embedded SQLite store: connection setup, the single
// writer lock and schema migrations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrStoreUnavailable wraps failures to open or reach the database file.
var ErrStoreUnavailable = errors.New("store unavailable")

// Config describes how to open the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	MaxConns    int
}

// DB wraps the database handle. Writers go through WithWriteTx so at most
// one write transaction is open per process; SQLite's file lock covers
// other processes.
type DB struct {
	SQL    *sql.DB
	logger zerolog.Logger

	writeMu sync.Mutex
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens the store in WAL mode with foreign keys enforced.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrStoreUnavailable)
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	sqlDB, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	logger.Debug().Str("path", cfg.Path).Msg("store opened")

	return &DB{SQL: sqlDB, logger: logger}, nil
}

func dsn(cfg Config) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))

	return "file:" + cfg.Path + "?" + q.Encode()
}

// WithWriteTx runs fn inside the exclusive write transaction. fn's error
// rolls everything back.
func (d *DB) WithWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	return d.withTx(ctx, fn)
}

// WithReadTx gives fn a consistent snapshot of committed state.
func (d *DB) WithReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return d.withTx(ctx, fn)
}

func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.SQL.Close()
}
