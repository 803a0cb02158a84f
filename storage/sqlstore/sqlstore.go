// Package sqlstore implements storage.Store on SQLite and PostgreSQL.
//
// Both drivers share one portable schema. Times are stored as unix
// milliseconds and scope lists as space-joined text. Single-use consumption
// is a conditional UPDATE whose affected row count decides the winner.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"lmsoauth/oauth"
	"lmsoauth/storage"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options configure Open.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// MaxRetries bounds how often a transaction is re-run after a
	// serialization failure or a busy database.
	MaxRetries int
	Logger     *slog.Logger
}

// Store is a SQL-backed storage.Store.
type Store struct {
	db         *sqlx.DB
	driver     string
	maxRetries int
	logger     *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open connects, applies pending migrations and returns the store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}

	switch opts.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
	}
	if opts.DSN == "" {
		return nil, errors.New("storage dsn is required")
	}

	db, err := sqlx.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Driver, err)
	}

	if opts.Driver == DriverSQLite {
		// SQLite allows one writer; a single connection serializes
		// transactions in the pool instead of failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Driver, err)
	}

	if opts.Driver == DriverSQLite {
		for _, pragma := range []string{
			"PRAGMA busy_timeout = 5000",
			"PRAGMA journal_mode = WAL",
			"PRAGMA foreign_keys = ON",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	if err := runMigrations(ctx, db.DB, opts.Driver); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("storage ready", "driver", opts.Driver)
	return &Store{db: db, driver: opts.Driver, maxRetries: opts.MaxRetries, logger: logger}, nil
}

// Transact runs fn in a database transaction, SERIALIZABLE on PostgreSQL.
// fn may be invoked more than once when the database reports a
// serialization failure, so it must not keep state outside tx between calls.
func (s *Store) Transact(ctx context.Context, fn func(tx storage.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.transactOnce(ctx, fn)
		if err == nil || !s.retryable(err) || attempt >= s.maxRetries {
			return err
		}
		s.logger.Debug("retrying transaction", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
}

func (s *Store) transactOnce(ctx context.Context, fn func(tx storage.Tx) error) error {
	var txOpts *sql.TxOptions
	if s.driver == DriverPostgres {
		txOpts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	tx, err := s.db.BeginTxx(ctx, txOpts)
	if err != nil {
		return s.unavailable("begin transaction", err)
	}
	defer rollback(tx)

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.unavailable("commit", err)
	}
	return nil
}

// Purge deletes codes and tokens that expired before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"authorization_codes", "access_tokens", "refresh_tokens"} {
		res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM "+table+" WHERE expires_at < ?"), toMillis(cutoff))
		if err != nil {
			return total, s.unavailable("purge "+table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.unavailable("ping", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) unavailable(op string, err error) error {
	if s.retryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, oauth.ErrBackendUnavailable, err)
}

// retryable reports serialization failures, deadlocks and busy databases.
func (s *Store) retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return true
		}
		return false
	}
	var liteErr *sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite3.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func rollback(tx *sqlx.Tx) { _ = tx.Rollback() }

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
