// Package sqlite persists sensor readings and nowcasts in a local SQLite
// database.
//
// A read-write store is a session: every mutation accumulates in a single
// transaction that commits when the store is closed. Test mode rolls the
// transaction back at close instead, so dry runs leave the database exactly
// as they found it. Read-write sessions also hold an exclusive file lock; a
// second mutating process fails fast rather than interleaving writes.
// Read-only stores skip both the lock and the transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// lockRetryDelay is how often a blocked Open retries the file lock before
// giving up at its timeout.
const lockRetryDelay = 50 * time.Millisecond

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is one session against the flu database. It is not safe for
// concurrent use; commands open a store, run, and close it.
type Store struct {
	db       *sql.DB
	tx       *sql.Tx
	lock     *flock.Flock
	path     string
	testMode bool
	logger   *slog.Logger
}

// Open opens a read-write session, creating the database and its parent
// directory when missing. The session holds an exclusive file lock at
// lockPath; when another process already holds it, Open gives up after
// lockTimeout with an error saying so. Writes commit in one transaction at
// Close unless testMode is set, in which case Close rolls them back.
func Open(path, lockPath string, lockTimeout time.Duration, testMode bool, logger *slog.Logger) (*Store, error) {
	lock, err := acquireLock(lockPath, lockTimeout)
	if err != nil {
		return nil, err
	}
	store, err := open(path, logger)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	tx, err := store.db.BeginTx(context.Background(), nil)
	if err != nil {
		_ = store.db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("begin session: %w", err)
	}
	store.tx = tx
	store.lock = lock
	store.testMode = testMode
	return store, nil
}

// OpenReadOnly opens a session that can only read. It takes no file lock, so
// reads proceed even while a mutating run holds the database.
func OpenReadOnly(path string, logger *slog.Logger) (*Store, error) {
	return open(path, logger)
}

func open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps the pragmas and the session transaction on the
	// same handle.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, logger: logger.With("component", "store")}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.logger.Debug("database open", "path", path)
	return store, nil
}

func acquireLock(lockPath string, timeout time.Duration) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ok, err := lock.TryLockContext(ctx, lockRetryDelay)
	if !ok {
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquire database lock: %w", err)
		}
		return nil, fmt.Errorf("database is locked by another process (lock file %s)", lockPath)
	}
	return lock, nil
}

// Close ends the session. Read-write sessions commit their transaction, or
// roll it back in test mode, and release the file lock. Close is idempotent.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var errs []error
	if s.tx != nil {
		if s.testMode {
			s.logger.Info("test mode, rolling back transaction")
			if err := s.tx.Rollback(); err != nil {
				errs = append(errs, fmt.Errorf("roll back session: %w", err))
			}
		} else if err := s.tx.Commit(); err != nil {
			errs = append(errs, fmt.Errorf("commit session: %w", err))
		}
		s.tx = nil
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	s.db = nil
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release database lock: %w", err))
		}
		s.lock = nil
	}
	return errors.Join(errs...)
}

// conn returns the session transaction when there is one, else the bare
// connection.
func (s *Store) conn() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// writer returns the session transaction, or an error for read-only stores.
func (s *Store) writer() (querier, error) {
	if s.tx == nil {
		return nil, errors.New("store is read-only")
	}
	return s.tx, nil
}
