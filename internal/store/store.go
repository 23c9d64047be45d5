package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "github.com/mattn/go-sqlite3" // registers "sqlite3"
	_ "modernc.org/sqlite"          // registers "sqlite"
)

// Supported database/sql driver names.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

// Options controls how the connection is opened and configured.
type Options struct {
	Driver      string        // DriverCGO or DriverPure
	JournalMode string        // e.g. "WAL", "DELETE"
	Synchronous string        // e.g. "NORMAL", "FULL"
	BusyTimeout time.Duration // how long SQLite waits on a locked file
	ForeignKeys bool
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Driver:      DriverCGO,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		BusyTimeout: 5 * time.Second,
		ForeignKeys: true,
	}
}

// Store owns exactly one physical SQLite connection.
//
// The underlying sql.DB is capped at a single open connection and that
// connection is pinned as an *sql.Conn for the lifetime of the Store, so
// every statement and transaction issued through Conn lands on the same
// SQLite handle.
//
// Store is NOT safe for concurrent use; callers serialize access.
type Store struct {
	db   *sql.DB
	conn *sql.Conn
	path string
	opts Options
}

// Open creates or opens the SQLite database at path and pins its connection.
//
// The connection is configured with the journal mode, synchronous mode,
// busy timeout and foreign key enforcement from opts.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = DriverCGO
	}
	if opts.Driver != DriverCGO && opts.Driver != DriverPure {
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}

	db, err := sql.Open(opts.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One physical connection; it is never shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := applyPragmas(ctx, conn, opts); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	return &Store{db: db, conn: conn, path: path, opts: opts}, nil
}

// Wrap pins a connection of an already opened database handle.
// No pragmas are applied. Closing the Store closes db.
func Wrap(ctx context.Context, db *sql.DB, path string) (*Store, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &Store{db: db, conn: conn, path: path, opts: Options{}}, nil
}

// Conn returns the pinned connection.
func (s *Store) Conn() *sql.Conn {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Options returns the options the store was opened with.
func (s *Store) Options() Options {
	return s.opts
}

// autoCommitter is implemented by driver connections that expose the
// SQLite autocommit flag (mattn/go-sqlite3).
type autoCommitter interface {
	AutoCommit() bool
}

// RollbackOpen rolls back a transaction left open on the connection and
// reports whether there was one.
//
// The driver's autocommit flag decides when it has one. modernc.org/sqlite
// does not expose it, so a ROLLBACK is issued and its success means a
// transaction was open. Wrapped connections without the flag are assumed
// to be in autocommit mode.
func (s *Store) RollbackOpen(ctx context.Context) (bool, error) {
	var ac autoCommitter
	if err := s.conn.Raw(func(dc any) error {
		ac, _ = dc.(autoCommitter)
		return nil
	}); err != nil {
		return false, fmt.Errorf("inspect connection: %w", err)
	}

	switch {
	case ac != nil:
		if ac.AutoCommit() {
			return false, nil
		}
		if _, err := s.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
			return true, fmt.Errorf("rollback open transaction: %w", err)
		}
		return true, nil
	case s.opts.Driver == DriverPure:
		// Fails with "no transaction is active" in autocommit mode.
		_, err := s.conn.ExecContext(ctx, "ROLLBACK")
		return err == nil, nil
	default:
		return false, nil
	}
}

// Close releases the pinned connection and closes the database.
// Safe to call more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	var errs *multierror.Error
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = multierror.Append(errs, fmt.Errorf("close connection: %w", err))
		}
		s.conn = nil
	}
	if err := s.db.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close database: %w", err))
	}
	s.db = nil
	return errs.ErrorOrNil()
}

// applyPragmas sets the per-connection SQLite configuration.
func applyPragmas(ctx context.Context, conn *sql.Conn, opts Options) error {
	var pragmas []string
	if opts.JournalMode != "" {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA journal_mode = %s", opts.JournalMode))
	}
	if opts.Synchronous != "" {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA synchronous = %s", opts.Synchronous))
	}
	pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()))
	if opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	} else {
		pragmas = append(pragmas, "PRAGMA foreign_keys = OFF")
	}

	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(ctx context.Context, name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.conn.QueryRowContext(ctx, query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
