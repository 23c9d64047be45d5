package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T, opts Options) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	s, err := Open(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite")

	s, err := Open(context.Background(), path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.sqlite")

	s1, err := Open(ctx, path, DefaultOptions())
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	if _, err := s1.Conn().ExecContext(ctx, "CREATE TABLE t (v INTEGER)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := s1.Conn().ExecContext(ctx, "INSERT INTO t VALUES (42)"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	s1.Close()

	s2, err := Open(ctx, path, DefaultOptions())
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	var v int
	if err := s2.Conn().QueryRowContext(ctx, "SELECT v FROM t").Scan(&v); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if v != 42 {
		t.Errorf("v = %d, want 42", v)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(context.Background(), "/nonexistent/dir/test.sqlite", DefaultOptions())
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	opts := DefaultOptions()
	opts.Driver = "postgres"
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "x.sqlite"), opts)
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestOpen_PureGoDriver(t *testing.T) {
	opts := DefaultOptions()
	opts.Driver = DriverPure
	s := openTest(t, opts)

	if err := s.verifyPragma(context.Background(), "foreign_keys", "1"); err != nil {
		t.Error(err)
	}
	if s.Options().Driver != DriverPure {
		t.Errorf("Options().Driver = %q, want %q", s.Options().Driver, DriverPure)
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestClose_MultipleCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sqlite")

	s, err := Open(context.Background(), path, DefaultOptions())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("first Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestConn_IsPinned(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, DefaultOptions())

	// A temp table is only visible on the connection that created it.
	if _, err := s.Conn().ExecContext(ctx, "CREATE TEMP TABLE scratch (v INTEGER)"); err != nil {
		t.Fatalf("create temp table: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.Conn().ExecContext(ctx, "INSERT INTO scratch VALUES (?)", i); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	var n int
	if err := s.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM scratch").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Errorf("count = %d, want 5", n)
	}
}

// Pragma tests

func TestPragma_Defaults(t *testing.T) {
	s := openTest(t, DefaultOptions())
	ctx := context.Background()

	tests := []struct {
		name string
		want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.verifyPragma(ctx, tt.name, tt.want); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestPragma_Overrides(t *testing.T) {
	opts := Options{
		Driver:      DriverCGO,
		JournalMode: "DELETE",
		Synchronous: "FULL",
		BusyTimeout: 250 * time.Millisecond,
		ForeignKeys: false,
	}
	s := openTest(t, opts)
	ctx := context.Background()

	for name, want := range map[string]string{
		"journal_mode": "delete",
		"synchronous":  "2",
		"busy_timeout": "250",
		"foreign_keys": "0",
	} {
		if err := s.verifyPragma(ctx, name, want); err != nil {
			t.Error(err)
		}
	}
}

func TestForeignKeys_Enforced(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, DefaultOptions())
	c := s.Conn()

	if _, err := c.ExecContext(ctx, "CREATE TABLE parent (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if _, err := c.ExecContext(ctx, "CREATE TABLE child (id INTEGER PRIMARY KEY, parent_id INTEGER REFERENCES parent(id))"); err != nil {
		t.Fatalf("create child: %v", err)
	}
	if _, err := c.ExecContext(ctx, "INSERT INTO child (parent_id) VALUES (99)"); err == nil {
		t.Error("expected foreign key violation, got nil")
	}
}

func TestRollbackOpen(t *testing.T) {
	for _, driver := range []string{DriverCGO, DriverPure} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			opts := DefaultOptions()
			opts.Driver = driver
			s := openTest(t, opts)
			conn := s.Conn()

			if _, err := conn.ExecContext(ctx, "CREATE TABLE t (x INTEGER)"); err != nil {
				t.Fatalf("create table: %v", err)
			}

			open, err := s.RollbackOpen(ctx)
			if err != nil {
				t.Fatalf("RollbackOpen() in autocommit mode: %v", err)
			}
			if open {
				t.Error("RollbackOpen() = true with no transaction open")
			}

			if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
				t.Fatalf("begin: %v", err)
			}
			if _, err := conn.ExecContext(ctx, "INSERT INTO t VALUES (1)"); err != nil {
				t.Fatalf("insert: %v", err)
			}

			open, err = s.RollbackOpen(ctx)
			if err != nil {
				t.Fatalf("RollbackOpen() inside a transaction: %v", err)
			}
			if !open {
				t.Error("RollbackOpen() = false inside a transaction")
			}

			var n int
			if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n); err != nil {
				t.Fatalf("count: %v", err)
			}
			if n != 0 {
				t.Errorf("rows after rollback = %d, want 0", n)
			}

			// Back in autocommit mode: a new transaction can start.
			if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
				t.Fatalf("begin after rollback: %v", err)
			}
			if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
				t.Fatalf("commit: %v", err)
			}
		})
	}
}
