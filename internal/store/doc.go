// Package store owns the single physical SQLite connection behind a client.
//
// A Store wraps a database/sql handle capped at one open connection and pins
// that connection for its whole lifetime. Nothing in this package serializes
// access; the client package guards every use of Conn.
//
// # Drivers
//
//   - "sqlite3": github.com/mattn/go-sqlite3 (cgo, default)
//   - "sqlite":  modernc.org/sqlite (pure Go)
//
// # Connection Configuration
//
//   - WAL mode: Concurrent readers from other processes during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Each setting can be overridden through Options.
package store
