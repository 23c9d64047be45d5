package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlatham/afdb/internal/store"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, &Config{
		Dir:            ".",
		Templates:      "",
		Driver:         "sqlite3",
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeoutMS:  5000,
		ForeignKeys:    true,
		StatementCache: 64,
	}, cfg)

	assert.Equal(t, store.DefaultOptions(), cfg.StoreOptions())
}

func TestParse_Overrides(t *testing.T) {
	src := `
dir:             "/var/lib/app"
templates:       "/usr/share/app"
driver:          "sqlite"
journal_mode:    "DELETE"
busy_timeout_ms: 250
foreign_keys:    false
statement_cache: 0
`
	cfg, err := Parse("afdb.cue", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/app", cfg.Dir)
	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "NORMAL", cfg.Synchronous, "unset fields keep their defaults")
	assert.Equal(t, 0, cfg.StatementCache)

	opts := cfg.StoreOptions()
	assert.Equal(t, 250*time.Millisecond, opts.BusyTimeout)
	assert.False(t, opts.ForeignKeys)
	assert.Equal(t, "DELETE", opts.JournalMode)

	s := cfg.Storage()
	assert.Equal(t, "/var/lib/app/x.sqlite", s.Path("x"))
	assert.Equal(t, "/usr/share/app/x.sqlite", s.TemplatePath("x"))
	assert.Len(t, cfg.ClientOptions(), 2)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown field", `dirr: "/tmp"`},
		{"unsupported driver", `driver: "postgres"`},
		{"negative timeout", `busy_timeout_ms: -1`},
		{"wrong type", `foreign_keys: "yes"`},
		{"bad journal mode", `journal_mode: "wal2"`},
		{"syntax error", `dir: "unterminated`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("afdb.cue", []byte(tt.src))
			require.Error(t, err)

			var cerr *Error
			assert.True(t, errors.As(err, &cerr), "got %T", err)
		})
	}
}

func TestParse_ErrorNamesField(t *testing.T) {
	_, err := Parse("afdb.cue", []byte("dir: \"/tmp\"\nbogus: 1\n"))
	require.Error(t, err)

	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	assert.Contains(t, err.Error(), "bogus")
	assert.True(t, cerr.Pos.IsValid(), "closedness errors carry a position")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "afdb.cue")
	require.NoError(t, os.WriteFile(path, []byte(`driver: "sqlite"`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Driver)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}
