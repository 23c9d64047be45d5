// Package config loads afdb configuration from CUE files.
//
// A user file is unified with the embedded #Config schema, which supplies
// defaults and rejects unknown fields, then decoded into Config.
//
//	dir:       "/var/lib/app"
//	templates: "/usr/share/app/templates"
//	driver:    "sqlite"
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/mlatham/afdb/internal/client"
	"github.com/mlatham/afdb/internal/store"
)

//go:embed schema.cue
var schema string

// Config is the decoded configuration.
type Config struct {
	Dir            string `json:"dir"`
	Templates      string `json:"templates"`
	Driver         string `json:"driver"`
	JournalMode    string `json:"journal_mode"`
	Synchronous    string `json:"synchronous"`
	BusyTimeoutMS  int    `json:"busy_timeout_ms"`
	ForeignKeys    bool   `json:"foreign_keys"`
	StatementCache int    `json:"statement_cache"`
}

// Error reports an invalid configuration, with the source position when
// CUE provides one.
type Error struct {
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Parse("default.cue", nil)
	if err != nil {
		// The embedded schema is fixed; failing here is a build defect.
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	return cfg
}

// Load reads and validates the CUE file at path. An empty path yields
// Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, src)
}

// Parse validates src against the schema and decodes it.
func Parse(filename string, src []byte) (*Config, error) {
	ctx := cuecontext.New()

	sch := ctx.CompileString(schema, cue.Filename("schema.cue"))
	if err := sch.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	def := sch.LookupPath(cue.ParsePath("#Config"))

	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := def.Unify(user)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, formatCUEError(err)
	}
	return &cfg, nil
}

// Storage returns where databases and templates live.
func (c *Config) Storage() client.Storage {
	return client.Storage{Dir: c.Dir, TemplateDir: c.Templates}
}

// StoreOptions returns the driver and pragma settings.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver:      c.Driver,
		JournalMode: c.JournalMode,
		Synchronous: c.Synchronous,
		BusyTimeout: time.Duration(c.BusyTimeoutMS) * time.Millisecond,
		ForeignKeys: c.ForeignKeys,
	}
}

// ClientOptions returns the client options this configuration implies.
func (c *Config) ClientOptions() []client.Option {
	return []client.Option{
		client.WithStoreOptions(c.StoreOptions()),
		client.WithStatementCache(c.StatementCache),
	}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &Error{Message: err.Error()}
	}

	first := errs[0]
	msg := errors.Details(first, nil)
	if positions := errors.Positions(first); len(positions) > 0 {
		return &Error{Message: first.Error(), Pos: positions[0]}
	}
	return &Error{Message: msg}
}
