// Package cli implements the afdb command line.
//
// Every command resolves its configuration the same way: the CUE file
// named by --config (or the built-in defaults), then --dir, --templates
// and --driver on top.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mlatham/afdb/internal/client"
	"github.com/mlatham/afdb/internal/config"
	"github.com/mlatham/afdb/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	Config    string
	Dir       string
	Templates string
	Driver    string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the afdb CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "afdb",
		Short: "afdb - serialized SQLite access",
		Long: `Manage and exercise file-backed SQLite databases through a client that
serializes every task on a single connection.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to a CUE config file")
	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", "", "database directory (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Templates, "templates", "", "template directory (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "sqlite driver: sqlite3 or sqlite (overrides config)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewExecCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// loadConfig reads the config file and applies flag overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.Dir != "" {
		cfg.Dir = o.Dir
	}
	if o.Templates != "" {
		cfg.Templates = o.Templates
	}
	if o.Driver != "" {
		if o.Driver != store.DriverCGO && o.Driver != store.DriverPure {
			return nil, NewExitError(ExitCommandError,
				fmt.Sprintf("invalid driver %q: must be %s or %s", o.Driver, store.DriverCGO, store.DriverPure))
		}
		cfg.Driver = o.Driver
	}
	return cfg, nil
}

// logger returns a text logger on the command's stderr, at Debug level
// with --verbose.
func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// formatter returns the output formatter for the command.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openClient opens the named database. With mustExist set a missing
// database is a command error instead of being created.
func (o *RootOptions) openClient(ctx context.Context, cmd *cobra.Command, name string, mustExist bool) (*client.Client, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	storage := cfg.Storage()
	if mustExist && !storage.Exists(name) {
		return nil, NewExitError(ExitCommandError,
			fmt.Sprintf("database not found: %s (run 'afdb init %s')", storage.Path(name), name))
	}

	opts := append([]client.Option{client.WithLogger(o.logger(cmd))}, cfg.ClientOptions()...)
	c, err := client.Open(ctx, storage, name, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return c, nil
}
