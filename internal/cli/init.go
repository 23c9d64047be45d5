package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Overwrite bool
}

// InitResult is the init command's output.
type InitResult struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Template string `json:"template,omitempty"`
}

func (r InitResult) String() string {
	if r.Template != "" {
		return fmt.Sprintf("Initialized %s from %s", r.Path, r.Template)
	}
	return fmt.Sprintf("Initialized %s", r.Path)
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Create a database file",
		Long: `Create the named database in the database directory.

If the template directory holds a file with the same name it is copied,
otherwise an empty database is created. An existing database is left
alone unless --overwrite is given.

Example:
  afdb init inventory --dir ./data
  afdb init inventory --dir ./data --templates ./seed --overwrite`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "replace an existing database")

	return cmd
}

func runInit(opts *InitOptions, name string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return f.Report(CodeConfig, err)
	}

	storage := cfg.Storage()
	if err := storage.Initialize(name, opts.Overwrite); err != nil {
		return f.Fail(ExitCommandError, CodeDatabase, "failed to initialize database", err)
	}

	result := InitResult{Name: name, Path: storage.Path(name)}
	if tmpl := storage.TemplatePath(name); tmpl != "" && fileExists(tmpl) {
		result.Template = tmpl
	}
	return f.Success(result)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
