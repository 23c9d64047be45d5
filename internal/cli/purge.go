package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// PurgeResult is the purge command's output.
type PurgeResult struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (r PurgeResult) String() string {
	return fmt.Sprintf("Purged %s", r.Path)
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <name>",
		Short: "Delete a database and recreate it from its template",
		Long: `Delete the named database file and its journal files, then initialize
it again from the template directory (or empty).

Example:
  afdb purge inventory --dir ./data --templates ./seed`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd.Context(), rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runPurge(ctx context.Context, opts *RootOptions, name string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)

	c, err := opts.openClient(ctx, cmd, name, true)
	if err != nil {
		return f.Report(CodeDatabase, err)
	}
	defer c.Close()

	if err := c.DeleteDatabase(ctx); err != nil {
		return f.Fail(ExitFailure, CodeDatabase, "failed to purge database", err)
	}
	return f.Success(PurgeResult{Name: name, Path: c.Path()})
}
