package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mlatham/afdb/internal/client"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	Tx bool
}

// ExecResult is the exec command's output.
type ExecResult struct {
	Statements   int   `json:"statements"`
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

func (r ExecResult) String() string {
	return fmt.Sprintf("%d statement(s), %d row(s) affected, last insert id %d",
		r.Statements, r.RowsAffected, r.LastInsertID)
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec <name> <sql>...",
		Short: "Run statements in one task",
		Long: `Run one or more SQL statements as a single task on the named database.

With --tx the statements run in one transaction that is rolled back if
any of them fails.

Example:
  afdb exec inventory "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)"
  afdb exec inventory --tx "INSERT INTO items (name) VALUES ('a')" "INSERT INTO items (name) VALUES ('b')"`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd.Context(), opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Tx, "tx", false, "run the statements in a transaction")

	return cmd
}

func runExec(ctx context.Context, opts *ExecOptions, name string, stmts []string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)

	c, err := opts.openClient(ctx, cmd, name, true)
	if err != nil {
		return f.Report(CodeDatabase, err)
	}
	defer c.Close()

	var submit []client.SubmitOption
	if opts.Tx {
		submit = append(submit, client.InTransaction())
	}
	submit = append(submit, client.Label("exec"))

	value, err := c.Execute(ctx, func(conn *client.Conn) (any, error) {
		result := ExecResult{}
		for i, q := range stmts {
			res, err := conn.Exec(q)
			if err != nil {
				return nil, fmt.Errorf("statement %d: %w", i+1, err)
			}
			result.Statements++
			if n, err := res.RowsAffected(); err == nil {
				result.RowsAffected += n
			}
			if id, err := res.LastInsertId(); err == nil {
				result.LastInsertID = id
			}
		}
		return result, nil
	}, submit...)
	if err != nil {
		return f.Fail(ExitFailure, CodeTask, "exec failed", err)
	}

	f.VerboseLog("executed %d statement(s) on %s", len(stmts), c.Path())
	return f.Success(value.(ExecResult))
}
