package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mlatham/afdb/internal/client"
	"github.com/mlatham/afdb/internal/codec"
)

// QueryResult is the query command's output.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <name> <sql> [args...]",
		Short: "Run a query and print its rows",
		Long: `Run a SELECT on the named database and print the result.

Remaining arguments are bound to the statement's placeholders as text.
NULL values print as NULL in text mode and null in JSON.

Example:
  afdb query inventory "SELECT id, name FROM items WHERE name = ?" apple
  afdb query inventory "SELECT count(*) FROM items" --format json`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), rootOpts, args[0], args[1], args[2:], cmd)
		},
	}
	return cmd
}

func runQuery(ctx context.Context, opts *RootOptions, name, query string, args []string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)

	c, err := opts.openClient(ctx, cmd, name, true)
	if err != nil {
		return f.Report(CodeDatabase, err)
	}
	defer c.Close()

	bound := make([]any, len(args))
	for i, a := range args {
		bound[i] = codec.EncodeText(&a)
	}

	value, err := c.Execute(ctx, func(conn *client.Conn) (any, error) {
		rows, err := conn.Query(query, bound...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		result := QueryResult{Columns: cols, Rows: [][]any{}}
		for rows.Next() {
			row := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range row {
				ptrs[i] = &row[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, err
			}
			for i, v := range row {
				if b, ok := v.([]byte); ok {
					row[i] = string(b)
				}
			}
			result.Rows = append(result.Rows, row)
		}
		return result, rows.Err()
	}, client.Label("query"))
	if err != nil {
		return f.Fail(ExitFailure, CodeTask, "query failed", err)
	}

	result := value.(QueryResult)
	if f.Format == "json" {
		return f.Success(result)
	}
	return writeTable(f, result)
}

// writeTable prints rows tab-aligned under a header line.
func writeTable(f *OutputFormatter, result QueryResult) error {
	w := tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(v)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	f.VerboseLog("%d row(s)", len(result.Rows))
	return nil
}
