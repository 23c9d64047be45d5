package cli

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/syncs"
	"github.com/spf13/cobra"

	"github.com/mlatham/afdb/internal/client"
)

const loadTable = "afdb_load"

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	Workers int
	Ops     int
}

// LoadResult is the load command's output.
type LoadResult struct {
	Workers   int   `json:"workers"`
	Ops       int   `json:"ops"`
	Inserted  int64 `json:"inserted"`
	Sync      int64 `json:"sync"`
	Async     int64 `json:"async"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

func (r LoadResult) String() string {
	return fmt.Sprintf("%d worker(s) x %d op(s): %d row(s) inserted (%d sync, %d async) in %dms",
		r.Workers, r.Ops, r.Inserted, r.Sync, r.Async, r.ElapsedMS)
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <name>",
		Short: "Run concurrent inserts against one client",
		Long: `Submit inserts from several goroutines at once, alternating between
synchronous and asynchronous submission, then verify every row arrived.

Rows go to the afdb_load table, which is created if missing. The database
is created if it does not exist.

Example:
  afdb load scratch --workers 8 --ops 500`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 4, "concurrent submitters")
	cmd.Flags().IntVarP(&opts.Ops, "ops", "n", 100, "inserts per submitter")

	return cmd
}

func runLoad(ctx context.Context, opts *LoadOptions, name string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)

	if opts.Workers < 1 || opts.Ops < 1 {
		return f.Fail(ExitCommandError, CodeConfig, "workers and ops must be positive", nil)
	}

	c, err := opts.openClient(ctx, cmd, name, false)
	if err != nil {
		return f.Report(CodeDatabase, err)
	}
	defer c.Close()

	before, err := prepareLoad(ctx, c)
	if err != nil {
		return f.Fail(ExitFailure, CodeTask, "failed to prepare load table", err)
	}

	start := time.Now()
	var syncCount, asyncCount atomic.Int64

	wg := syncs.NewErrSizedGroup(opts.Workers, syncs.Context(ctx), syncs.Preemptive)
	for w := 0; w < opts.Workers; w++ {
		wg.Go(func() error {
			tokens := make([]client.Token, 0, opts.Ops/2+1)
			for i := 0; i < opts.Ops; i++ {
				task := insertTask(w, i)
				label := client.Label(fmt.Sprintf("load-%d-%d", w, i))

				if i%2 == 0 {
					if _, err := c.Execute(ctx, task, label); err != nil {
						return fmt.Errorf("worker %d op %d: %w", w, i, err)
					}
					syncCount.Add(1)
					continue
				}

				token, err := c.BeginExecution(ctx, task, nil, label)
				if err != nil {
					return fmt.Errorf("worker %d op %d: %w", w, i, err)
				}
				tokens = append(tokens, token)
			}

			for _, token := range tokens {
				res, err := c.EndExecution(ctx, token)
				if err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
				if res.Err != nil {
					return fmt.Errorf("worker %d: %w", w, res.Err)
				}
				asyncCount.Add(1)
			}
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return f.Fail(ExitFailure, CodeTask, "load failed", err)
	}

	after, err := countLoad(ctx, c)
	if err != nil {
		return f.Fail(ExitFailure, CodeTask, "failed to count rows", err)
	}

	result := LoadResult{
		Workers:   opts.Workers,
		Ops:       opts.Ops,
		Inserted:  after - before,
		Sync:      syncCount.Load(),
		Async:     asyncCount.Load(),
		ElapsedMS: time.Since(start).Milliseconds(),
	}
	if want := int64(opts.Workers * opts.Ops); result.Inserted != want {
		return f.Fail(ExitFailure, CodeTask,
			fmt.Sprintf("expected %d new rows, found %d", want, result.Inserted), nil)
	}
	return f.Success(result)
}

func insertTask(worker, seq int) client.Task {
	return func(conn *client.Conn) (any, error) {
		stmt, err := conn.Prepare("INSERT INTO " + loadTable + " (worker, seq) VALUES (?, ?)")
		if err != nil {
			return nil, err
		}
		res, err := stmt.Exec(worker, seq)
		if err != nil {
			return nil, err
		}
		return res.LastInsertId()
	}
}

// prepareLoad creates the load table and returns its current row count.
func prepareLoad(ctx context.Context, c *client.Client) (int64, error) {
	_, err := c.Execute(ctx, func(conn *client.Conn) (any, error) {
		return conn.Exec(`CREATE TABLE IF NOT EXISTS ` + loadTable + ` (
			id     INTEGER PRIMARY KEY,
			worker INTEGER NOT NULL,
			seq    INTEGER NOT NULL
		)`)
	}, client.Label("load-schema"))
	if err != nil {
		return 0, err
	}
	return countLoad(ctx, c)
}

func countLoad(ctx context.Context, c *client.Client) (int64, error) {
	v, err := c.Execute(ctx, func(conn *client.Conn) (any, error) {
		var n int64
		err := conn.QueryRow("SELECT count(*) FROM " + loadTable).Scan(&n)
		return n, err
	}, client.Label("load-count"))
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}
