package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mlatham/afdb/internal/client"
	"github.com/mlatham/afdb/internal/testutil"
)

// DefaultStepTimeout bounds every blocking step.
const DefaultStepTimeout = 5 * time.Second

// CodeTaskFailed marks errors returned by a task itself rather than by
// the client.
const CodeTaskFailed = "TASK_FAILED"

// Runner executes scenarios against a real database client.
type Runner struct {
	// Storage locates the scenario database. An empty Dir uses a fresh
	// temporary directory per run.
	Storage client.Storage

	// Options are passed to client.Open after the harness logger.
	Options []client.Option

	// Logger receives client logs. Defaults to discarding them.
	Logger *slog.Logger

	// StepTimeout bounds each blocking step. Defaults to
	// DefaultStepTimeout.
	StepTimeout time.Duration
}

// Run executes the scenario from an empty database.
//
// Expectation and assertion failures are collected in the Result. An error
// is returned only when the scenario could not be carried out: the
// database failed to open, a referenced step did not happen in time, or
// the client rejected a call.
func (r *Runner) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	storage := r.Storage
	if storage.Dir == "" {
		dir, err := os.MkdirTemp("", "afdb-harness-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create scenario directory: %w", err)
		}
		defer os.RemoveAll(dir)
		storage.Dir = dir
	}

	name := scenario.databaseName()
	if err := storage.Initialize(name, true); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := append([]client.Option{client.WithLogger(logger)}, r.Options...)

	c, err := client.Open(ctx, storage, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	h := &execution{
		client:  c,
		timeout: r.StepTimeout,
		rec:     testutil.NewRecorder(),
		tokens:  make(map[string]client.Token),
		gates:   make(map[string]*testutil.Gate),
		result:  NewResult(),
	}
	if h.timeout <= 0 {
		h.timeout = DefaultStepTimeout
	}

	runErr := h.steps(ctx, scenario.Steps)
	if settleErr := h.settle(ctx); runErr == nil {
		runErr = settleErr
	}
	if runErr == nil {
		h.assert(ctx, scenario.Assertions)
	}
	if cerr := c.Close(); runErr == nil && cerr != nil {
		runErr = fmt.Errorf("failed to close database: %w", cerr)
	}
	if runErr != nil {
		return nil, runErr
	}
	return h.result, nil
}

// execution is the state of one scenario run. Only the harness goroutine
// touches it; tasks only use rec and the gates.
type execution struct {
	client  *client.Client
	timeout time.Duration
	rec     *testutil.Recorder
	tokens  map[string]client.Token
	gates   map[string]*testutil.Gate
	result  *Result
}

func (h *execution) steps(ctx context.Context, steps []Step) error {
	for i := range steps {
		if err := h.step(ctx, &steps[i]); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func (h *execution) step(ctx context.Context, step *Step) error {
	switch step.Kind() {
	case KindExec:
		return h.exec(ctx, step)
	case KindBegin:
		return h.begin(ctx, step)
	case KindWaitRunning:
		return h.waitRunning(step.WaitRunning)
	case KindRelease:
		h.gates[step.Release].Open()
		h.result.addEvent(TraceEvent{Step: KindRelease, Label: step.Release})
		return nil
	case KindCancel:
		return h.cancel(step.Cancel)
	case KindEnd:
		return h.end(ctx, step)
	case KindQuery:
		return h.query(ctx, step)
	case KindReset:
		sctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		ev := TraceEvent{Step: KindReset}
		ev.Status, ev.Code, _ = outcome(nil, h.client.Reset(sctx))
		h.result.addEvent(ev)
		return nil
	case KindDrain:
		sctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		if err := h.client.Drain(sctx); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		h.result.addEvent(TraceEvent{Step: KindDrain, Status: StatusOK})
		return nil
	default:
		return fmt.Errorf("invalid step")
	}
}

func (h *execution) exec(ctx context.Context, step *Step) error {
	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	value, err := h.client.Execute(sctx, h.task(step, nil), submitOptions(step)...)
	if sctx.Err() != nil && errors.Is(err, sctx.Err()) {
		return fmt.Errorf("exec %q: %w", step.Label, err)
	}

	ev := TraceEvent{Step: KindExec, Label: step.Label}
	ev.Status, ev.Code, ev.Value = outcome(value, err)
	h.check(step, ev)
	h.result.addEvent(ev)
	return nil
}

func (h *execution) begin(ctx context.Context, step *Step) error {
	var gate *testutil.Gate
	if step.Hold {
		gate = testutil.NewGate()
		h.gates[step.Label] = gate
	}

	token, err := h.client.BeginExecution(ctx, h.task(step, gate), nil, submitOptions(step)...)
	if err != nil {
		return fmt.Errorf("begin %q: %w", step.Label, err)
	}
	h.tokens[step.Label] = token
	h.result.addEvent(TraceEvent{Step: KindBegin, Label: step.Label})
	return nil
}

func (h *execution) waitRunning(label string) error {
	if !h.gates[label].WaitEntered(h.timeout) {
		return fmt.Errorf("wait_running %q: task did not start within %s", label, h.timeout)
	}
	st, err := h.client.Status(h.tokens[label])
	if err != nil {
		return fmt.Errorf("wait_running %q: %w", label, err)
	}
	h.result.addEvent(TraceEvent{Step: KindWaitRunning, Label: label, Status: st.String()})
	return nil
}

func (h *execution) cancel(label string) error {
	token := h.tokens[label]
	if err := h.client.CancelExecution(token); err != nil {
		return fmt.Errorf("cancel %q: %w", label, err)
	}
	st, err := h.client.Status(token)
	if err != nil {
		return fmt.Errorf("cancel %q: %w", label, err)
	}
	h.result.addEvent(TraceEvent{Step: KindCancel, Label: label, Status: st.String()})
	return nil
}

func (h *execution) end(ctx context.Context, step *Step) error {
	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	res, err := h.client.EndExecution(sctx, h.tokens[step.End])
	ev := TraceEvent{Step: KindEnd, Label: step.End}
	switch {
	case err == nil:
		ev.Status, ev.Code, ev.Value = outcome(res.Value, res.Err)
	case errors.Is(err, client.ErrCancelled):
		ev.Status = StatusCancelled
	default:
		return fmt.Errorf("end %q: %w", step.End, err)
	}
	h.check(step, ev)
	h.result.addEvent(ev)
	return nil
}

func (h *execution) query(ctx context.Context, step *Step) error {
	rows, err := h.rows(ctx, step.Query, step.Args...)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("query: %w", err)
	}

	ev := TraceEvent{Step: KindQuery}
	if err != nil {
		ev.Status, ev.Code, _ = outcome(nil, err)
		h.result.AddError(fmt.Sprintf("query %q failed: %v", step.Query, err))
	} else {
		ev.Rows = rows
		if step.Rows != nil {
			if diff := cmp.Diff(normalizeRows(step.Rows), rows); diff != "" {
				h.result.AddError(fmt.Sprintf("query %q rows mismatch (-want +got):\n%s", step.Query, diff))
			}
		}
	}
	h.result.addEvent(ev)
	return nil
}

// rows runs a read-only statement through the client and returns its rows
// with driver values normalized.
func (h *execution) rows(ctx context.Context, query string, args ...any) ([][]any, error) {
	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	value, err := h.client.Execute(sctx, func(conn *client.Conn) (any, error) {
		rs, err := conn.Query(query, args...)
		if err != nil {
			return nil, err
		}
		defer rs.Close()

		cols, err := rs.Columns()
		if err != nil {
			return nil, err
		}
		out := [][]any{}
		for rs.Next() {
			row := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range row {
				ptrs[i] = &row[i]
			}
			if err := rs.Scan(ptrs...); err != nil {
				return nil, err
			}
			out = append(out, normalizeRow(row))
		}
		return out, rs.Err()
	}, client.Label("query"))
	if err != nil {
		return nil, err
	}
	return value.([][]any), nil
}

// task builds the operation for an exec or begin step. Its value is the
// last insert id of the final statement.
func (h *execution) task(step *Step, gate *testutil.Gate) client.Task {
	stmts := step.Exec
	if len(step.Begin) > 0 {
		stmts = step.Begin
	}
	label, fail := step.Label, step.Fail

	return func(conn *client.Conn) (any, error) {
		h.rec.Enter(label)
		defer h.rec.Exit(label)
		if gate != nil {
			gate.Block()
		}

		var last int64
		for _, q := range stmts {
			res, err := conn.Exec(q)
			if err != nil {
				return nil, err
			}
			if id, err := res.LastInsertId(); err == nil {
				last = id
			}
		}
		if fail != "" {
			return last, errors.New(fail)
		}
		return last, nil
	}
}

// settle lets every held task finish and waits for the queue to empty so
// Executed is complete.
func (h *execution) settle(ctx context.Context) error {
	for _, g := range h.gates {
		g.Open()
	}
	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.client.Drain(sctx); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	h.result.Executed = h.rec.Order()
	return nil
}

// check compares an outcome with the step's expectation, if any.
func (h *execution) check(step *Step, ev TraceEvent) {
	want := step.Expect
	if want == nil {
		return
	}
	if ev.Status != want.Status {
		h.result.AddError(fmt.Sprintf("%s %q: expected status %s, got %s (code=%s)",
			ev.Step, ev.Label, want.Status, ev.Status, ev.Code))
		return
	}
	if want.Code != "" && ev.Code != want.Code {
		h.result.AddError(fmt.Sprintf("%s %q: expected code %s, got %s", ev.Step, ev.Label, want.Code, ev.Code))
	}
	if want.Value != nil && ev.Value != *want.Value {
		h.result.AddError(fmt.Sprintf("%s %q: expected value %d, got %v", ev.Step, ev.Label, *want.Value, ev.Value))
	}
}

func submitOptions(step *Step) []client.SubmitOption {
	opts := []client.SubmitOption{client.Label(step.Label)}
	if step.Tx {
		opts = append(opts, client.InTransaction())
	}
	return opts
}

// outcome classifies a task result for the trace.
func outcome(value any, err error) (status, code string, v any) {
	if err == nil {
		return StatusOK, "", value
	}
	if errors.Is(err, client.ErrCancelled) {
		return StatusCancelled, "", nil
	}
	var cerr *client.Error
	if errors.As(err, &cerr) {
		return StatusFailed, string(cerr.Code), nil
	}
	return StatusFailed, CodeTaskFailed, nil
}

func normalizeRows(rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = normalizeRow(row)
	}
	return out
}

func normalizeRow(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = normalizeValue(v)
	}
	return out
}

// normalizeValue maps driver and YAML scalars onto the types
// MarshalCanonical accepts, so both sides of a comparison agree.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return v
}
