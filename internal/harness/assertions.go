package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", event.Seq, event.Step, event.Label, event.Status)
		}
	}
	return buf.String()
}

// assert evaluates every assertion and records failures in the result.
func (h *execution) assert(ctx context.Context, assertions []Assertion) {
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceOrder:
			err = assertTraceOrder(h.result.Executed, h.result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(h.result.Trace, a)
		case AssertFinalState:
			err = h.assertFinalState(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			h.result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
}

// assertTraceOrder checks that the labelled tasks started in the given
// relative order. Other tasks may run in between.
func assertTraceOrder(executed []string, trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, label := range executed {
		if _, ok := positions[label]; !ok {
			positions[label] = i + 1 // 1-indexed for readability
		}
	}

	for _, label := range assertion.Labels {
		if positions[label] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all labels executed: %v", assertion.Labels),
				Actual:   fmt.Sprintf("%s never ran (executed: %v)", label, executed),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Labels); i++ {
		prev := assertion.Labels[i-1]
		curr := assertion.Labels[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("labels in order: %v", assertion.Labels),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks how many events of a step kind, optionally with
// a given status, the trace holds.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Step != assertion.Step {
			continue
		}
		if assertion.Status != "" && event.Status != assertion.Status {
			continue
		}
		count++
	}

	if count != assertion.Count {
		what := assertion.Step
		if assertion.Status != "" {
			what += " " + assertion.Status
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, what),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState runs the assertion's query through the client and
// requires exactly the expected rows, in order.
func (h *execution) assertFinalState(ctx context.Context, assertion Assertion) error {
	rows, err := h.rows(ctx, assertion.Query)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query %q to succeed", assertion.Query),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	want := normalizeRows(assertion.Rows)
	if diff := cmp.Diff(want, rows); diff != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v (-want +got):\n%s", rows, diff),
		}
	}
	return nil
}
