package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario drives one database client through a scripted sequence of
// steps and asserts on the resulting trace and final database contents.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Database is the database name inside the runner's storage directory.
	// Defaults to Name.
	Database string `yaml:"database,omitempty"`

	// Steps run in order on the harness goroutine.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state after all steps.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is a single harness action. Exactly one of Exec, Begin, WaitRunning,
// Release, Cancel, End, Query, Reset or Drain is set.
type Step struct {
	// Label names the operation for later steps and in the trace. Defaults
	// to "step-N" for exec and begin steps.
	Label string `yaml:"label,omitempty"`

	// Exec runs these statements synchronously with Execute.
	Exec []string `yaml:"exec,omitempty"`

	// Begin queues these statements with BeginExecution.
	Begin []string `yaml:"begin,omitempty"`

	// Tx submits an exec or begin step with InTransaction.
	Tx bool `yaml:"tx,omitempty"`

	// Hold parks a begin step's task before its first statement until a
	// release step names it.
	Hold bool `yaml:"hold,omitempty"`

	// Fail makes the task return an error with this message after its
	// statements ran.
	Fail string `yaml:"fail,omitempty"`

	// WaitRunning blocks until the held task with this label is running.
	WaitRunning string `yaml:"wait_running,omitempty"`

	// Release lets the held task with this label continue.
	Release string `yaml:"release,omitempty"`

	// Cancel calls CancelExecution for the labelled operation.
	Cancel string `yaml:"cancel,omitempty"`

	// End calls EndExecution for the labelled operation.
	End string `yaml:"end,omitempty"`

	// Query runs a SELECT synchronously and records its rows.
	Query string `yaml:"query,omitempty"`

	// Args are bound to Query's placeholders.
	Args []any `yaml:"args,omitempty"`

	// Rows, if set, is compared against Query's result.
	Rows [][]any `yaml:"rows,omitempty"`

	// Reset closes and reopens the database, cancelling pending work.
	Reset bool `yaml:"reset,omitempty"`

	// Drain waits for all previously submitted work.
	Drain bool `yaml:"drain,omitempty"`

	// Expect checks the outcome of an exec or end step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect describes the expected outcome of an operation.
type Expect struct {
	// Status is one of "ok", "failed" or "cancelled".
	Status string `yaml:"status"`

	// Code is the expected client error code for failed outcomes, or
	// "TASK_FAILED" for errors the task itself returned.
	Code string `yaml:"code,omitempty"`

	// Value is the expected last insert id on success.
	Value *int64 `yaml:"value,omitempty"`
}

// Step kinds, as recorded in the trace.
const (
	KindExec        = "exec"
	KindBegin       = "begin"
	KindWaitRunning = "wait_running"
	KindRelease     = "release"
	KindCancel      = "cancel"
	KindEnd         = "end"
	KindQuery       = "query"
	KindReset       = "reset"
	KindDrain       = "drain"
)

// Outcome statuses.
const (
	StatusOK        = "ok"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Kind returns which action the step performs, or "" if none or several
// are set.
func (s *Step) Kind() string {
	var kinds []string
	if len(s.Exec) > 0 {
		kinds = append(kinds, KindExec)
	}
	if len(s.Begin) > 0 {
		kinds = append(kinds, KindBegin)
	}
	if s.WaitRunning != "" {
		kinds = append(kinds, KindWaitRunning)
	}
	if s.Release != "" {
		kinds = append(kinds, KindRelease)
	}
	if s.Cancel != "" {
		kinds = append(kinds, KindCancel)
	}
	if s.End != "" {
		kinds = append(kinds, KindEnd)
	}
	if s.Query != "" {
		kinds = append(kinds, KindQuery)
	}
	if s.Reset {
		kinds = append(kinds, KindReset)
	}
	if s.Drain {
		kinds = append(kinds, KindDrain)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_order": labels started executing in this relative order
	// - "trace_count": number of trace events of Step kind with Status
	// - "final_state": Query returns exactly Rows
	Type string `yaml:"type"`

	// Labels is the expected execution order (used by trace_order).
	Labels []string `yaml:"labels,omitempty"`

	// Step and Status select trace events (used by trace_count).
	Step   string `yaml:"step,omitempty"`
	Status string `yaml:"status,omitempty"`

	// Count is the expected number of matching events (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Query and Rows describe the expected final state (used by final_state).
	Query string  `yaml:"query,omitempty"`
	Rows  [][]any `yaml:"rows,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceOrder = "trace_order"
	AssertTraceCount = "trace_count"
	AssertFinalState = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that steps
// only refer to operations begun earlier.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if strings.ContainsAny(s.databaseName(), `/\`) {
		return fmt.Errorf("database %q must not contain path separators", s.databaseName())
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	labels := make(map[string]bool)
	begun := make(map[string]bool)
	held := make(map[string]bool)
	for i := range s.Steps {
		step := &s.Steps[i]
		kind := step.Kind()
		if kind == "" {
			return fmt.Errorf("steps[%d]: exactly one action is required", i)
		}

		if (step.Tx || step.Fail != "") && kind != KindExec && kind != KindBegin {
			return fmt.Errorf("steps[%d]: tx and fail apply to exec and begin steps", i)
		}
		if step.Hold && kind != KindBegin {
			return fmt.Errorf("steps[%d]: hold applies to begin steps", i)
		}
		if (len(step.Args) > 0 || step.Rows != nil) && kind != KindQuery {
			return fmt.Errorf("steps[%d]: args and rows apply to query steps", i)
		}
		if step.Expect != nil {
			if kind != KindExec && kind != KindEnd {
				return fmt.Errorf("steps[%d].expect: applies to exec and end steps", i)
			}
			switch step.Expect.Status {
			case StatusOK, StatusFailed, StatusCancelled:
			default:
				return fmt.Errorf("steps[%d].expect: status must be ok, failed or cancelled", i)
			}
		}

		switch kind {
		case KindExec, KindBegin:
			if step.Label == "" {
				step.Label = fmt.Sprintf("step-%d", i+1)
			}
			if labels[step.Label] {
				return fmt.Errorf("steps[%d]: duplicate label %q", i, step.Label)
			}
			labels[step.Label] = true
			if kind == KindBegin {
				begun[step.Label] = true
				held[step.Label] = step.Hold
			}
		case KindWaitRunning, KindRelease:
			ref := step.WaitRunning + step.Release
			if !held[ref] {
				return fmt.Errorf("steps[%d]: %q is not a held begin step", i, ref)
			}
		case KindCancel, KindEnd:
			ref := step.Cancel + step.End
			if !begun[ref] {
				return fmt.Errorf("steps[%d]: %q is not an earlier begin step", i, ref)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceOrder:
		if len(a.Labels) < 2 {
			return fmt.Errorf("assertions[%d]: trace_order requires at least 2 labels", index)
		}
	case AssertTraceCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: trace_count requires step", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertFinalState:
		if a.Query == "" {
			return fmt.Errorf("assertions[%d]: final_state requires query", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func (s *Scenario) databaseName() string {
	if s.Database != "" {
		return s.Database
	}
	return s.Name
}
