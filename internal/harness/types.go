package harness

// TraceEvent records the outcome of one scenario step. Events are appended
// by the harness goroutine only, so their order is the step order.
type TraceEvent struct {
	Seq    int64   `json:"seq"`
	Step   string  `json:"step"`
	Label  string  `json:"label,omitempty"`
	Status string  `json:"status,omitempty"`
	Code   string  `json:"code,omitempty"`
	Value  any     `json:"value,omitempty"`
	Rows   [][]any `json:"rows,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true if every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in step order.
	Trace []TraceEvent `json:"trace"`

	// Executed lists task labels in the order their tasks started.
	Executed []string `json:"executed"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Executed: []string{},
		Errors:   []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}

func (e TraceEvent) canonicalMap() map[string]any {
	m := map[string]any{
		"seq":  e.Seq,
		"step": e.Step,
	}
	if e.Label != "" {
		m["label"] = e.Label
	}
	if e.Status != "" {
		m["status"] = e.Status
	}
	if e.Code != "" {
		m["code"] = e.Code
	}
	if e.Value != nil {
		m["value"] = e.Value
	}
	if e.Rows != nil {
		m["rows"] = e.Rows
	}
	return m
}
