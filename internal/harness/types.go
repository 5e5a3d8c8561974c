package harness

// TraceEvent is one entry of a scenario trace: the invocation of a step or
// its completion.
type TraceEvent struct {
	Type    string         `json:"type"` // "invocation" or "completion"
	Op      string         `json:"op,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Outcome string         `json:"outcome,omitempty"` // "ok" or an error code
	Result  map[string]any `json:"result,omitempty"`
	Seq     int64          `json:"seq"`
}

// Event type names.
const (
	EventInvocation = "invocation"
	EventCompletion = "completion"
)

// OutcomeOK is the completion outcome of a step that returned no error.
const OutcomeOK = "ok"

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step matched its expectation and all assertions held.
	Pass bool `json:"pass"`

	// Trace contains all invocations and completions in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddInvocationTrace adds a step invocation to the trace.
func (r *Result) AddInvocationTrace(op string, args map[string]any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type: EventInvocation,
		Op:   op,
		Args: args,
		Seq:  seq,
	})
}

// AddCompletionTrace adds a step completion to the trace.
func (r *Result) AddCompletionTrace(outcome string, result map[string]any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:    EventCompletion,
		Outcome: outcome,
		Result:  result,
		Seq:     seq,
	})
}
