package harness

// TraceEvent is one canonical trace record. Physical timestamps and
// worker ids are dropped; Time is elapsed logical time from start, so
// identical runs produce identical events.
type TraceEvent struct {
	// Seq is the record's position in the canonical order.
	Seq int `json:"seq"`

	// Kind is the record kind (reaction_start, port_write, ...).
	Kind string `json:"kind"`

	// Object is the full instance name of the reaction, trigger, or
	// port the record concerns. Empty for tag_begin and tag_complete.
	Object string `json:"object,omitempty"`

	// Time is the record's logical time, elapsed from start. A
	// scheduled record carries the tag it schedules for, not the tag
	// it was issued at.
	Time int64 `json:"time"`

	// Microstep is the tag's microstep.
	Microstep uint32 `json:"microstep"`
}

// Result is the outcome of one scenario execution.
type Result struct {
	// Pass indicates overall scenario success: the run behaved as
	// expected and every assertion held.
	Pass bool `json:"pass"`

	// Events is the canonical trace.
	Events []TraceEvent `json:"events"`

	// FinalTime and FinalMicrostep form the last processed tag, as
	// elapsed logical time.
	FinalTime      int64  `json:"final_time"`
	FinalMicrostep uint32 `json:"final_microstep"`

	// Executions counts reaction_start records per reaction instance.
	Executions map[string]int `json:"executions,omitempty"`

	// Errors contains assertion failure messages. Empty if Pass.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Events:     []TraceEvent{},
		Executions: make(map[string]int),
		Errors:     []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
