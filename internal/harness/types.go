package harness

import "github.com/roach88/dagstate/internal/ir"

// Trace event kinds.
const (
	KindApply    = "apply"
	KindRace     = "race"
	KindTransfer = "transfer"
	KindGrant    = "grant"
	KindRevoke   = "revoke"
	KindNotify   = "notify"
)

// OutcomeOK marks a step that returned no error.
const OutcomeOK = "ok"

// TraceEvent is one observable effect of a scenario.
type TraceEvent struct {
	Seq        int64  `json:"seq"`
	Kind       string `json:"kind"`
	Context    string `json:"context,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Generation int64  `json:"generation,omitempty"`
	Value      ir.IRValue `json:"value,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step met its expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace holds flow events in execution order followed by watch
	// notifications in delivery order. Setup steps are not traced.
	Trace []TraceEvent `json:"trace"`

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

// record appends ev with the next sequence number.
func (r *Result) record(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}

// Notifications returns the values a named watch delivered, in order.
func (r *Result) Notifications(watch string) []ir.IRValue {
	var out []ir.IRValue
	for _, ev := range r.Trace {
		if ev.Kind == KindNotify && ev.Detail == watch {
			out = append(out, ev.Value)
		}
	}
	return out
}
