package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/dagstate/internal/instance"
	"github.com/roach88/dagstate/internal/ir"
	"github.com/roach88/dagstate/internal/object"
)

// AssertionContext gives assertions access to the instance a scenario
// ran on.
type AssertionContext struct {
	Instance *instance.Instance
	Ctx      context.Context
}

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
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s %s\n", ev.Seq, ev.Kind, ev.Context, ev.Detail, ev.Outcome)
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure
// messages in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertValue:
		return assertValue(actx, a)
	case AssertAbsent:
		return assertAbsent(actx, a)
	case AssertGeneration:
		return assertGeneration(actx, a)
	case AssertHistory:
		return assertHistory(actx, a)
	case AssertNotifications:
		return assertNotifications(result, a)
	case AssertVerify:
		return assertVerify(actx, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func assertValue(actx *AssertionContext, a Assertion) error {
	want, err := ir.FromGo(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	state, err := actx.Instance.Engine.State(actx.Ctx, a.Context)
	if err != nil {
		return err
	}
	got, ok, err := state.Lookup(actx.Ctx, splitPath(a.Path)...)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s at %q in %s", show(want), a.Path, a.Context),
			Actual:   "nothing stored",
		}
	}
	if !ir.Equal(want, got) {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s at %q in %s", show(want), a.Path, a.Context),
			Actual:   show(got),
		}
	}
	return nil
}

func assertAbsent(actx *AssertionContext, a Assertion) error {
	state, err := actx.Instance.Engine.State(actx.Ctx, a.Context)
	if err != nil {
		return err
	}
	got, ok, err := state.Lookup(actx.Ctx, splitPath(a.Path)...)
	if err != nil {
		return err
	}
	if ok {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("nothing at %q in %s", a.Path, a.Context),
			Actual:   show(got),
		}
	}
	return nil
}

func assertGeneration(actx *AssertionContext, a Assertion) error {
	ref, err := actx.Instance.Engine.Head(actx.Ctx, a.Context)
	if err != nil {
		return err
	}
	if ref.Generation != int64(a.Count) {
		return &AssertionError{
			Type:     AssertGeneration,
			Expected: fmt.Sprintf("%s at generation %d", a.Context, a.Count),
			Actual:   fmt.Sprintf("generation %d", ref.Generation),
		}
	}
	return nil
}

func assertHistory(actx *AssertionContext, a Assertion) error {
	n := 0
	for _, err := range actx.Instance.Engine.History(actx.Ctx, a.Context) {
		if err != nil {
			return err
		}
		n++
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertHistory,
			Expected: fmt.Sprintf("%d commits in %s", a.Count, a.Context),
			Actual:   fmt.Sprintf("%d commits", n),
		}
	}
	return nil
}

func assertNotifications(result *Result, a Assertion) error {
	var want []ir.IRValue
	if list, ok := a.Expect.([]any); ok {
		for i, v := range list {
			conv, err := ir.FromGo(v)
			if err != nil {
				return fmt.Errorf("expect[%d]: %w", i, err)
			}
			want = append(want, conv)
		}
	}
	got := result.Notifications(a.Watch)

	fail := &AssertionError{
		Type:     AssertNotifications,
		Expected: fmt.Sprintf("%s delivered %s", a.Watch, showAll(want)),
		Actual:   showAll(got),
		Trace:    result.Trace,
	}
	if len(got) != len(want) {
		return fail
	}
	for i := range want {
		if !ir.Equal(want[i], got[i]) {
			return fail
		}
	}
	return nil
}

func assertVerify(actx *AssertionContext, a Assertion) error {
	ref, err := actx.Instance.Engine.Head(actx.Ctx, a.Context)
	if err != nil {
		return err
	}
	report, err := actx.Instance.DAG.Verify(actx.Ctx, object.Hash(ref.Commit), actx.Instance.Boundary)
	if err != nil {
		return &AssertionError{
			Type:     AssertVerify,
			Expected: fmt.Sprintf("history of %s verifies", a.Context),
			Actual:   err.Error(),
		}
	}
	if report.Signed != a.Count {
		return &AssertionError{
			Type:     AssertVerify,
			Expected: fmt.Sprintf("%d signed commits in %s", a.Count, a.Context),
			Actual:   fmt.Sprintf("%d signed of %d", report.Signed, report.Commits),
		}
	}
	return nil
}

func show(v ir.IRValue) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func showAll(vs []ir.IRValue) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = show(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
