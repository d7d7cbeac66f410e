package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/dagstate/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonical converts a TraceSnapshot to an IR object for canonical
// JSON serialization. Empty fields are omitted; a notification carries
// its value even when it is null.
func (s *TraceSnapshot) toCanonical() ir.IRObject {
	trace := make(ir.IRArray, len(s.Trace))
	for i, ev := range s.Trace {
		obj := ir.IRObject{
			"seq":  ir.IRInt(ev.Seq),
			"kind": ir.IRString(ev.Kind),
		}
		if ev.Context != "" {
			obj["context"] = ir.IRString(ev.Context)
		}
		if ev.Detail != "" {
			obj["detail"] = ir.IRString(ev.Detail)
		}
		if ev.Outcome != "" {
			obj["outcome"] = ir.IRString(ev.Outcome)
		}
		if ev.Generation != 0 {
			obj["generation"] = ir.IRInt(ev.Generation)
		}
		if ev.Value != nil {
			obj["value"] = ev.Value
		}
		trace[i] = obj
	}
	return ir.IRObject{
		"scenario_name": ir.IRString(s.ScenarioName),
		"trace":         trace,
	}
}

// Marshal returns the canonical JSON encoding of the snapshot.
func (s *TraceSnapshot) Marshal() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonical())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass; the golden
// comparison itself fails t through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
	}
	traceJSON, err := snapshot.Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
