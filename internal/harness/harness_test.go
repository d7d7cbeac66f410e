package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dagstate/internal/ir"
)

func TestScenarios(t *testing.T) {
	paths, err := FindScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.Len(t, paths, 3)

	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".yaml"), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRunIsDeterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/counter_watch.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := (&TraceSnapshot{ScenarioName: scenario.Name, Trace: first.Trace}).Marshal()
	require.NoError(t, err)
	b, err := (&TraceSnapshot{ScenarioName: scenario.Name, Trace: second.Trace}).Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

const minimal = `
name: minimal
description: "one increment"
contexts:
  - id: a
flow:
  - apply: { context: a, reducer: increment, input: { path: n } }
assertions:
  - type: value
    context: a
    path: n
    expect: 1
`

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Flow, 1)
	assert.Equal(t, "increment", s.Flow[0].Apply.Reducer)
	assert.Equal(t, map[string]any{"path": "n"}, s.Flow[0].Apply.Input)
}

func TestParseScenarioRejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    strings.Replace(minimal, "flow:", "flwo: []\nflow:", 1),
			wantErr: "flwo",
		},
		{
			name:    "no contexts",
			yaml:    strings.Replace(minimal, "contexts:\n  - id: a\n", "", 1),
			wantErr: "contexts list is required",
		},
		{
			name:    "two operations in one step",
			yaml:    strings.Replace(minimal, "input: { path: n } }", "input: { path: n } }\n    grant: { from: a, to: b }", 1),
			wantErr: "exactly one operation",
		},
		{
			name:    "apply without reducer",
			yaml:    strings.Replace(minimal, "reducer: increment, ", "", 1),
			wantErr: "context and reducer are required",
		},
		{
			name:    "unknown assertion",
			yaml:    strings.Replace(minimal, "type: value", "type: vibes", 1),
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name:    "notifications for unknown watch",
			yaml:    minimal + "  - type: notifications\n    watch: nope\n",
			wantErr: `unknown watch "nope"`,
		},
		{
			name:    "failing setup",
			yaml:    strings.Replace(minimal, "flow:", "setup:\n  - grant: { from: a, to: a }\n    expect: CONFLICT\nflow:", 1),
			wantErr: "setup steps must succeed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFailuresAreReported(t *testing.T) {
	s, err := ParseScenario([]byte(minimal))
	require.NoError(t, err)
	s.Flow[0].Expect = "CONFLICT"
	s.Assertions[0].Expect = 2

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "flow[0]: expected CONFLICT, got ok")
	assert.Contains(t, result.Errors[1], "Expected: 2")
	assert.Contains(t, result.Errors[1], "Actual: 1")
}

func TestSetupFailureAbortsRun(t *testing.T) {
	s, err := ParseScenario([]byte(minimal))
	require.NoError(t, err)
	s.Setup = []Step{{Apply: &ApplyStep{Context: "a", Op: Op{Reducer: "missing"}}}}

	_, err = Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup step 0")
}

func TestNotificationsSkipUnchangedValues(t *testing.T) {
	s, err := ParseScenario([]byte(minimal))
	require.NoError(t, err)
	s.Watch = []Watch{{Name: "n", Context: "a", Path: "n"}, {Name: "other", Context: "a", Path: "other"}}
	s.Flow = append(s.Flow, Step{Apply: &ApplyStep{Context: "a", Op: Op{Reducer: "delete", Input: map[string]any{"path": "n"}}}})
	s.Assertions = []Assertion{{Type: AssertAbsent, Context: "a", Path: "n"}}

	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []ir.IRValue{ir.IRInt(1), ir.IRNull{}}, result.Notifications("n"))
	assert.Empty(t, result.Notifications("other"))
}

func TestRunSuite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.yaml"), []byte(minimal), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("name: [\n"), 0o644))
	failing := strings.Replace(minimal, "expect: 1", "expect: 5", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(failing), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	paths, err := FindScenarios(dir)
	require.NoError(t, err)
	require.Len(t, paths, 3)

	res, err := RunSuite(context.Background(), paths)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalScenarios)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 2, res.Failed)

	byPath := map[string]ScenarioFailure{}
	for _, f := range res.Failures {
		byPath[filepath.Base(f.ScenarioPath)] = f
	}
	assert.Contains(t, byPath["broken.yml"].Errors[0], "failed to load scenario")
	assert.Equal(t, "minimal", byPath["wrong.yaml"].Scenario)
}

func TestRunSuiteStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunSuite(ctx, []string{"testdata/scenarios/counter_watch.yaml"})
	assert.ErrorIs(t, err, context.Canceled)
}
