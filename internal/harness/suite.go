package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure represents one scenario that did not pass.
type ScenarioFailure struct {
	Scenario     string   `json:"scenario"`
	ScenarioPath string   `json:"scenario_path"`
	Errors       []string `json:"errors"`
}

// FindScenarios returns the .yaml and .yml files under dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find scenarios in %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// RunSuite loads and runs every scenario at paths. A scenario that fails
// to load or run counts as failed; RunSuite itself only fails when ctx
// is cancelled.
func RunSuite(ctx context.Context, paths []string) (*SuiteResult, error) {
	result := &SuiteResult{}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail(filepath.Base(path), path, fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}

		run, err := RunContext(ctx, scenario)
		if err != nil {
			result.fail(scenario.Name, path, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		if !run.Pass {
			result.fail(scenario.Name, path, run.Errors...)
			continue
		}
		result.Passed++
	}
	return result, nil
}

func (r *SuiteResult) fail(name, path string, errs ...string) {
	r.Failed++
	r.Failures = append(r.Failures, ScenarioFailure{Scenario: name, ScenarioPath: path, Errors: errs})
}
