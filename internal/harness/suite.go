package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SuiteResult summarizes a run over many scenario files.
type SuiteResult struct {
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Failures []SuiteFailure `json:"failures,omitempty"`
}

// SuiteFailure is one scenario that did not pass.
type SuiteFailure struct {
	ScenarioPath string `json:"scenario_path"`
	Error        string `json:"error"`
}

// Discover returns the scenario files under path in lexical order. A file
// path is returned as is; a directory is searched recursively for .yaml
// and .yml files.
func Discover(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scenario path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var out []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yaml", ".yml":
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	slices.Sort(out)
	return out, nil
}

// RunSuite loads and runs every scenario in paths. A scenario that fails
// to load or run counts as a failure; the suite keeps going.
func RunSuite(ctx context.Context, paths []string, logger *slog.Logger) (*SuiteResult, error) {
	result := &SuiteResult{}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Total++

		fail := func(format string, args ...any) {
			result.Failed++
			result.Failures = append(result.Failures, SuiteFailure{
				ScenarioPath: path,
				Error:        fmt.Sprintf(format, args...),
			})
		}

		scenario, err := LoadScenario(path)
		if err != nil {
			fail("failed to load scenario: %v", err)
			continue
		}

		run, err := RunContext(ctx, scenario, logger)
		if err != nil {
			fail("scenario execution failed: %v", err)
			continue
		}
		if !run.Pass {
			fail("scenario assertions failed: %s", strings.Join(run.Errors, "; "))
			continue
		}

		logger.Debug("scenario passed", "path", path, "steps", len(run.Trace))
		result.Passed++
	}

	return result, nil
}
