package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tarn/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string      `json:"scenario_name"`
	Session      string      `json:"session,omitempty"`
	Trace        []TraceStep `json:"trace"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for
// ir.MarshalCanonical, which only handles IR types and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	steps := make([]any, len(s.Trace))
	for i, step := range s.Trace {
		m := map[string]any{
			"seq":     step.Seq,
			"changes": step.Changes,
		}
		if step.Changes == nil {
			m["changes"] = []ir.EventChange{}
		}
		if step.Error != "" {
			m["error"] = step.Error
		}
		steps[i] = m
	}

	out := map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         steps,
	}
	if s.Session != "" {
		out["session"] = s.Session
	}
	return out
}

// MarshalTrace renders the trace of a result as canonical JSON.
func MarshalTrace(scenarioName, session string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Session:      session,
		Trace:        result.Trace,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden
// file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. Test failure (via goldie)
// occurs if the trace doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := assertGolden(t, scenario.Name, scenario.Session, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()
	return assertGolden(t, scenarioName, "", result)
}

func assertGolden(t *testing.T, name, session string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(name, session, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, traceJSON)
	return nil
}
