package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tarn/internal/ir"
)

// Scenario defines a conformance test scenario.
// A scenario loads a program, feeds it a sequence of events and asserts on
// the resulting deltas and final view contents.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Program is the path of a CUE file or package directory declaring the
	// views. Relative paths are resolved against the scenario file.
	Program string `yaml:"program,omitempty"`

	// Source is an inline CUE program, used instead of Program.
	Source string `yaml:"source,omitempty"`

	// Session stamps every step. Defaults to testutil.DefaultSession.
	Session string `yaml:"session,omitempty"`

	// Trace limits the recorded deltas to these views. When empty, every
	// view except the bootstrap relations is recorded.
	Trace []string `yaml:"trace,omitempty"`

	// Steps are applied in order, one event each.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one inbound event.
type Step struct {
	Changes  []ChangeStep `yaml:"changes,omitempty"`
	Commands [][]string   `yaml:"commands,omitempty"`

	// Expect describes a failure the step must produce. A step without
	// Expect must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ChangeStep is one batch of a step, in the same shape as a wire change.
type ChangeStep struct {
	View   string   `yaml:"view"`
	Fields []string `yaml:"fields"`
	Insert [][]any  `yaml:"insert,omitempty"`
	Remove [][]any  `yaml:"remove,omitempty"`
}

// ExpectClause specifies an expected failure.
type ExpectClause struct {
	// Error must be a substring of the error message.
	Error string `yaml:"error,omitempty"`

	// Code is the expected engine error code, e.g. "INVALID_CHANGE".
	Code string `yaml:"code,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "view_contains": every row is present in the view
	// - "view_excludes": no row is present in the view
	// - "view_equals": the view holds exactly these rows
	// - "view_count": the view holds exactly Count rows
	// - "diagnostics": exactly Count row errors were reported
	Type string `yaml:"type"`

	// View is the view id (used by the view_* assertions).
	View string `yaml:"view,omitempty"`

	// Rows are the expected tuples.
	Rows [][]any `yaml:"rows,omitempty"`

	// Count is the expected number of rows or diagnostics.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertViewContains = "view_contains"
	AssertViewExcludes = "view_excludes"
	AssertViewEquals   = "view_equals"
	AssertViewCount    = "view_count"
	AssertDiagnostics  = "diagnostics"
)

// LoadScenario reads and parses a scenario YAML file. A relative program
// path is resolved against the directory holding the file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the program path relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if s.Program != "" && !filepath.IsAbs(s.Program) && basePath != "" {
		s.Program = filepath.Join(basePath, s.Program)
	}

	if err := validateScenario(s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return s, nil
}

// ParseScenario decodes a scenario without resolving or validating its
// program path.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &s, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch {
	case s.Program == "" && s.Source == "":
		return fmt.Errorf("program or source is required")
	case s.Program != "" && s.Source != "":
		return fmt.Errorf("program and source are mutually exclusive")
	case s.Program != "":
		if _, err := os.Stat(s.Program); os.IsNotExist(err) {
			return fmt.Errorf("program not found: %s", s.Program)
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if len(step.Changes) == 0 && len(step.Commands) == 0 {
			return fmt.Errorf("steps[%d]: changes or commands required", i)
		}
		for j, c := range step.Changes {
			if c.View == "" {
				return fmt.Errorf("steps[%d].changes[%d]: view is required", i, j)
			}
		}
		if step.Expect != nil && step.Expect.Error == "" && step.Expect.Code == "" {
			return fmt.Errorf("steps[%d].expect: error or code is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertViewContains, AssertViewExcludes:
		if a.View == "" {
			return fmt.Errorf("assertions[%d]: %s requires view", index, a.Type)
		}
		if len(a.Rows) == 0 {
			return fmt.Errorf("assertions[%d]: %s requires rows", index, a.Type)
		}
	case AssertViewEquals:
		if a.View == "" {
			return fmt.Errorf("assertions[%d]: %s requires view", index, a.Type)
		}
		if a.Rows == nil {
			return fmt.Errorf("assertions[%d]: %s requires rows (use [] for an empty view)", index, a.Type)
		}
	case AssertViewCount:
		if a.View == "" {
			return fmt.Errorf("assertions[%d]: %s requires view", index, a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be >= 0", index)
		}
	case AssertDiagnostics:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be >= 0", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if _, err := toTuples(a.Rows); err != nil {
		return fmt.Errorf("assertions[%d]: %w", index, err)
	}
	return nil
}

// Event converts the step into an inbound event for session.
func (s Step) Event(session string) (ir.Event, error) {
	ev := ir.Event{Session: session, Commands: s.Commands}
	for i, c := range s.Changes {
		ins, err := toTuples(c.Insert)
		if err != nil {
			return ir.Event{}, fmt.Errorf("changes[%d].insert: %w", i, err)
		}
		rem, err := toTuples(c.Remove)
		if err != nil {
			return ir.Event{}, fmt.Errorf("changes[%d].remove: %w", i, err)
		}
		ev.Changes = append(ev.Changes, ir.EventChange{
			View:     c.View,
			Fields:   c.Fields,
			Inserted: ins,
			Removed:  rem,
		})
	}
	return ev, nil
}

func toTuples(rows [][]any) ([]ir.Tuple, error) {
	if rows == nil {
		return nil, nil
	}
	out := make([]ir.Tuple, len(rows))
	for i, r := range rows {
		t, err := ir.TupleFromGo(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}
