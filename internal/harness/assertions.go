package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/tarn/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string      // Assertion type for categorization
	Expected string      // Human-readable expected outcome
	Actual   string      // Human-readable actual outcome
	Trace    []TraceStep // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, step := range e.Trace {
		fmt.Fprintf(&buf, "  [%d]", step.Seq)
		if step.Error != "" {
			fmt.Fprintf(&buf, " error=%s", step.Error)
		}
		for _, c := range step.Changes {
			fmt.Fprintf(&buf, " %s(+%d -%d)", c.View, len(c.Inserted), len(c.Removed))
		}
		buf.WriteByte('\n')
	}

	return buf.String()
}

// viewRows looks up a view's final rows, failing if the view is absent.
func viewRows(result *Result, a Assertion) ([]ir.Tuple, error) {
	rows, ok := result.State[a.View]
	if !ok {
		return nil, &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("view %s to exist", a.View),
			Actual:   "no such view",
			Trace:    result.Trace,
		}
	}
	return rows, nil
}

// assertViewContains checks that every expected row is present.
func assertViewContains(result *Result, a Assertion) error {
	rows, err := viewRows(result, a)
	if err != nil {
		return err
	}
	want, err := toTuples(a.Rows)
	if err != nil {
		return err
	}

	present := ir.NewRelation(rows)
	var missing []ir.Tuple
	for _, t := range want {
		if !containsTuple(present, t) {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return &AssertionError{
			Type:     AssertViewContains,
			Expected: fmt.Sprintf("%s to contain %s", a.View, formatRows(want)),
			Actual:   fmt.Sprintf("missing %s", formatRows(missing)),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertViewExcludes checks that no listed row is present.
func assertViewExcludes(result *Result, a Assertion) error {
	rows, err := viewRows(result, a)
	if err != nil {
		return err
	}
	unwanted, err := toTuples(a.Rows)
	if err != nil {
		return err
	}

	present := ir.NewRelation(rows)
	var found []ir.Tuple
	for _, t := range unwanted {
		if containsTuple(present, t) {
			found = append(found, t)
		}
	}
	if len(found) > 0 {
		return &AssertionError{
			Type:     AssertViewExcludes,
			Expected: fmt.Sprintf("%s not to contain %s", a.View, formatRows(unwanted)),
			Actual:   fmt.Sprintf("found %s", formatRows(found)),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertViewEquals checks the view holds exactly the expected rows.
// Order and duplicates in the expectation are ignored.
func assertViewEquals(result *Result, a Assertion) error {
	rows, err := viewRows(result, a)
	if err != nil {
		return err
	}
	want, err := toTuples(a.Rows)
	if err != nil {
		return err
	}

	got := ir.NewRelation(rows)
	exp := ir.NewRelation(want)
	if !ir.Equal(got, exp) {
		return &AssertionError{
			Type:     AssertViewEquals,
			Expected: fmt.Sprintf("%s = %s", a.View, formatRows(exp)),
			Actual:   formatRows(got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertViewCount checks the number of rows in the view.
func assertViewCount(result *Result, a Assertion) error {
	rows, err := viewRows(result, a)
	if err != nil {
		return err
	}
	if len(rows) != a.Count {
		return &AssertionError{
			Type:     AssertViewCount,
			Expected: fmt.Sprintf("%d rows in %s", a.Count, a.View),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertDiagnostics checks the number of row errors.
func assertDiagnostics(result *Result, a Assertion) error {
	if result.Diagnostics != a.Count {
		return &AssertionError{
			Type:     AssertDiagnostics,
			Expected: fmt.Sprintf("%d diagnostics", a.Count),
			Actual:   fmt.Sprintf("%d diagnostics", result.Diagnostics),
			Trace:    result.Trace,
		}
	}
	return nil
}

func containsTuple(sorted ir.Relation, t ir.Tuple) bool {
	for _, r := range sorted {
		if c := ir.CompareTuples(r, t); c == 0 {
			return true
		} else if c > 0 {
			return false
		}
	}
	return false
}

func formatRows[T ~[]ir.Tuple](rows T) string {
	parts := make([]string, len(rows))
	for i, t := range rows {
		parts[i] = t.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertViewContains:
			err = assertViewContains(result, assertion)
		case AssertViewExcludes:
			err = assertViewExcludes(result, assertion)
		case AssertViewEquals:
			err = assertViewEquals(result, assertion)
		case AssertViewCount:
			err = assertViewCount(result, assertion)
		case AssertDiagnostics:
			err = assertDiagnostics(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}
