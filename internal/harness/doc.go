// Package harness provides conformance testing for tarn programs.
//
// The harness loads a CUE program into a fresh engine, applies a sequence
// of events, records the delta each one published and checks assertions
// against the final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	program: ../programs/closure.cue    # or inline CUE under source:
//	session: closure-session
//	trace: [edge, path]                 # optional; defaults to all user views
//	steps:
//	  - changes:
//	      - view: edge
//	        fields: [from, to]
//	        insert: [[a, b]]
//	        remove: []
//	    commands: [[save, checkpoint]]
//	  - changes:
//	      - view: nope
//	        fields: [x]
//	        insert: [[1]]
//	    expect:
//	      code: INVALID_CHANGE
//	assertions:
//	  - type: view_equals
//	    view: path
//	    rows: [[a, b]]
//
// # Assertion Types
//
//   - view_contains: every listed row is present in the view
//   - view_excludes: no listed row is present in the view
//   - view_equals: the view holds exactly the listed rows
//   - view_count: the view holds exactly count rows
//   - diagnostics: exactly count row errors were reported
//
// # Deterministic Testing
//
// Every step is stamped with the scenario's fixed session, seqs start at 1
// for each run, and deltas are sorted by view, so the same scenario always
// produces a byte-identical trace. RunWithGolden compares that trace with
// testdata/golden/{name}.golden; regenerate with
//
//	go test ./internal/harness -update
package harness
