// Package harness runs YAML transaction scenarios against the engine.
//
// Each scenario gets a fresh in-memory SQLite store and an engine wired with
// deterministic helpers: transaction and document ids come from a sequence
// generator ("id-1", "id-2", ...) and timestamps from a stepping clock, so
// the trace of a scenario is reproducible byte for byte and can be compared
// against a golden file.
//
// The flow drives the real Builder and Engine. Store failures are injected
// with fail/heal steps and permission refusals with deny rules.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	config:
//	  soft_delete: true
//	principal: alice
//	setup:
//	  - collection: posts
//	    document: { _id: p1, title: draft }
//	deny:
//	  - collection: posts
//	    kind: remove
//	flow:
//	  - op: start
//	    description: publish
//	  - op: update
//	    collection: posts
//	    id: p1
//	    command: $set
//	    fields: { title: final }
//	  - op: commit
//	  - op: undo
//	    expect:
//	      applied: true
//	assertions:
//	  - type: trace_order
//	    ops: [start, commit, undo]
//	  - type: document
//	    collection: posts
//	    id: p1
//	    expect: { title: draft }
//	  - type: transaction
//	    transaction: id-1
//	    state: undone
//
// Operations: start, insert, update, remove, commit, cancel, undo, redo,
// recover, find, fail, heal. A step without an expect clause must succeed;
// expect.error names the error code a step must fail with.
//
// Assertion types: trace_contains, trace_order, trace_count, document,
// absent, transaction.
//
// # Golden Files
//
// RunWithGolden compares the trace with testdata/golden/<name>.golden.
// Regenerate with:
//
//	go test ./internal/harness -update
package harness
