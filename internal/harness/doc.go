// Package harness runs scripted scenarios against a database client and
// checks the resulting trace.
//
// A scenario opens a fresh database, executes its steps one at a time on
// the harness goroutine, and records one trace event per step. Tasks that
// the client runs record when they start, which gives the execution order
// independently of when their results are collected.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: fifo_cancel
//	description: "A cancelled pending operation never runs"
//	steps:
//	  - exec: ["CREATE TABLE t (x INTEGER)"]
//	  - label: first
//	    begin: ["INSERT INTO t VALUES (1)"]
//	    hold: true
//	  - wait_running: first
//	  - label: second
//	    begin: ["INSERT INTO t VALUES (2)"]
//	  - cancel: second
//	  - release: first
//	  - end: second
//	    expect: { status: cancelled }
//	assertions:
//	  - type: final_state
//	    query: "SELECT x FROM t"
//	    rows: [[1]]
//
// Held tasks block the client until released, so steps that need the
// database (exec, query, reset) must come after the matching release.
//
// # Golden Files
//
// RunWithGolden serializes the trace with MarshalCanonical and compares it
// with testdata/golden/<name>.golden. Run the tests with -update to rewrite
// the files after an intended change.
package harness
