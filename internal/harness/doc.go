// Package harness provides conformance testing for rule packages.
//
// The harness compiles CUE packages, drives a session through scenario
// steps, and checks the agenda trace and final working memory.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	specs:
//	  - path/to/rules.cue
//	strategy: fifo
//	globals: { list: [] }
//	steps:
//	  - insert: { type: Person, as: bob, fields: { name: bob, age: 30 } }
//	  - fire: { expect: 1 }
//	  - update: { fact: bob, fields: { age: 10 } }
//	  - delete: { fact: bob, expect_error: INVALID_HANDLE }
//	  - query: { name: countPerson, rows: [{ $count: 1 }] }
//	assertions:
//	  - type: fired
//	    rules: [adult]
//	  - type: fact_count
//	    count: 1
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - fact_count: Verifies the number of facts in working memory
//   - fired: Verifies the fired rules in order, or the firings of one rule
//   - query: Evaluates a query and verifies its rows
//   - objects_of_type: Verifies the facts of a type by count or fields
//   - trace_contains: Verifies a rule event appears in the trace
//
// # Deterministic Testing
//
// The session ID is the scenario name and fact IDs follow insertion
// order, so traces are identical across runs. Trace events label facts
// with their scenario labels ("bob") or "#ID" for derived facts.
//
// The harness uses:
//   - A fixed session ID (engine.FixedGenerator)
//   - The store's firing log as the trace source
//   - In-memory SQLite database (isolated per run)
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/adults.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
