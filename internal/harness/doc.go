// Package harness runs integration scenarios against the real controller
// and scheduler, backed by an in-memory repository and store.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	project:
//	  integration_branch: default
//	  staging: "ready/.*"
//	setup:
//	  - branch: ready/alice
//	    from: default
//	    author: alice
//	    files: { a.txt: "a\n" }
//	flow:
//	  - drain: true
//	    build: success
//	  - integrate: 1
//	    build: failure
//	  - reset: true
//	  - retry: r2
//	  - push_error: "remote: permission denied"
//	assertions:
//	  - type: outcomes
//	    outcomes: [integrated, noop]
//	  - type: state
//	    last_integrated: r4
//	    rejected: []
//	  - type: branch_head
//	    branch: default
//	    revision: r4
//
// # Assertion Types
//
//   - outcomes: the cycle outcomes, in order
//   - outcome_count: an outcome occurs exactly N times
//   - state: last integrated revision, reset flag and rejected revisions
//   - branch_head: the head of a branch
//   - pushed: the revision last pushed for a branch
//
// # Deterministic Testing
//
// Repository revisions are r1, r2, ... in creation order, cycle ids are
// cycle-1, cycle-2, ... and trace events carry a logical sequence number.
// Each scenario gets a fresh in-memory SQLite database, so traces are
// identical across runs and can be compared against golden files.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/integrate_two.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
