// Package harness runs conformance scenarios against the engine.
//
// A scenario is a YAML file naming a CUE program, a set of body
// bindings that give the program's reactions behavior, and assertions
// over the resulting execution trace. The harness compiles the
// program, builds its assembly, binds the bodies, runs the engine to
// completion under a fake clock pinned at zero, and evaluates the
// assertions against a canonical form of the trace.
//
// # Scenario Format
//
//	name: ping_pong
//	description: "Two reactors bounce a counter until it reaches three"
//	program: ping_pong.cue
//	workers: 2
//	bodies:
//	  - body: kickoff
//	    do: emit
//	    to: out
//	    value: 0
//	  - body: bounce
//	    do: increment
//	    from: in
//	    to: out
//	assertions:
//	  - type: trace_count
//	    object: main.ping.reaction_1
//	    count: 3
//
// Bodies come from a fixed repertoire (emit, forward, increment,
// schedule, stop, fail, noop) so scenarios stay declarative. Behavior
// the repertoire cannot express belongs in engine tests, not here.
//
// # Assertion Types
//
//   - trace_contains: a record of the given kind and object exists,
//     optionally at an exact tag
//   - trace_order: objects produce records in the given tag order
//   - trace_count: a record of the given kind and object appears
//     exactly N times
//   - final_tag: the run stopped at the given elapsed tag
//
// # Deterministic Testing
//
// Every scenario runs in fast mode under a fake clock pinned at zero,
// so logical tags are elapsed times and physical timestamps never
// leak into results. Traces are canonicalized before comparison:
// worker ids and physical times are dropped and records are ordered
// by tag, kind, and object name. Two runs of the same scenario
// produce identical canonical traces regardless of worker count;
// VerifyDeterminism checks exactly that, and golden files pin the
// canonical trace across revisions.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/ping_pong.yaml")
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
