package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/lockstep/internal/ir"
)

// TraceSnapshot captures one scenario execution for golden comparison.
// All fields serialize through canonical JSON, so identical executions
// yield byte-identical snapshots.
type TraceSnapshot struct {
	Scenario       string       `json:"scenario"`
	FinalTime      int64        `json:"final_time"`
	FinalMicrostep uint32       `json:"final_microstep"`
	Events         []TraceEvent `json:"events"`
}

// toCanonicalMap converts the snapshot to plain maps and slices for
// canonical JSON serialization.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	events := make([]any, len(s.Events))
	for i, ev := range s.Events {
		m := map[string]any{
			"seq":       ev.Seq,
			"kind":      ev.Kind,
			"time":      ev.Time,
			"microstep": ev.Microstep,
		}
		if ev.Object != "" {
			m["object"] = ev.Object
		}
		events[i] = m
	}

	return map[string]any{
		"scenario":        s.Scenario,
		"final_time":      s.FinalTime,
		"final_microstep": s.FinalMicrostep,
		"events":          events,
	}
}

// CanonicalTrace serializes a result's trace as canonical JSON. The
// bytes are what golden files hold and what determinism checks
// compare.
func CanonicalTrace(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		Scenario:       scenarioName,
		FinalTime:      result.FinalTime,
		FinalMicrostep: result.FinalMicrostep,
		Events:         result.Events,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the canonical trace
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns an error if scenario execution fails; a trace mismatch
// fails the test through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an already-obtained result against the golden
// file named after the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := CanonicalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
