package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScenario drops a scenario YAML and a stub program file into a
// temp dir and returns the scenario path.
func writeScenario(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()

	program := `
program: {
	name: "stub"
	main: "Main"
}
reactor: Main: {
	reactions: [
		{
			triggers: ["startup"]
			body: "boot"
		},
	]
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stub.cue"), []byte(program), 0o644))

	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadScenarioValid(t *testing.T) {
	path := writeScenario(t, `
name: stub
description: "a scenario that loads"
program: stub.cue
workers: 2
timeout: 10ms
bodies:
  - body: boot
    do: noop
assertions:
  - type: trace_count
    object: main.reaction_0
    count: 1
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "stub", s.Name)
	assert.Equal(t, 2, s.Workers)
	assert.Equal(t, 10*time.Millisecond, s.Timeout.Duration())
	require.Len(t, s.Bodies, 1)
	assert.Equal(t, DoNoop, s.Bodies[0].Do)
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, AssertTraceCount, s.Assertions[0].Type)

	// The program path resolves relative to the scenario file.
	assert.Equal(t, filepath.Join(filepath.Dir(path), "stub.cue"), s.Program)
}

func TestLoadScenarioFromTestdata(t *testing.T) {
	files, err := DiscoverScenarios("testdata/scenarios", "")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		s, err := LoadScenario(f)
		require.NoError(t, err, "scenario %s should load", f)
		assert.NotEmpty(t, s.Name)
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/no_such_scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenarioUnknownField(t *testing.T) {
	path := writeScenario(t, `
name: stub
description: "typo in a field name"
program: stub.cue
assertion:
  - type: trace_count
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenarioBadDuration(t *testing.T) {
	path := writeScenario(t, `
name: stub
description: "timeout is not a duration"
program: stub.cue
timeout: fast
assertions:
  - type: final_tag
    at: 0s
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidateScenarioRequiredFields(t *testing.T) {
	base := func() *Scenario {
		return &Scenario{
			Name:        "s",
			Description: "d",
			Program:     "testdata/programs/startup.cue",
			Assertions:  []Assertion{{Type: AssertTraceContains, Object: "main.reaction_0"}},
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validateScenario(base()))
	})

	t.Run("missing name", func(t *testing.T) {
		s := base()
		s.Name = ""
		err := validateScenario(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name is required")
	})

	t.Run("missing description", func(t *testing.T) {
		s := base()
		s.Description = ""
		err := validateScenario(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "description is required")
	})

	t.Run("missing program", func(t *testing.T) {
		s := base()
		s.Program = ""
		err := validateScenario(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "program is required")
	})

	t.Run("program not found", func(t *testing.T) {
		s := base()
		s.Program = "testdata/programs/missing.cue"
		err := validateScenario(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "program file not found")
	})

	t.Run("negative workers", func(t *testing.T) {
		s := base()
		s.Workers = -1
		err := validateScenario(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "workers must be non-negative")
	})

	t.Run("keepalive without timeout", func(t *testing.T) {
		s := base()
		s.Keepalive = true
		err := validateScenario(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "keepalive requires a timeout")
	})

	t.Run("no assertions", func(t *testing.T) {
		s := base()
		s.Assertions = nil
		err := validateScenario(s)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "assertions list is required")
	})
}

func TestValidateBinding(t *testing.T) {
	cases := []struct {
		name    string
		binding BodyBinding
		wantErr string
	}{
		{"missing body", BodyBinding{Do: DoNoop}, "body is required"},
		{"missing do", BodyBinding{Body: "b"}, "do is required"},
		{"emit without to", BodyBinding{Body: "b", Do: DoEmit}, "to is required for emit"},
		{"forward without from", BodyBinding{Body: "b", Do: DoForward, To: "out"}, "from is required for forward"},
		{"increment without to", BodyBinding{Body: "b", Do: DoIncrement, From: "in"}, "to is required for increment"},
		{"schedule without action", BodyBinding{Body: "b", Do: DoSchedule}, "action is required for schedule"},
		{"unknown behavior", BodyBinding{Body: "b", Do: "explode"}, `unknown behavior "explode"`},
		{"stop needs nothing", BodyBinding{Body: "b", Do: DoStop}, ""},
		{"fail needs nothing", BodyBinding{Body: "b", Do: DoFail}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateBinding(0, &tc.binding)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestValidateScenarioDuplicateBody(t *testing.T) {
	s := &Scenario{
		Name:        "s",
		Description: "d",
		Program:     "testdata/programs/startup.cue",
		Bodies: []BodyBinding{
			{Body: "boot", Do: DoNoop},
			{Body: "boot", Do: DoStop},
		},
		Assertions: []Assertion{{Type: AssertFinalTag, At: spanPtr(0)}},
	}

	err := validateScenario(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate body "boot"`)
}

func TestValidateAssertion(t *testing.T) {
	at := spanPtr(time.Millisecond)

	cases := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"missing type", Assertion{}, "type is required"},
		{"unknown type", Assertion{Type: "trace_glance"}, `unknown assertion type "trace_glance"`},
		{"unknown event", Assertion{Type: AssertTraceContains, Object: "x", Event: "reaction_began"}, `unknown event kind "reaction_began"`},
		{"contains without object", Assertion{Type: AssertTraceContains}, "object is required for trace_contains"},
		{"order with one object", Assertion{Type: AssertTraceOrder, Objects: []string{"a"}}, "at least two objects"},
		{"count without object", Assertion{Type: AssertTraceCount, Count: 1}, "object is required for trace_count"},
		{"negative count", Assertion{Type: AssertTraceCount, Object: "x", Count: -1}, "count must be non-negative"},
		{"final_tag without at", Assertion{Type: AssertFinalTag}, "at is required for final_tag"},
		{"valid contains", Assertion{Type: AssertTraceContains, Object: "x", At: at}, ""},
		{"valid order", Assertion{Type: AssertTraceOrder, Objects: []string{"a", "b"}}, ""},
		{"valid final_tag", Assertion{Type: AssertFinalTag, At: at}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateAssertion(0, &tc.assertion)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func spanPtr(d time.Duration) *Span {
	s := Span(d)
	return &s
}
