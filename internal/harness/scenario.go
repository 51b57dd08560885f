package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Span is a duration that unmarshals from YAML strings like "250ms".
type Span time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Span) UnmarshalYAML(node *yaml.Node) error {
	d, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*s = Span(d)
	return nil
}

// Duration converts to time.Duration.
func (s Span) Duration() time.Duration { return time.Duration(s) }

// Scenario defines one conformance scenario: a program to execute,
// the behavior of its reaction bodies, and assertions on the trace.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files take it as
	// their basename.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Program is the path to the CUE program descriptor, relative to
	// the scenario file unless absolute.
	Program string `yaml:"program"`

	// Workers is the dispatcher pool size. Zero means one.
	Workers int `yaml:"workers,omitempty"`

	// Timeout bounds the run in elapsed logical time. Zero lets the
	// run end at quiescence instead.
	Timeout Span `yaml:"timeout,omitempty"`

	// Keepalive keeps the engine waiting on an empty queue. A
	// keepalive scenario must carry a timeout or it would never end.
	Keepalive bool `yaml:"keepalive,omitempty"`

	// Bodies binds the body names the program's reactions declare to
	// behaviors from the harness repertoire.
	Bodies []BodyBinding `yaml:"bodies,omitempty"`

	// ExpectError, when set, marks the run as expected to fail with an
	// error containing this substring.
	ExpectError string `yaml:"expect_error,omitempty"`

	// Assertions validate the canonical trace and the final tag.
	// Supported types: trace_contains, trace_order, trace_count, final_tag.
	Assertions []Assertion `yaml:"assertions"`
}

// BodyBinding gives one named reaction body a behavior.
type BodyBinding struct {
	// Body is the body name as declared by the program's reactions.
	Body string `yaml:"body"`

	// Do selects the behavior: emit, forward, increment, schedule,
	// stop, fail, or noop.
	Do string `yaml:"do"`

	// From names the trigger or source port read by forward and
	// increment.
	From string `yaml:"from,omitempty"`

	// To names the effect port written by emit, forward, and
	// increment.
	To string `yaml:"to,omitempty"`

	// Action names the effect action scheduled by schedule.
	Action string `yaml:"action,omitempty"`

	// Delay adds to the action's minimum delay (schedule only).
	Delay Span `yaml:"delay,omitempty"`

	// Value is the payload for emit and schedule (absent means a pure
	// event) or the step for increment (absent means one). Floats are
	// rejected; payloads are int, string, or bool.
	Value any `yaml:"value,omitempty"`

	// Message is the error text produced by fail.
	Message string `yaml:"message,omitempty"`
}

// Body behavior names.
const (
	DoEmit      = "emit"
	DoForward   = "forward"
	DoIncrement = "increment"
	DoSchedule  = "schedule"
	DoStop      = "stop"
	DoFail      = "fail"
	DoNoop      = "noop"
)

// Assertion validates the canonical trace or the final tag.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a matching record exists
	// - "trace_order": objects produce records in the given tag order
	// - "trace_count": matching records appear exactly Count times
	// - "final_tag": the run stopped at the given elapsed tag
	Type string `yaml:"type"`

	// Event is the record kind to match (reaction_start, reaction_end,
	// port_write, scheduled, deadline_miss, tardy, tag_begin,
	// tag_complete). Empty means reaction_start.
	Event string `yaml:"event,omitempty"`

	// Object is the full instance name of the reaction, port, or
	// trigger (used by trace_contains and trace_count).
	Object string `yaml:"object,omitempty"`

	// Objects is the expected object order (used by trace_order).
	Objects []string `yaml:"objects,omitempty"`

	// At pins the record to an exact elapsed logical time. Nil means
	// any tag. For final_tag it is the expected stop time.
	At *Span `yaml:"at,omitempty"`

	// Microstep is the tag's microstep when At is set.
	Microstep uint32 `yaml:"microstep,omitempty"`

	// Count is the expected number of matches (used by trace_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalTag      = "final_tag"
)

// LoadScenario reads and parses a scenario YAML file. The program
// path resolves relative to the scenario file. Returns an error if
// the file is missing, malformed, contains unknown fields (typos), or
// fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Program != "" && !filepath.IsAbs(scenario.Program) {
		scenario.Program = filepath.Join(filepath.Dir(path), scenario.Program)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Program == "" {
		return fmt.Errorf("program is required")
	}
	if _, err := os.Stat(s.Program); os.IsNotExist(err) {
		return fmt.Errorf("program file not found: %s", s.Program)
	}

	if s.Workers < 0 {
		return fmt.Errorf("workers must be non-negative")
	}

	if s.Keepalive && s.Timeout <= 0 {
		return fmt.Errorf("keepalive requires a timeout, the run would never end")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	seen := make(map[string]bool, len(s.Bodies))
	for i, b := range s.Bodies {
		if err := validateBinding(i, &b); err != nil {
			return err
		}
		if seen[b.Body] {
			return fmt.Errorf("bodies[%d]: duplicate body %q", i, b.Body)
		}
		seen[b.Body] = true
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateBinding validates a single body binding based on its behavior.
func validateBinding(index int, b *BodyBinding) error {
	if b.Body == "" {
		return fmt.Errorf("bodies[%d]: body is required", index)
	}
	if b.Do == "" {
		return fmt.Errorf("bodies[%d]: do is required", index)
	}

	switch b.Do {
	case DoEmit:
		if b.To == "" {
			return fmt.Errorf("bodies[%d]: to is required for emit", index)
		}
	case DoForward, DoIncrement:
		if b.From == "" {
			return fmt.Errorf("bodies[%d]: from is required for %s", index, b.Do)
		}
		if b.To == "" {
			return fmt.Errorf("bodies[%d]: to is required for %s", index, b.Do)
		}
	case DoSchedule:
		if b.Action == "" {
			return fmt.Errorf("bodies[%d]: action is required for schedule", index)
		}
	case DoStop, DoFail, DoNoop:
		// No extra fields.
	default:
		return fmt.Errorf("bodies[%d]: unknown behavior %q", index, b.Do)
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	if a.Event != "" && !validEventKind(a.Event) {
		return fmt.Errorf("assertions[%d]: unknown event kind %q", index, a.Event)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Object == "" {
			return fmt.Errorf("assertions[%d]: object is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Objects) < 2 {
			return fmt.Errorf("assertions[%d]: at least two objects are required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Object == "" {
			return fmt.Errorf("assertions[%d]: object is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalTag:
		if a.At == nil {
			return fmt.Errorf("assertions[%d]: at is required for final_tag", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// validEventKind reports whether name is a known trace record kind.
func validEventKind(name string) bool {
	switch name {
	case "tag_begin", "tag_complete", "reaction_start", "reaction_end",
		"scheduled", "port_write", "deadline_miss", "tardy":
		return true
	}
	return false
}
