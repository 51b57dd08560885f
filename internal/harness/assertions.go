package harness

import (
	"fmt"
	"strings"
	"time"
)

// AssertionError is returned when an assertion fails. It includes the
// relevant slice of the canonical trace so a failure reads on its own.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Canonical trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nCanonical trace:\n")
		for _, ev := range e.Trace {
			if ev.Object != "" {
				fmt.Fprintf(&buf, "  [%d] %s %s @ %s\n", ev.Seq, ev.Kind, ev.Object, formatTag(ev.Time, ev.Microstep))
			} else {
				fmt.Fprintf(&buf, "  [%d] %s @ %s\n", ev.Seq, ev.Kind, formatTag(ev.Time, ev.Microstep))
			}
		}
	}

	return buf.String()
}

// formatTag renders an elapsed tag for failure messages.
func formatTag(t int64, microstep uint32) string {
	return fmt.Sprintf("(%s, %d)", time.Duration(t), microstep)
}

// eventKind resolves the record kind an assertion matches against.
func eventKind(a *Assertion) string {
	if a.Event == "" {
		return "reaction_start"
	}
	return a.Event
}

// matches reports whether one event satisfies the assertion's kind,
// object, and optional tag constraints.
func matches(ev *TraceEvent, a *Assertion) bool {
	if ev.Kind != eventKind(a) || ev.Object != a.Object {
		return false
	}
	if a.At != nil {
		return ev.Time == int64(a.At.Duration()) && ev.Microstep == a.Microstep
	}
	return true
}

// assertTraceContains checks that a matching record exists.
func assertTraceContains(events []TraceEvent, assertion Assertion) error {
	for i := range events {
		if matches(&events[i], &assertion) {
			return nil
		}
	}

	expected := fmt.Sprintf("%s record for %s", eventKind(&assertion), assertion.Object)
	if assertion.At != nil {
		expected += " at " + formatTag(int64(assertion.At.Duration()), assertion.Microstep)
	}
	return &AssertionError{
		Type:     "trace_contains",
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    events,
	}
}

// assertTraceOrder checks that objects produce records in the given
// order. Records don't need to be consecutive; intervening records
// are allowed. Canonical order follows tags, so this asserts tag
// order, not scheduling order within one tag.
func assertTraceOrder(events []TraceEvent, assertion Assertion) error {
	kind := eventKind(&assertion)

	// First position of each expected object, 1-indexed for readability.
	positions := make(map[string]int)
	for i, ev := range events {
		if ev.Kind != kind {
			continue
		}
		for _, object := range assertion.Objects {
			if ev.Object == object && positions[object] == 0 {
				positions[object] = i + 1
			}
		}
	}

	for _, object := range assertion.Objects {
		if positions[object] == 0 {
			return &AssertionError{
				Type:     "trace_order",
				Expected: fmt.Sprintf("all objects present: %v", assertion.Objects),
				Actual:   fmt.Sprintf("missing %s record for %s", kind, object),
				Trace:    events,
			}
		}
	}

	for i := 1; i < len(assertion.Objects); i++ {
		prev := assertion.Objects[i-1]
		curr := assertion.Objects[i]

		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     "trace_order",
				Expected: fmt.Sprintf("objects in order: %v", assertion.Objects),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: events,
			}
		}
	}

	return nil
}

// assertTraceCount checks that matching records appear exactly the
// specified number of times.
func assertTraceCount(events []TraceEvent, assertion Assertion) error {
	count := 0
	for i := range events {
		if matches(&events[i], &assertion) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     "trace_count",
			Expected: fmt.Sprintf("%d %s records for %s", assertion.Count, eventKind(&assertion), assertion.Object),
			Actual:   fmt.Sprintf("%d records", count),
			Trace:    events,
		}
	}

	return nil
}

// assertFinalTag checks the tag the run stopped at.
func assertFinalTag(result *Result, assertion Assertion) error {
	wantTime := int64(assertion.At.Duration())
	if result.FinalTime != wantTime || result.FinalMicrostep != assertion.Microstep {
		return &AssertionError{
			Type:     "final_tag",
			Expected: "stop at " + formatTag(wantTime, assertion.Microstep),
			Actual:   "stopped at " + formatTag(result.FinalTime, result.FinalMicrostep),
			Trace:    result.Events,
		}
	}
	return nil
}

// EvaluateAssertions runs every assertion against the result and
// returns the failure messages. An empty slice means all passed.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Events, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Events, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Events, assertion)
		case AssertFinalTag:
			err = assertFinalTag(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
