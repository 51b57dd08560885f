package ir

import (
	"fmt"
	"time"
)

// TypeName identifies the payload type carried by a port or action.
// The empty string means the trigger carries no payload.
type TypeName string

const (
	TypeNone   TypeName = ""
	TypeInt    TypeName = "int"
	TypeString TypeName = "string"
	TypeBool   TypeName = "bool"
	TypeBytes  TypeName = "bytes"
)

// Valid reports whether t is one of the declared payload types.
func (t TypeName) Valid() bool {
	switch t {
	case TypeNone, TypeInt, TypeString, TypeBool, TypeBytes:
		return true
	}
	return false
}

// Policy resolves two events scheduled on one action closer together
// than the action's declared minimum spacing. The conflict is resolved
// before queue insertion, never after.
type Policy string

const (
	// PolicyDefer pushes the new event to the earliest tag that
	// respects the minimum spacing.
	PolicyDefer Policy = "defer"
	// PolicyDrop discards the new event.
	PolicyDrop Policy = "drop"
	// PolicyReplace substitutes the new payload into the pending
	// earlier event; if that event was already processed, the new
	// event is deferred instead.
	PolicyReplace Policy = "replace"
)

// Valid reports whether p is a declared spacing policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyDefer, PolicyDrop, PolicyReplace:
		return true
	}
	return false
}

// Program is a fully parsed reactor program. Main names the class
// instantiated as the root of the reactor tree.
type Program struct {
	Name     string          `json:"name"`
	Main     string          `json:"main"`
	Reactors []*ReactorClass `json:"reactors"`
}

// Class returns the reactor class with the given name, or nil.
func (p *Program) Class(name string) *ReactorClass {
	for _, rc := range p.Reactors {
		if rc.Name == name {
			return rc
		}
	}
	return nil
}

// ReactorClass declares one reactive component: its communication
// surface (ports), its internal triggers (actions, timers), its
// reactions in declaration order, and its contained children.
type ReactorClass struct {
	Name        string       `json:"name"`
	Inputs      []Port       `json:"inputs,omitempty"`
	Outputs     []Port       `json:"outputs,omitempty"`
	Actions     []Action     `json:"actions,omitempty"`
	Timers      []Timer      `json:"timers,omitempty"`
	Reactions   []Reaction   `json:"reactions"`
	Children    []Child      `json:"children,omitempty"`
	Connections []Connection `json:"connections,omitempty"`
}

// Input returns the named input port declaration, or nil.
func (rc *ReactorClass) Input(name string) *Port {
	for i := range rc.Inputs {
		if rc.Inputs[i].Name == name {
			return &rc.Inputs[i]
		}
	}
	return nil
}

// Output returns the named output port declaration, or nil.
func (rc *ReactorClass) Output(name string) *Port {
	for i := range rc.Outputs {
		if rc.Outputs[i].Name == name {
			return &rc.Outputs[i]
		}
	}
	return nil
}

// Action returns the named action declaration, or nil.
func (rc *ReactorClass) Action(name string) *Action {
	for i := range rc.Actions {
		if rc.Actions[i].Name == name {
			return &rc.Actions[i]
		}
	}
	return nil
}

// Timer returns the named timer declaration, or nil.
func (rc *ReactorClass) Timer(name string) *Timer {
	for i := range rc.Timers {
		if rc.Timers[i].Name == name {
			return &rc.Timers[i]
		}
	}
	return nil
}

// Child returns the named child instantiation, or nil.
func (rc *ReactorClass) Child(name string) *Child {
	for i := range rc.Children {
		if rc.Children[i].Name == name {
			return &rc.Children[i]
		}
	}
	return nil
}

// Port declares a typed data slot. Width > 1 declares a multiport whose
// channels are addressed by index. Width 0 is normalized to 1.
type Port struct {
	Name  string   `json:"name"`
	Type  TypeName `json:"type,omitempty"`
	Width int      `json:"width,omitempty"`
}

// EffectiveWidth returns the declared width, treating 0 as 1.
func (p Port) EffectiveWidth() int {
	if p.Width <= 0 {
		return 1
	}
	return p.Width
}

// Action declares a schedulable trigger. MinDelay is added to every
// schedule call; MinSpacing and Policy govern closely spaced events.
// Physical actions stamp events with the physical clock instead of the
// current logical time and may be scheduled from outside the runtime.
type Action struct {
	Name       string        `json:"name"`
	Type       TypeName      `json:"type,omitempty"`
	MinDelay   time.Duration `json:"min_delay,omitempty"`
	MinSpacing time.Duration `json:"min_spacing,omitempty"`
	Policy     Policy        `json:"policy,omitempty"`
	Physical   bool          `json:"physical,omitempty"`
}

// Timer declares a periodic trigger. Offset is relative to the program
// start tag. Period 0 declares a one-shot timer.
type Timer struct {
	Name   string        `json:"name"`
	Offset time.Duration `json:"offset,omitempty"`
	Period time.Duration `json:"period,omitempty"`
}

// Reaction declares one handler of a reactor class. Body, Deadline.Body
// and STP.Body name functions in the host registry; the runtime never
// interprets them. Reactions execute in declaration order within one
// reactor instance at one tag.
type Reaction struct {
	Triggers []Ref    `json:"triggers"`
	Sources  []Ref    `json:"sources,omitempty"`
	Effects  []Ref    `json:"effects,omitempty"`
	Body     string   `json:"body"`
	Deadline Handler  `json:"deadline,omitempty"`
	STP      Handler  `json:"stp,omitempty"`
}

// Handler attaches a violation handler with its threshold to a
// reaction. A zero Threshold with an empty Body means "not declared".
type Handler struct {
	Threshold time.Duration `json:"threshold,omitempty"`
	Body      string        `json:"body,omitempty"`
}

// Declared reports whether the handler was declared at all.
func (h Handler) Declared() bool {
	return h.Threshold != 0 || h.Body != ""
}

// Child instantiates a contained reactor. Bank > 1 instantiates that
// many instances, each knowing its bank index. Bank 0 is normalized
// to 1.
type Child struct {
	Name  string `json:"name"`
	Class string `json:"class"`
	Bank  int    `json:"bank,omitempty"`
}

// EffectiveBank returns the declared bank width, treating 0 as 1.
func (c Child) EffectiveBank() int {
	if c.Bank <= 0 {
		return 1
	}
	return c.Bank
}

// Connection wires a source port to a destination port within one
// container class. HasAfter distinguishes a zero logical delay (which
// still advances the microstep) from no delay at all (same tag).
type Connection struct {
	From     Ref           `json:"from"`
	To       Ref           `json:"to"`
	After    time.Duration `json:"after,omitempty"`
	HasAfter bool          `json:"has_after,omitempty"`
}

func (c Connection) String() string {
	if c.HasAfter {
		return fmt.Sprintf("%s -> %s after %s", c.From, c.To, c.After)
	}
	return fmt.Sprintf("%s -> %s", c.From, c.To)
}
