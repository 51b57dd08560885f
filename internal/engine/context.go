package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/lockstep/internal/graph"
	"github.com/roach88/lockstep/internal/ir"
)

// ReactionContext is a reaction's window onto the engine for the
// duration of one execution. It reads triggers and sources, writes
// effects, and schedules actions; everything else about the engine is
// out of reach, which is what keeps execution deterministic.
//
// A context is valid only inside the BodyFunc invocation it was passed
// to. Bodies must not retain it.
type ReactionContext struct {
	eng    *Engine
	id     graph.ReactionID
	rec    *graph.ReactionRec
	tag    Tag
	worker int
}

// Tag returns the logical tag being executed.
func (c *ReactionContext) Tag() Tag { return c.tag }

// StartTime returns the physical timestamp logical time started from.
func (c *ReactionContext) StartTime() int64 { return c.eng.start }

// Elapsed returns logical time since start.
func (c *ReactionContext) Elapsed() time.Duration {
	return time.Duration(c.tag.Time - c.eng.start)
}

// PhysicalTime returns the current physical clock reading.
func (c *ReactionContext) PhysicalTime() int64 { return c.eng.clock.Now() }

// Lag returns how far physical time runs ahead of the executing tag.
func (c *ReactionContext) Lag() time.Duration {
	return time.Duration(c.eng.clock.Now() - c.tag.Time)
}

// Name returns the reaction's full instance name.
func (c *ReactionContext) Name() string { return c.rec.FullName }

// BankIndex returns the owning reactor's position in its bank, 0 when
// not banked.
func (c *ReactionContext) BankIndex() int {
	return c.eng.asm.Reactors[c.rec.Owner].BankIndex
}

// Logger returns a logger scoped to this reaction.
func (c *ReactionContext) Logger() *slog.Logger {
	return c.eng.log.With("reaction", c.rec.FullName)
}

// RequestStop asks the engine to stop at the next microstep, or to
// negotiate a federation-wide stop when coordinated.
func (c *ReactionContext) RequestStop() {
	c.eng.RequestStop()
}

// Width returns the channel count of a declared port, or 1 for
// actions and builtins.
func (c *ReactionContext) Width(name string) int {
	v, ok := c.rec.Vars[name]
	if !ok || v.Kind != graph.VarPort {
		return 1
	}
	return v.Port.Width
}

// Triggers returns the reaction's declared trigger names in
// declaration order.
func (c *ReactionContext) Triggers() []string {
	names := make([]string, len(c.rec.Triggers))
	for i, v := range c.rec.Triggers {
		names[i] = string(v.Ref)
	}
	return names
}

// Effects returns the reaction's declared effect names in declaration
// order.
func (c *ReactionContext) Effects() []string {
	names := make([]string, len(c.rec.Effects))
	for i, v := range c.rec.Effects {
		names[i] = string(v.Ref)
	}
	return names
}

// Present reports whether a trigger or source is present at this tag.
// For multiports it reports whether any channel is present.
func (c *ReactionContext) Present(name string) bool {
	v, ok := c.readable(name)
	if !ok {
		return false
	}
	e := c.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if v.Kind == graph.VarTrigger {
		return e.triggers[v.Trigger].present
	}
	for i := 0; i < v.Port.Width; i++ {
		if e.ports[v.Port.Channel(i)].present {
			return true
		}
	}
	return false
}

// PresentAt reports presence of one channel of a multiport.
func (c *ReactionContext) PresentAt(name string, i int) bool {
	v, ok := c.readable(name)
	if !ok || v.Kind != graph.VarPort || i < 0 || i >= v.Port.Width {
		return false
	}
	e := c.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ports[v.Port.Channel(i)].present
}

// Value returns the payload of a present trigger or source, nil when
// absent or valueless. Multiports use ValueAt.
func (c *ReactionContext) Value(name string) ir.Value {
	v, ok := c.readable(name)
	if !ok {
		return nil
	}
	e := c.eng
	e.mu.Lock()
	var tok TokenID = NoToken
	if v.Kind == graph.VarTrigger {
		if ts := &e.triggers[v.Trigger]; ts.present {
			tok = ts.token
		}
	} else if ps := &e.ports[v.Port.Channel(0)]; ps.present {
		tok = ps.token
	}
	e.mu.Unlock()
	return e.tokens.Value(tok)
}

// ValueAt returns the payload of one channel of a multiport.
func (c *ReactionContext) ValueAt(name string, i int) ir.Value {
	v, ok := c.readable(name)
	if !ok || v.Kind != graph.VarPort || i < 0 || i >= v.Port.Width {
		return nil
	}
	e := c.eng
	e.mu.Lock()
	var tok TokenID = NoToken
	if ps := &e.ports[v.Port.Channel(i)]; ps.present {
		tok = ps.token
	}
	e.mu.Unlock()
	return e.tokens.Value(tok)
}

// Set writes a single-channel effect port.
func (c *ReactionContext) Set(name string, value ir.Value) error {
	return c.SetAt(name, 0, value)
}

// SetAt writes one channel of an effect port. The write propagates to
// every connected reader at this tag; delayed connections schedule
// their own events.
func (c *ReactionContext) SetAt(name string, i int, value ir.Value) error {
	v, ok := c.effect(name)
	if !ok || v.Kind != graph.VarPort {
		return &RuntimeError{
			Code:    ErrCodeUndeclaredRef,
			Message: fmt.Sprintf("%q is not an effect port of this reaction", name),
			Site:    c.rec.FullName,
		}
	}
	if i < 0 || i >= v.Port.Width {
		return &RuntimeError{
			Code:    ErrCodeUndeclaredRef,
			Message: fmt.Sprintf("channel %d out of range for %q (width %d)", i, name, v.Port.Width),
			Site:    c.rec.FullName,
		}
	}
	port := v.Port.Channel(i)
	slot := &c.eng.asm.Ports[port]
	if err := ir.CheckType(value, slot.Type); err != nil {
		return &RuntimeError{Code: ErrCodeTypeMismatch, Message: err.Error(), Site: c.rec.FullName}
	}

	e := c.eng
	e.mu.Lock()
	var token TokenID = NoToken
	if value != nil {
		token = e.tokens.Alloc(value)
	}
	e.writeSlotLocked(port, token, c.tag, false)
	var err error
	if token != NoToken {
		err = e.tokens.Release(token)
	}
	e.mu.Unlock()

	e.flushOutbox()
	return err
}

// Schedule inserts a future occurrence of an action declared among
// this reaction's effects. The delay adds to the action's minimum
// delay; a total of zero advances the microstep only.
func (c *ReactionContext) Schedule(name string, extra time.Duration, value ir.Value) error {
	v, ok := c.effect(name)
	if !ok || v.Kind != graph.VarTrigger {
		return &RuntimeError{
			Code:    ErrCodeUndeclaredRef,
			Message: fmt.Sprintf("%q is not a schedulable effect of this reaction", name),
			Site:    c.rec.FullName,
		}
	}
	e := c.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduleActionLocked(v.Trigger, value, extra)
}

// readable resolves name among the reaction's triggers and sources.
func (c *ReactionContext) readable(name string) (graph.ReactionVar, bool) {
	if v, ok := findVar(c.rec.Triggers, name); ok {
		return v, true
	}
	return findVar(c.rec.Sources, name)
}

// effect resolves name among the reaction's effects.
func (c *ReactionContext) effect(name string) (graph.ReactionVar, bool) {
	return findVar(c.rec.Effects, name)
}

func findVar(vars []graph.ReactionVar, name string) (graph.ReactionVar, bool) {
	for _, v := range vars {
		if string(v.Ref) == name {
			return v, true
		}
	}
	return graph.ReactionVar{}, false
}
