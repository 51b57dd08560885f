package engine

import (
	"github.com/roach88/lockstep/internal/graph"
)

// writeSlotLocked makes a port channel present at the current tag and
// propagates through its direct links. Each slot visited retains one
// token reference, reclaimed when the tag drains. Writes to bound
// network outputs are staged on the outbox; callers flush it after
// releasing the lock.
func (e *Engine) writeSlotLocked(port graph.PortID, token TokenID, intended Tag, hasIntended bool) {
	ps := &e.ports[port]
	if ps.present {
		if ps.token == token {
			// A link cycle or duplicate delivery; the slot already
			// carries this value.
			return
		}
		if ps.token != NoToken {
			if err := e.tokens.Release(ps.token); err != nil {
				e.fatalLocked(err)
			}
		}
	} else {
		ps.present = true
		e.presentPorts = append(e.presentPorts, port)
	}
	e.tokens.Retain(token, 1)
	ps.token = token
	ps.intended = intended
	ps.hasIntended = hasIntended

	e.trace(TracePortWrite, int32(port), e.current, -1)

	slot := &e.asm.Ports[port]
	for _, rid := range slot.Triggered {
		e.activateLocked(rid)
	}
	if fn, ok := e.outputs[port]; ok {
		e.outbox = append(e.outbox, outboundSend{fn: fn, tag: e.current, value: e.tokens.Value(token)})
	}
	for _, next := range slot.Links {
		e.writeSlotLocked(next, token, intended, hasIntended)
	}
	for _, dt := range slot.DelayedLinks {
		tr := &e.asm.Triggers[dt]
		dtag := e.current.Delay(tr.Delay)
		e.tokens.Retain(token, 1)
		_, displaced, err := e.queue.Push(&Event{Tag: dtag, Trigger: dt, Port: graph.None, Token: token, Intended: dtag})
		if err != nil {
			_ = e.tokens.Release(token)
			e.fatalLocked(err)
			continue
		}
		if displaced != NoToken {
			if rerr := e.tokens.Release(displaced); rerr != nil {
				e.fatalLocked(rerr)
			}
		}
	}
}

// activateLocked moves a reaction into the ready set for the current
// tag. A reaction triggered several times at one tag runs once.
func (e *Engine) activateLocked(rid graph.ReactionID) {
	switch e.phase[rid] {
	case phaseIdle:
		e.phase[rid] = phaseReady
		e.touched = append(e.touched, rid)
		e.readyInsertLocked(rid)
	case phaseReady, phaseRunning:
	case phaseDone:
		// Level ordering makes this unreachable for local writes; a
		// misbehaving peer can still do it with a late message.
		e.log.Warn("reaction re-triggered after completing its tag",
			"reaction", e.asm.Reactions[rid].FullName,
			"time", e.current.Time, "microstep", e.current.Microstep)
	}
}

// activateBuiltinLocked fires a startup or shutdown trigger, which
// never travels through the event queue.
func (e *Engine) activateBuiltinLocked(id graph.TriggerID) {
	if id == graph.None {
		return
	}
	ts := &e.triggers[id]
	if !ts.present {
		ts.present = true
		e.activeTriggers = append(e.activeTriggers, id)
	}
	for _, rid := range e.asm.Triggers[id].Triggered {
		e.activateLocked(rid)
	}
}

// deliverEventLocked applies one popped event to runtime state. The
// event's token reference is consumed.
func (e *Engine) deliverEventLocked(ev *Event) error {
	if ev.Port != graph.None {
		e.writeSlotLocked(ev.Port, ev.Token, ev.Intended, true)
		return e.tokens.Release(ev.Token)
	}

	tr := &e.asm.Triggers[ev.Trigger]
	switch tr.Kind {
	case graph.TriggerConnection:
		e.writeSlotLocked(tr.Dest, ev.Token, ev.Tag, false)

	case graph.TriggerTimer:
		ts := &e.triggers[ev.Trigger]
		ts.present = true
		e.activeTriggers = append(e.activeTriggers, ev.Trigger)
		for _, rid := range tr.Triggered {
			e.activateLocked(rid)
		}
		if tr.Period > 0 {
			next := Tag{Time: ev.Tag.Time + int64(tr.Period)}
			if _, _, err := e.queue.Push(&Event{Tag: next, Trigger: ev.Trigger, Port: graph.None, Token: NoToken, Intended: next}); err != nil {
				return err
			}
		}

	case graph.TriggerAction:
		ts := &e.triggers[ev.Trigger]
		e.tokens.Retain(ev.Token, 1)
		if ts.present && ts.token != NoToken {
			if err := e.tokens.Release(ts.token); err != nil {
				return err
			}
		}
		if !ts.present {
			ts.present = true
			e.activeTriggers = append(e.activeTriggers, ev.Trigger)
		}
		ts.token = ev.Token
		for _, rid := range tr.Triggered {
			e.activateLocked(rid)
		}

	case graph.TriggerStartup, graph.TriggerShutdown:
		e.activateBuiltinLocked(ev.Trigger)
	}

	return e.tokens.Release(ev.Token)
}

// flushOutbox sends staged network output writes, outside the lock and
// in write order.
func (e *Engine) flushOutbox() {
	e.mu.Lock()
	if len(e.outbox) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.outbox
	e.outbox = nil
	e.mu.Unlock()

	for _, s := range batch {
		if err := s.fn(s.tag, s.value); err != nil {
			e.log.Error("network output send failed",
				"time", s.tag.Time, "microstep", s.tag.Microstep, "error", err)
		}
	}
}

// fatalLocked records the first fatal error and forces a stop at the
// next microstep. The current tag still drains so tokens reconcile.
func (e *Engine) fatalLocked(err error) {
	if e.fatal == nil {
		e.fatal = err
	}
	next := e.current.Next()
	if next.Before(e.stopTag) {
		e.stopTag = next
	}
	e.cond.Broadcast()
}
