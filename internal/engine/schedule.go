package engine

import (
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/graph"
	"github.com/roach88/lockstep/internal/ir"
)

// scheduleActionLocked resolves the spacing policy and inserts an
// event for an action trigger. The policy is applied before insertion,
// never by rewriting queued events afterwards.
func (e *Engine) scheduleActionLocked(id graph.TriggerID, value ir.Value, extra time.Duration) error {
	tr := &e.asm.Triggers[id]
	if extra < 0 {
		return &RuntimeError{
			Code:    ErrCodeInvalidConfig,
			Message: fmt.Sprintf("negative schedule delay %v", extra),
			Site:    tr.FullName,
		}
	}
	if err := ir.CheckType(value, tr.Type); err != nil {
		return &RuntimeError{Code: ErrCodeTypeMismatch, Message: err.Error(), Site: tr.FullName}
	}

	var want Tag
	if tr.Physical {
		t := e.clock.Now()
		if e.current.Time > t {
			t = e.current.Time
		}
		want = Tag{Time: t + int64(tr.MinDelay+extra)}
		if !want.After(e.current) {
			want = e.current.Next()
		}
	} else {
		want = e.current.Delay(tr.MinDelay + extra)
	}

	ast := &e.actions[id]
	var token TokenID = NoToken
	if value != nil {
		token = e.tokens.Alloc(value)
	}

	if tr.MinSpacing > 0 && ast.hasLast {
		earliest := ast.lastTag.Delay(tr.MinSpacing)
		if want.Before(earliest) {
			switch tr.Policy {
			case ir.PolicyDrop:
				return e.tokens.Release(token)
			case ir.PolicyReplace:
				if displaced, ok := e.queue.SwapToken(id, ast.pendingTag, ast.pendingSeq, token); ok {
					return e.tokens.Release(displaced)
				}
				// Already processed; fall back to defer.
				want = earliest
			default: // defer
				want = earliest
			}
		}
	}

	seq, displaced, err := e.queue.Push(&Event{
		Tag:      want,
		Trigger:  id,
		Port:     graph.None,
		Token:    token,
		Intended: want,
	})
	if err != nil {
		_ = e.tokens.Release(token)
		return err
	}
	if displaced != NoToken {
		if rerr := e.tokens.Release(displaced); rerr != nil {
			return rerr
		}
	}
	ast.hasLast = true
	ast.lastTag = want
	ast.pendingTag = want
	ast.pendingSeq = seq
	e.trace(TraceScheduled, int32(id), want, -1)
	return nil
}

// ScheduleExternal injects a physical action occurrence from outside
// the program: an interrupt handler, a sensor poller, a test. The
// event is stamped max(physical now, current logical time) plus the
// action's minimum delay. Safe from any goroutine while Run is active.
func (e *Engine) ScheduleExternal(reactor, action string, value ir.Value) error {
	r := e.asm.LookupReactor(reactor)
	if r == nil {
		return &RuntimeError{
			Code:    ErrCodeInvalidConfig,
			Message: fmt.Sprintf("no reactor instance %q", reactor),
		}
	}
	id, ok := r.TriggersByName[action]
	if !ok || e.asm.Triggers[id].Kind != graph.TriggerAction {
		return &RuntimeError{
			Code:    ErrCodeInvalidConfig,
			Message: fmt.Sprintf("no action %q on %q", action, reactor),
		}
	}
	if !e.asm.Triggers[id].Physical {
		return &RuntimeError{
			Code:    ErrCodeInvalidConfig,
			Message: "only physical actions are schedulable from outside reactions",
			Site:    e.asm.Triggers[id].FullName,
		}
	}
	if !e.running.Load() {
		return NewQueueClosedError(e.asm.Triggers[id].FullName)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduleActionLocked(id, value, 0)
}

// ScheduleNetwork delivers a message from another federate to an input
// port. Messages for future tags queue normally; a message for the tag
// being dispatched lands mid-tag, which the port-status gates make
// safe; anything older is moved to the next microstep with its
// intended tag preserved, surfacing as tardiness when it executes.
// Safe from any goroutine.
func (e *Engine) ScheduleNetwork(port graph.PortID, tag, intended Tag, value ir.Value) error {
	if port < 0 || int(port) >= len(e.asm.Ports) {
		return &RuntimeError{Code: ErrCodeInvalidConfig, Message: "network port out of range"}
	}
	slot := &e.asm.Ports[port]
	if err := ir.CheckType(value, slot.Type); err != nil {
		return &RuntimeError{Code: ErrCodeTypeMismatch, Message: err.Error(), Site: e.asm.PortName(port)}
	}

	e.mu.Lock()

	if e.state == StateDone {
		e.mu.Unlock()
		return NewQueueClosedError(e.asm.PortName(port))
	}

	var token TokenID = NoToken
	if value != nil {
		token = e.tokens.Alloc(value)
	}
	if ni, ok := e.netIn[port]; ok && ni.statusThrough.Before(tag) {
		ni.statusThrough = tag
	}

	var err error
	switch {
	case tag == e.current && e.state == StateDispatching:
		e.writeSlotLocked(port, token, intended, true)
		if token != NoToken {
			// The write retained for the slot; drop the alloc ref.
			err = e.tokens.Release(token)
		}
		e.cond.Broadcast()

	default:
		at := tag
		if !tag.After(e.current) {
			// Too late for its own tag; the next microstep is the
			// earliest place it can still be seen.
			at = e.current.Next()
		}
		var displaced TokenID
		_, displaced, err = e.queue.Push(&Event{Tag: at, Trigger: graph.None, Port: port, Token: token, Intended: intended})
		if err != nil {
			_ = e.tokens.Release(token)
		} else if displaced != NoToken {
			err = e.tokens.Release(displaced)
		}
	}
	e.mu.Unlock()

	e.flushOutbox()
	return err
}

// seedTimers queues the first occurrence of every timer.
func (e *Engine) seedTimers() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.asm.Triggers {
		tr := &e.asm.Triggers[i]
		if tr.Kind != graph.TriggerTimer {
			continue
		}
		tag := Tag{Time: e.start + int64(tr.Offset)}
		if _, _, err := e.queue.Push(&Event{Tag: tag, Trigger: tr.ID, Port: graph.None, Token: NoToken, Intended: tag}); err != nil {
			return err
		}
	}
	return nil
}
