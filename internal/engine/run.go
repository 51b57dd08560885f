package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/graph"
)

// errReselect restarts tag selection after the world changed between
// picking a tag and committing to it.
var errReselect = errors.New("reselect tag")

// Run executes the program until the stop tag completes, the context
// is cancelled, or a fatal error surfaces. It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return &RuntimeError{Code: ErrCodeInvalidConfig, Message: "engine already ran"}
	}
	if e.fast && e.coord != nil && e.hasPhysical {
		// Fast mode detaches logical from physical time, but federated
		// physical actions promise peers bounds read off the physical
		// clock. The two cannot hold at once.
		e.setDone()
		return &RuntimeError{Code: ErrCodeInvalidConfig, Message: "fast mode cannot combine with physical actions in a federation"}
	}
	if err := e.bind(); err != nil {
		e.setDone()
		return err
	}

	start := e.clock.Now()
	if e.coord != nil {
		s, err := e.coord.Start(ctx)
		if err != nil {
			e.setDone()
			return &RuntimeError{Code: ErrCodeCoordination, Message: fmt.Sprintf("start handshake: %v", err)}
		}
		start = s
	}

	e.mu.Lock()
	e.start = start
	e.current = Tag{Time: start}
	if e.timeout > 0 {
		stop := Tag{Time: start + int64(e.timeout)}
		if stop.Before(e.stopTag) {
			e.stopTag = stop
		}
	}
	e.mu.Unlock()

	if err := e.seedTimers(); err != nil {
		e.setDone()
		return err
	}
	e.computeNetGates()

	e.log.Info("starting",
		"reactors", e.asm.Counts.Reactors,
		"reactions", e.asm.Counts.Reactions,
		"workers", e.workers,
		"fast", e.fast,
		"federated", e.coord != nil)

	// Abort watcher: wakes every sleeper when the context dies.
	go func() {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.aborted = true
			e.cond.Broadcast()
			e.mu.Unlock()
			e.queue.Notify()
		case <-e.finished:
		}
	}()

	var workers []chan struct{}
	for i := 0; i < e.workers; i++ {
		done := make(chan struct{})
		workers = append(workers, done)
		go func(id int) {
			defer close(done)
			e.worker(id)
		}(i)
	}

	err := e.loop(ctx)

	e.setDone()
	close(e.finished)
	for _, done := range workers {
		<-done
	}

	// Reclaim whatever the last tag left behind, then the queue.
	e.mu.Lock()
	e.drainLocked()
	e.mu.Unlock()
	for _, tok := range e.queue.Close() {
		if rerr := e.tokens.Release(tok); rerr != nil && err == nil {
			err = rerr
		}
	}

	if e.coord != nil {
		if serr := e.coord.Shutdown(); serr != nil {
			e.log.Error("coordinator shutdown failed", "error", serr)
		}
	}

	e.mu.Lock()
	if err == nil {
		err = e.fatal
	}
	final := e.current
	e.mu.Unlock()
	e.log.Info("stopped", "time", final.Time, "microstep", final.Microstep, "error", err)
	return err
}

func (e *Engine) setDone() {
	e.mu.Lock()
	e.state = StateDone
	e.cond.Broadcast()
	e.mu.Unlock()
}

// loop drives tags until the stop tag completes.
func (e *Engine) loop(ctx context.Context) error {
	first := true
	for {
		tag, err := e.selectTag(ctx, first)
		if err != nil {
			return err
		}
		stopped, err := e.processTag(ctx, tag, first)
		if errors.Is(err, errReselect) {
			continue
		}
		if err != nil {
			return err
		}
		first = false
		if stopped {
			e.mu.Lock()
			err = e.fatal
			e.mu.Unlock()
			return err
		}
	}
}

// selectTag picks the next tag to process, honoring the event queue,
// the stop tag, barriers, the coordinator, and physical time. It
// blocks until a tag is both chosen and safe to enter.
func (e *Engine) selectTag(ctx context.Context, first bool) (Tag, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Tag{}, err
		}

		e.mu.Lock()
		stop := e.stopTag
		cur := e.current
		startTag := Tag{Time: e.start}
		granted := e.grantedThrough
		e.mu.Unlock()

		nq, hasEvent := e.queue.NextTag()
		want := stop
		physicalBound := false
		switch {
		case first:
			want = startTag
			if hasEvent && nq.Before(want) {
				want = nq
			}
			if stop.Before(want) {
				want = stop
			}
		case hasEvent:
			want = MinTag(nq, stop)
		default:
			if e.coord == nil && !e.keepalive {
				// Nothing pending and nothing can arrive on its own:
				// stop at the next microstep.
				want = MinTag(stop, cur.Next())
				e.SetStopTag(want)
			} else if want == ForeverTag {
				physicalBound = e.hasPhysical
			}
		}

		if !e.barrier.clearsSelection(want) {
			select {
			case <-ctx.Done():
				return Tag{}, ctx.Err()
			case <-e.queue.Signal():
				continue
			}
		}

		if e.coord != nil && want.After(granted) {
			g, err := e.coord.NextEventTag(ctx, want, physicalBound, e.queue.Signal())
			if errors.Is(err, ErrTagSuperseded) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return Tag{}, ctx.Err()
				}
				return Tag{}, &RuntimeError{Code: ErrCodeCoordination, Message: err.Error(), Tag: want}
			}
			if !g.Provisional {
				e.mu.Lock()
				if e.grantedThrough.Before(g.Tag) {
					e.grantedThrough = g.Tag
				}
				e.mu.Unlock()
			}
			if g.Tag == ForeverTag && !g.Provisional && want == ForeverTag {
				// No event will ever arrive anywhere again.
				e.SetStopTag(cur.Next())
				continue
			}
			if g.Tag.Before(want) {
				continue
			}
		}

		if want == ForeverTag {
			// Unbounded wait for something to schedule.
			select {
			case <-ctx.Done():
				return Tag{}, ctx.Err()
			case <-e.queue.Signal():
				continue
			}
		}

		if !e.fast {
			if !e.clock.WaitUntil(ctx, want.Time, e.queue.Signal()) {
				if err := ctx.Err(); err != nil {
					return Tag{}, err
				}
				continue
			}
		}

		return want, nil
	}
}

// processTag runs every reaction belonging to tag and drains it.
// Returns true when tag was the stop tag, terminating the run.
func (e *Engine) processTag(ctx context.Context, tag Tag, first bool) (bool, error) {
	e.mu.Lock()

	// The world may have shifted since selection; commit only if the
	// choice still stands.
	if e.aborted {
		e.mu.Unlock()
		return false, ctx.Err()
	}
	if nt, ok := e.queue.NextTag(); ok && nt.Before(tag) {
		e.mu.Unlock()
		return false, errReselect
	}
	if e.stopTag.Before(tag) || !e.barrier.clearsSelection(tag) {
		e.mu.Unlock()
		return false, errReselect
	}
	if e.started && !tag.After(e.current) {
		err := NewTagRegressionError("", tag, e.current)
		e.fatalLocked(err)
		e.mu.Unlock()
		return false, err
	}

	e.state = StateTagSelected
	e.current = tag
	e.started = true
	stopNow := tag == e.stopTag
	e.trace(TraceTagBegin, -1, tag, -1)

	if first {
		e.activateBuiltinLocked(e.asm.Startup)
	}
	if stopNow {
		e.activateBuiltinLocked(e.asm.Shutdown)
	}
	for _, ev := range e.queue.PopTag(tag) {
		if err := e.deliverEventLocked(ev); err != nil {
			e.fatalLocked(err)
		}
	}

	e.state = StateDispatching
	e.cond.Broadcast()
	e.mu.Unlock()

	e.flushOutbox()

	e.waitTagComplete(tag)

	e.mu.Lock()
	e.state = StateDraining
	e.drainLocked()
	e.trace(TraceTagComplete, -1, tag, -1)
	e.state = StateIdle
	aborted := e.aborted
	e.mu.Unlock()

	if aborted {
		return false, ctx.Err()
	}
	if e.coord != nil {
		if err := e.coord.LogicalTagComplete(tag); err != nil {
			e.log.Error("logical tag complete failed",
				"time", tag.Time, "microstep", tag.Microstep, "error", err)
		}
	}
	return stopNow, nil
}

// waitTagComplete blocks until every reaction at tag finished and all
// network inputs are settled. When only a safe-to-process window still
// holds a port open, a timer re-checks at its expiry.
func (e *Engine) waitTagComplete(tag Tag) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for !e.completeLocked(tag) {
		if e.aborted {
			return
		}
		if at, ok := e.earliestExpiryLocked(tag); ok {
			now := e.clock.Now()
			if at <= now {
				// Window already passed; re-evaluate.
				e.cond.Broadcast()
				continue
			}
			timer := time.AfterFunc(time.Duration(at-now), func() {
				e.mu.Lock()
				e.cond.Broadcast()
				e.mu.Unlock()
			})
			e.cond.Wait()
			timer.Stop()
			continue
		}
		e.cond.Wait()
	}
}

func (e *Engine) completeLocked(tag Tag) bool {
	if len(e.ready) != 0 || len(e.executing) != 0 {
		return false
	}
	for _, ni := range e.netIn {
		if !e.portKnownLocked(ni, tag) {
			return false
		}
	}
	return e.barrier.clearsCompletion(tag)
}

// earliestExpiryLocked returns the soonest physical time at which an
// unknown network input's safe-to-process window closes.
func (e *Engine) earliestExpiryLocked(tag Tag) (int64, bool) {
	var at int64
	found := false
	for _, ni := range e.netIn {
		if !ni.expires || e.portKnownLocked(ni, tag) {
			continue
		}
		t := tag.Time + int64(ni.stp)
		if !found || t < at {
			at = t
			found = true
		}
	}
	return at, found
}

// drainLocked releases the tag's tokens and resets presence state.
func (e *Engine) drainLocked() {
	for _, id := range e.activeTriggers {
		ts := &e.triggers[id]
		if ts.token != NoToken {
			if err := e.tokens.Release(ts.token); err != nil {
				e.fatalLocked(err)
			}
		}
		ts.present = false
		ts.token = NoToken
	}
	e.activeTriggers = e.activeTriggers[:0]

	for _, pid := range e.presentPorts {
		ps := &e.ports[pid]
		if ps.token != NoToken {
			if err := e.tokens.Release(ps.token); err != nil {
				e.fatalLocked(err)
			}
		}
		ps.present = false
		ps.token = NoToken
		ps.hasIntended = false
	}
	e.presentPorts = e.presentPorts[:0]

	for _, rid := range e.touched {
		e.phase[rid] = phaseIdle
	}
	e.touched = e.touched[:0]
	e.ready = e.ready[:0]
}

// bind resolves every reaction body against the registry.
func (e *Engine) bind() error {
	e.bodies = make([]boundReaction, len(e.asm.Reactions))
	for i := range e.asm.Reactions {
		rec := &e.asm.Reactions[i]
		fn, ok := e.reg.Lookup(rec.Body)
		if !ok {
			return NewBodyUnboundError(rec.FullName, rec.Body)
		}
		b := boundReaction{body: fn}
		if rec.DeadlineBody != "" {
			if b.deadline, ok = e.reg.Lookup(rec.DeadlineBody); !ok {
				return NewBodyUnboundError(rec.FullName, rec.DeadlineBody)
			}
		}
		if rec.STPBody != "" {
			if b.tardy, ok = e.reg.Lookup(rec.STPBody); !ok {
				return NewBodyUnboundError(rec.FullName, rec.STPBody)
			}
		}
		e.bodies[i] = b
	}
	return nil
}

// computeNetGates precomputes, per reaction, which network inputs it
// transitively depends on within one tag, so the dispatcher can hold
// it back until those ports settle. Follows the same edges levels are
// built from: port links, trigger/source reads, and declaration order.
func (e *Engine) computeNetGates() {
	if len(e.netIn) == 0 {
		return
	}
	e.netGates = make([][]*netInput, len(e.asm.Reactions))
	for _, ni := range e.netIn {
		seenR := make(map[graph.ReactionID]bool)
		seenP := make(map[graph.PortID]bool)

		var visitPort func(graph.PortID)
		var visitReaction func(graph.ReactionID)

		visitPort = func(p graph.PortID) {
			if seenP[p] {
				return
			}
			seenP[p] = true
			slot := &e.asm.Ports[p]
			for _, rid := range slot.Triggered {
				visitReaction(rid)
			}
			for _, rid := range slot.Sourcers {
				visitReaction(rid)
			}
			for _, next := range slot.Links {
				visitPort(next)
			}
		}
		visitReaction = func(rid graph.ReactionID) {
			if seenR[rid] {
				return
			}
			seenR[rid] = true
			e.netGates[rid] = append(e.netGates[rid], ni)
			rec := &e.asm.Reactions[rid]
			for _, eff := range rec.Effects {
				if eff.Kind != graph.VarPort {
					continue
				}
				for c := 0; c < eff.Port.Width; c++ {
					visitPort(eff.Port.Channel(c))
				}
			}
			owner := &e.asm.Reactors[rec.Owner]
			if rec.Num+1 < len(owner.Reactions) {
				visitReaction(owner.Reactions[rec.Num+1])
			}
		}

		visitPort(ni.port)
	}
}
