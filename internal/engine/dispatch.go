package engine

import (
	"fmt"
	"sort"

	"github.com/roach88/lockstep/internal/graph"
)

// readyInsertLocked adds a reaction to the ready set, keeping it
// sorted by dispatch index with the handle as tiebreaker so the scan
// order is deterministic.
func (e *Engine) readyInsertLocked(rid graph.ReactionID) {
	idx := e.asm.Reactions[rid].Index
	at := sort.Search(len(e.ready), func(i int) bool {
		if e.ready[i].index != idx {
			return e.ready[i].index > idx
		}
		return e.ready[i].id > rid
	})
	e.ready = append(e.ready, readyEntry{})
	copy(e.ready[at+1:], e.ready[at:])
	e.ready[at] = readyEntry{id: rid, index: idx}
	e.cond.Broadcast()
}

// claimLocked picks the lowest-index releasable reaction. A reaction
// is held back while an executing reaction at a strictly lower level
// shares chain bits with it, or while a network input it depends on is
// still unknown at the current tag.
func (e *Engine) claimLocked() (graph.ReactionID, bool, bool) {
	for i := range e.ready {
		rid := e.ready[i].id
		rec := &e.asm.Reactions[rid]
		if e.blockedLocked(rec) {
			continue
		}
		if !e.gatesClearLocked(rid) {
			continue
		}
		e.ready = append(e.ready[:i], e.ready[i+1:]...)
		e.phase[rid] = phaseRunning
		e.executing = append(e.executing, execEntry{id: rid, level: rec.Level, chain: rec.ChainID})
		return rid, e.tardyLocked(rec), true
	}
	return graph.None, false, false
}

func (e *Engine) blockedLocked(rec *graph.ReactionRec) bool {
	for i := range e.executing {
		x := &e.executing[i]
		if x.level < rec.Level && graph.Overlapping(x.chain, rec.ChainID) {
			return true
		}
	}
	return false
}

func (e *Engine) gatesClearLocked(rid graph.ReactionID) bool {
	if e.netGates == nil {
		return true
	}
	for _, ni := range e.netGates[rid] {
		if !e.portKnownLocked(ni, e.current) {
			return false
		}
	}
	return true
}

// portKnownLocked reports whether a network input's status at tag is
// settled: a value arrived, the sender vouched for every tag through
// it, or the safe-to-process window expired.
func (e *Engine) portKnownLocked(ni *netInput, tag Tag) bool {
	if e.ports[ni.port].present {
		return true
	}
	if ni.statusThrough.Compare(tag) >= 0 {
		return true
	}
	return ni.expires && e.clock.Now() > tag.Time+int64(ni.stp)
}

// tardyLocked reports whether any present trigger or source port of
// the reaction carries an intended tag earlier than the tag it is
// actually executing at.
func (e *Engine) tardyLocked(rec *graph.ReactionRec) bool {
	check := func(vars []graph.ReactionVar) bool {
		for _, v := range vars {
			if v.Kind != graph.VarPort {
				continue
			}
			for i := 0; i < v.Port.Width; i++ {
				ps := &e.ports[v.Port.Channel(i)]
				if ps.present && ps.hasIntended && ps.intended.Before(e.current) {
					return true
				}
			}
		}
		return false
	}
	return check(rec.Triggers) || check(rec.Sources)
}

func (e *Engine) finishLocked(rid graph.ReactionID) {
	e.phase[rid] = phaseDone
	for i := range e.executing {
		if e.executing[i].id == rid {
			e.executing[i] = e.executing[len(e.executing)-1]
			e.executing = e.executing[:len(e.executing)-1]
			break
		}
	}
	e.cond.Broadcast()
}

// worker runs reactions until the engine reaches its terminal state.
func (e *Engine) worker(id int) {
	e.mu.Lock()
	for {
		if e.state == StateDone || e.aborted {
			break
		}
		if e.state == StateDispatching {
			if rid, tardy, ok := e.claimLocked(); ok {
				tag := e.current
				e.mu.Unlock()
				e.execute(id, rid, tag, tardy)
				e.mu.Lock()
				e.finishLocked(rid)
				continue
			}
		}
		e.cond.Wait()
	}
	e.mu.Unlock()
}

// execute runs one claimed reaction: the tardiness handler when the
// triggering message missed its intended tag, the deadline handler
// when physical time overran the declared deadline, the body
// otherwise. Exactly one of the three runs.
func (e *Engine) execute(worker int, rid graph.ReactionID, tag Tag, tardy bool) {
	rec := &e.asm.Reactions[rid]
	bound := &e.bodies[rid]

	fn := bound.body
	switch {
	case tardy:
		e.trace(TraceTardy, int32(rid), tag, worker)
		if bound.tardy != nil {
			fn = bound.tardy
		} else {
			e.log.Warn("message arrived past its intended tag",
				"reaction", rec.FullName, "time", tag.Time, "microstep", tag.Microstep)
		}
	case rec.Deadline > 0 && e.clock.Now() > tag.Time+int64(rec.Deadline):
		e.trace(TraceDeadlineMiss, int32(rid), tag, worker)
		if bound.deadline != nil {
			fn = bound.deadline
		} else {
			e.log.Warn("deadline missed",
				"reaction", rec.FullName, "deadline", rec.Deadline,
				"time", tag.Time, "microstep", tag.Microstep)
		}
	}

	e.trace(TraceReactionStart, int32(rid), tag, worker)
	ctx := &ReactionContext{eng: e, id: rid, rec: rec, tag: tag, worker: worker}
	err := fn(ctx)
	e.trace(TraceReactionEnd, int32(rid), tag, worker)

	if err != nil {
		e.mu.Lock()
		e.fatalLocked(fmt.Errorf("reaction %s: %w", rec.FullName, err))
		e.mu.Unlock()
	}
	e.flushOutbox()
}
