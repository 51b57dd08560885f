package graph

import (
	"slices"
	"time"
)

// assignLevels derives the reaction dependency graph and computes
// levels, chain ids, and dispatch indexes. Delayed connections do not
// contribute edges: their effects arrive at a strictly later tag, so
// they decouple levels by construction.
func (b *builder) assignLevels() error {
	n := len(b.asm.Reactions)
	succs := make([][]ReactionID, n)
	preds := make([][]ReactionID, n)
	indegree := make([]int, n)
	seen := make(map[uint64]bool)

	addEdge := func(from, to ReactionID) {
		if from == to {
			return
		}
		key := uint64(from)<<32 | uint64(uint32(to))
		if seen[key] {
			return
		}
		seen[key] = true
		succs[from] = append(succs[from], to)
		preds[to] = append(preds[to], from)
		indegree[to]++
	}

	// Data edges: an effect port reaches every reaction triggered by or
	// sourcing any channel connected to it without an intervening
	// delay.
	for i := range b.asm.Reactions {
		r := &b.asm.Reactions[i]
		for _, eff := range r.Effects {
			if eff.Kind != VarPort {
				continue // actions fire at a later tag
			}
			for ch := 0; ch < eff.Port.Width; ch++ {
				b.walkLinks(eff.Port.Channel(ch), func(slot *PortSlot) {
					for _, rid := range slot.Triggered {
						addEdge(r.ID, rid)
					}
					for _, rid := range slot.Sourcers {
						addEdge(r.ID, rid)
					}
				})
			}
		}
	}

	// Declaration-order edges: consecutive reactions of one instance
	// are serialized, which also guarantees reactor-local mutual
	// exclusion without locks.
	for i := range b.asm.Reactors {
		rs := b.asm.Reactors[i].Reactions
		for j := 1; j < len(rs); j++ {
			addEdge(rs[j-1], rs[j])
		}
	}

	// Kahn's algorithm with longest-path levels. Ready reactions are
	// drained in handle order so the walk itself is deterministic.
	level := make([]int, n)
	order := make([]ReactionID, 0, n)
	ready := make([]ReactionID, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, ReactionID(i))
		}
	}
	remaining := slices.Clone(indegree)
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, succ := range succs[id] {
			if l := level[id] + 1; l > level[succ] {
				level[succ] = l
			}
			remaining[succ]--
			if remaining[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	if len(order) != n {
		cycle := b.findCycle(preds, remaining)
		return &BuildError{
			Code:    CodeCycleDetected,
			Site:    b.asm.Program.Name,
			Message: "cyclic reaction dependency",
			Cycle:   cycle,
		}
	}

	for i := range b.asm.Reactions {
		if level[i] > 0xFFFF {
			return newBuildError(CodeLevelOverflow, b.asm.Reactions[i].FullName,
				"level %d exceeds the dispatch index capacity", level[i])
		}
		b.asm.Reactions[i].Level = level[i]
	}

	b.assignChains(order, preds, succs)
	b.assignIndexes(order, succs)
	return nil
}

// walkLinks visits slot id and every channel reachable from it through
// direct links.
func (b *builder) walkLinks(id PortID, visit func(*PortSlot)) {
	seen := map[PortID]bool{}
	var walk func(PortID)
	walk = func(p PortID) {
		if seen[p] {
			return
		}
		seen[p] = true
		slot := &b.asm.Ports[p]
		visit(slot)
		for _, next := range slot.Links {
			walk(next)
		}
	}
	walk(id)
}

// findCycle extracts one concrete cycle from the nodes Kahn's
// algorithm could not order, for the diagnostic. Every unordered node
// has at least one unordered predecessor, so walking predecessors must
// eventually revisit a node; the revisited segment is a cycle.
func (b *builder) findCycle(preds [][]ReactionID, remaining []int) []string {
	var start ReactionID = None
	for i := range remaining {
		if remaining[i] > 0 {
			start = ReactionID(i)
			break
		}
	}
	if start == None {
		return nil
	}

	seenAt := map[ReactionID]int{}
	var path []ReactionID
	cur := start
	for {
		if at, ok := seenAt[cur]; ok {
			path = path[at:]
			break
		}
		seenAt[cur] = len(path)
		path = append(path, cur)
		for _, p := range preds[cur] {
			if remaining[p] > 0 {
				cur = p
				break
			}
		}
	}

	// The walk followed predecessors; reverse so the names read in
	// dependency direction.
	slices.Reverse(path)
	names := make([]string, 0, len(path)+1)
	for _, id := range path {
		names = append(names, b.asm.Reactions[id].FullName)
	}
	if len(path) > 0 {
		names = append(names, b.asm.Reactions[path[0]].FullName)
	}
	return names
}

// assignChains propagates chain bits in topological order: a reaction
// inherits the union of its predecessors' chains, branches off a fresh
// bit where a predecessor fans out, and roots open new chains. Bits
// wrap after 64; shared bits between independent reactions are merely
// conservative (they serialize work that could have run in parallel,
// never the reverse).
func (b *builder) assignChains(order []ReactionID, preds, succs [][]ReactionID) {
	var nextBit uint
	fresh := func() uint64 {
		bit := uint64(1) << (nextBit % 64)
		nextBit++
		return bit
	}

	for _, id := range order {
		var chain uint64
		for _, p := range preds[id] {
			c := b.asm.Reactions[p].ChainID
			if len(succs[p]) > 1 {
				c |= fresh()
			}
			chain |= c
		}
		if chain == 0 {
			chain = fresh()
		}
		b.asm.Reactions[id].ChainID = chain
	}
}

// assignIndexes computes effective deadlines (a reaction inherits the
// tightest deadline of its downstream dependents, so upstream work for
// an urgent reaction is urgent itself) and packs dispatch indexes.
func (b *builder) assignIndexes(order []ReactionID, succs [][]ReactionID) {
	const none = time.Duration(1<<62 - 1)
	eff := make([]time.Duration, len(b.asm.Reactions))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		d := none
		if own := b.asm.Reactions[id].Deadline; own > 0 {
			d = own
		}
		for _, s := range succs[id] {
			if eff[s] < d {
				d = eff[s]
			}
		}
		eff[id] = d
	}
	for i := range b.asm.Reactions {
		r := &b.asm.Reactions[i]
		if eff[r.ID] == none {
			r.Index = indexFor(0, r.Level)
		} else {
			r.Index = indexFor(eff[r.ID], r.Level)
		}
	}
}
