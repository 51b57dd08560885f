package graph

import (
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
)

// Build flattens a program into its Assembly. The returned structure is
// immutable; every failure is a *BuildError reported before any
// execution can begin.
func Build(prog *ir.Program) (*Assembly, error) {
	if prog.Main == "" {
		return nil, newBuildError(CodeNoMain, prog.Name, "program declares no main reactor")
	}
	mainClass := prog.Class(prog.Main)
	if mainClass == nil {
		return nil, newBuildError(CodeUnknownClass, prog.Name, "main reactor class %q is not declared", prog.Main)
	}

	hash, err := ir.ProgramHash(prog)
	if err != nil {
		return nil, newBuildError(CodeInvalidDecl, prog.Name, "program is not hashable: %v", err)
	}

	b := &builder{
		asm: &Assembly{Program: prog, Hash: hash},
	}

	// Builtins exist exactly once, shared across the whole tree.
	b.asm.Startup = b.addTrigger(Trigger{Kind: TriggerStartup, Owner: None, Name: "startup", FullName: "startup"})
	b.asm.Shutdown = b.addTrigger(Trigger{Kind: TriggerShutdown, Owner: None, Name: "shutdown", FullName: "shutdown"})

	if _, err := b.instantiate(mainClass, "main", None, 0); err != nil {
		return nil, err
	}
	if err := b.assignLevels(); err != nil {
		return nil, err
	}
	b.countDestinations()
	b.summarize()
	return b.asm, nil
}

type builder struct {
	asm *Assembly
	// connSeq numbers delayed connections for diagnostics.
	connSeq int
	// chain holds the class names on the active instantiation path;
	// a class reappearing on it would recurse forever.
	chain []string
}

func (b *builder) addTrigger(t Trigger) TriggerID {
	t.ID = TriggerID(len(b.asm.Triggers))
	b.asm.Triggers = append(b.asm.Triggers, t)
	return t.ID
}

// instantiate creates the instance subtree rooted at class. Resolution
// order matters: ports and local triggers first, then children (so
// reactions and connections can reference child ports), then reactions
// in declaration order, then connections.
func (b *builder) instantiate(class *ir.ReactorClass, name string, parent ReactorID, bankIdx int) (ReactorID, error) {
	for i, anc := range b.chain {
		if anc == class.Name {
			return None, &BuildError{
				Code:    CodeCycleDetected,
				Site:    class.Name,
				Message: "reactor instantiation recurses",
				Cycle:   append(append([]string{}, b.chain[i:]...), class.Name),
			}
		}
	}
	b.chain = append(b.chain, class.Name)
	defer func() { b.chain = b.chain[:len(b.chain)-1] }()

	id := ReactorID(len(b.asm.Reactors))
	fullName := name
	if parent != None {
		fullName = b.asm.Reactors[parent].FullName + "." + name
	}

	b.asm.Reactors = append(b.asm.Reactors, Reactor{
		ID:             id,
		Name:           name,
		FullName:       fullName,
		Class:          class.Name,
		Parent:         parent,
		BankIndex:      bankIdx,
		PortGroups:     make(map[string]PortGroup),
		TriggersByName: make(map[string]TriggerID),
		Children:       make(map[string][]ReactorID),
	})

	for _, p := range class.Inputs {
		if err := b.addPortGroup(id, p, true); err != nil {
			return None, err
		}
	}
	for _, p := range class.Outputs {
		if err := b.addPortGroup(id, p, false); err != nil {
			return None, err
		}
	}

	for _, a := range class.Actions {
		if err := b.declareName(id, a.Name); err != nil {
			return None, err
		}
		if a.MinSpacing > 0 && !a.Policy.Valid() {
			return None, newBuildError(CodeInvalidDecl, fullName+"."+a.Name,
				"action with min_spacing %s needs a valid policy, got %q", a.MinSpacing, a.Policy)
		}
		tid := b.addTrigger(Trigger{
			Kind:       TriggerAction,
			Owner:      id,
			Name:       a.Name,
			FullName:   fullName + "." + a.Name,
			Type:       a.Type,
			MinDelay:   a.MinDelay,
			MinSpacing: a.MinSpacing,
			Policy:     a.Policy,
			Physical:   a.Physical,
		})
		b.reactor(id).TriggersByName[a.Name] = tid
	}
	for _, t := range class.Timers {
		if err := b.declareName(id, t.Name); err != nil {
			return None, err
		}
		tid := b.addTrigger(Trigger{
			Kind:     TriggerTimer,
			Owner:    id,
			Name:     t.Name,
			FullName: fullName + "." + t.Name,
			Offset:   t.Offset,
			Period:   t.Period,
		})
		b.reactor(id).TriggersByName[t.Name] = tid
	}

	for _, c := range class.Children {
		childClass := b.asm.Program.Class(c.Class)
		if childClass == nil {
			return None, newBuildError(CodeUnknownClass, fullName+"."+c.Name,
				"child class %q is not declared", c.Class)
		}
		if _, dup := b.reactor(id).Children[c.Name]; dup {
			return None, newBuildError(CodeDuplicateName, fullName+"."+c.Name, "duplicate child name")
		}
		bank := c.EffectiveBank()
		ids := make([]ReactorID, 0, bank)
		for i := 0; i < bank; i++ {
			childName := c.Name
			if bank > 1 {
				childName = fmt.Sprintf("%s[%d]", c.Name, i)
			}
			cid, err := b.instantiate(childClass, childName, id, i)
			if err != nil {
				return None, err
			}
			ids = append(ids, cid)
		}
		b.reactor(id).Children[c.Name] = ids
	}

	for num := range class.Reactions {
		if err := b.addReaction(id, class, num); err != nil {
			return None, err
		}
	}

	for _, conn := range class.Connections {
		if err := b.connect(id, conn); err != nil {
			return None, err
		}
	}

	return id, nil
}

func (b *builder) reactor(id ReactorID) *Reactor {
	return &b.asm.Reactors[id]
}

func (b *builder) declareName(owner ReactorID, name string) error {
	r := b.reactor(owner)
	if _, dup := r.PortGroups[name]; dup {
		return newBuildError(CodeDuplicateName, r.FullName+"."+name, "name already declared as a port")
	}
	if _, dup := r.TriggersByName[name]; dup {
		return newBuildError(CodeDuplicateName, r.FullName+"."+name, "name already declared as a trigger")
	}
	return nil
}

func (b *builder) addPortGroup(owner ReactorID, decl ir.Port, input bool) error {
	if err := b.declareName(owner, decl.Name); err != nil {
		return err
	}
	if !decl.Type.Valid() {
		return newBuildError(CodeInvalidDecl, b.reactor(owner).FullName+"."+decl.Name,
			"unknown port type %q", decl.Type)
	}
	width := decl.EffectiveWidth()
	g := PortGroup{
		First: PortID(len(b.asm.Ports)),
		Width: width,
		Type:  decl.Type,
		Input: input,
		Name:  decl.Name,
	}
	for ch := 0; ch < width; ch++ {
		b.asm.Ports = append(b.asm.Ports, PortSlot{
			ID:      g.Channel(ch),
			Owner:   owner,
			Group:   decl.Name,
			Channel: ch,
			Type:    decl.Type,
			Input:   input,
		})
	}
	b.reactor(owner).PortGroups[decl.Name] = g
	return nil
}

// addReaction resolves one declared reaction's variable sets against
// the instantiated tree and registers it on every trigger.
func (b *builder) addReaction(owner ReactorID, class *ir.ReactorClass, num int) error {
	decl := class.Reactions[num]
	r := b.reactor(owner)
	rid := ReactionID(len(b.asm.Reactions))
	rec := ReactionRec{
		ID:           rid,
		Owner:        owner,
		Num:          num,
		FullName:     fmt.Sprintf("%s.reaction_%d", r.FullName, num),
		Body:         decl.Body,
		Deadline:     decl.Deadline.Threshold,
		DeadlineBody: decl.Deadline.Body,
		STP:          decl.STP.Threshold,
		STPBody:      decl.STP.Body,
		Vars:         make(map[string]ReactionVar),
	}
	if rec.Body == "" {
		return newBuildError(CodeInvalidDecl, rec.FullName, "reaction declares no body")
	}
	if len(decl.Triggers) == 0 {
		return newBuildError(CodeInvalidDecl, rec.FullName, "reaction declares no triggers")
	}

	for _, ref := range decl.Triggers {
		v, err := b.resolveVar(owner, ref, roleTrigger, rec.FullName)
		if err != nil {
			return err
		}
		rec.Triggers = append(rec.Triggers, v)
		rec.Vars[string(ref)] = v
		switch v.Kind {
		case VarTrigger:
			t := &b.asm.Triggers[v.Trigger]
			t.Triggered = append(t.Triggered, rid)
		case VarPort:
			for i := 0; i < v.Port.Width; i++ {
				slot := &b.asm.Ports[v.Port.Channel(i)]
				slot.Triggered = append(slot.Triggered, rid)
			}
		}
	}
	for _, ref := range decl.Sources {
		v, err := b.resolveVar(owner, ref, roleSource, rec.FullName)
		if err != nil {
			return err
		}
		rec.Sources = append(rec.Sources, v)
		rec.Vars[string(ref)] = v
		for i := 0; i < v.Port.Width; i++ {
			slot := &b.asm.Ports[v.Port.Channel(i)]
			slot.Sourcers = append(slot.Sourcers, rid)
		}
	}
	for _, ref := range decl.Effects {
		v, err := b.resolveVar(owner, ref, roleEffect, rec.FullName)
		if err != nil {
			return err
		}
		rec.Effects = append(rec.Effects, v)
		rec.Vars[string(ref)] = v
	}

	b.asm.Reactions = append(b.asm.Reactions, rec)
	r.Reactions = append(r.Reactions, rid)
	return nil
}

type varRole uint8

const (
	roleTrigger varRole = iota
	roleSource
	roleEffect
)

// resolveVar maps a declaration ref to runtime records, enforcing the
// visibility rules: triggers read own inputs, child outputs, own
// actions/timers, and builtins; sources read ports only; effects write
// own outputs, child inputs, and own actions.
func (b *builder) resolveVar(owner ReactorID, ref ir.Ref, role varRole, site string) (ReactionVar, error) {
	r := b.reactor(owner)

	if ref.Builtin() {
		if role != roleTrigger {
			return ReactionVar{}, newBuildError(CodeUndeclaredRef, site,
				"%q is only usable as a trigger", ref)
		}
		tid := b.asm.Startup
		if ref == ir.RefShutdown {
			tid = b.asm.Shutdown
		}
		return ReactionVar{Kind: VarTrigger, Ref: ref, Trigger: tid}, nil
	}

	container, name := ref.Split()
	if container == "" {
		if g, ok := r.PortGroups[name]; ok {
			switch role {
			case roleTrigger, roleSource:
				if !g.Input {
					return ReactionVar{}, newBuildError(CodeUndeclaredRef, site,
						"own output %q cannot be read", ref)
				}
			case roleEffect:
				if g.Input {
					return ReactionVar{}, newBuildError(CodeUndeclaredRef, site,
						"own input %q cannot be written", ref)
				}
			}
			return ReactionVar{Kind: VarPort, Ref: ref, Port: g}, nil
		}
		if tid, ok := r.TriggersByName[name]; ok {
			t := &b.asm.Triggers[tid]
			switch {
			case role == roleSource:
				return ReactionVar{}, newBuildError(CodeUndeclaredRef, site,
					"%q: actions and timers cannot be sources", ref)
			case role == roleEffect && t.Kind != TriggerAction:
				return ReactionVar{}, newBuildError(CodeUndeclaredRef, site,
					"%q: only actions can be effects", ref)
			}
			return ReactionVar{Kind: VarTrigger, Ref: ref, Trigger: tid}, nil
		}
		return ReactionVar{}, newBuildError(CodeUndeclaredRef, site, "unknown name %q", ref)
	}

	kids, ok := r.Children[container]
	if !ok {
		return ReactionVar{}, newBuildError(CodeUndeclaredRef, site, "unknown child %q in %q", container, ref)
	}
	if len(kids) > 1 {
		return ReactionVar{}, newBuildError(CodeUndeclaredRef, site,
			"%q refers into bank %q; reactions address banks through connections", ref, container)
	}
	child := b.reactor(kids[0])
	g, ok := child.PortGroups[name]
	if !ok {
		return ReactionVar{}, newBuildError(CodeUndeclaredRef, site, "child %q has no port %q", container, name)
	}
	switch role {
	case roleTrigger, roleSource:
		if g.Input {
			return ReactionVar{}, newBuildError(CodeUndeclaredRef, site,
				"child input %q cannot be read by the container", ref)
		}
	case roleEffect:
		if !g.Input {
			return ReactionVar{}, newBuildError(CodeUndeclaredRef, site,
				"child output %q cannot be written by the container", ref)
		}
	}
	return ReactionVar{Kind: VarPort, Ref: ref, Port: g}, nil
}

// connect resolves one connection statement into channel pairs.
// Channel lists flatten bank-major: bank instance order first, then
// port channels within each instance, so a width-W multiport feeding a
// bank of W delivers channel i to instance i.
func (b *builder) connect(owner ReactorID, conn ir.Connection) error {
	r := b.reactor(owner)
	site := fmt.Sprintf("%s: %s", r.FullName, conn)

	from, err := b.connectionChannels(owner, conn.From, false, site)
	if err != nil {
		return err
	}
	to, err := b.connectionChannels(owner, conn.To, true, site)
	if err != nil {
		return err
	}
	if len(from) != len(to) {
		return newBuildError(CodeWidthMismatch, site,
			"source has %d channels, destination has %d", len(from), len(to))
	}

	for i := range from {
		src := &b.asm.Ports[from[i]]
		dst := &b.asm.Ports[to[i]]
		if src.Type != dst.Type {
			return newBuildError(CodeTypeMismatch, site,
				"%s carries %q, %s carries %q",
				b.asm.PortName(src.ID), src.Type, b.asm.PortName(dst.ID), dst.Type)
		}
		if err := b.claimWriter(dst, site); err != nil {
			return err
		}
		if !conn.HasAfter {
			src.Links = append(src.Links, dst.ID)
			continue
		}
		b.connSeq++
		tid := b.addTrigger(Trigger{
			Kind:      TriggerConnection,
			Owner:     owner,
			Name:      fmt.Sprintf("conn_%d", b.connSeq),
			FullName:  fmt.Sprintf("%s.conn_%d", r.FullName, b.connSeq),
			Type:      src.Type,
			Delay:     conn.After,
			Microstep: conn.After == 0,
			Dest:      dst.ID,
		})
		src.DelayedLinks = append(src.DelayedLinks, tid)
	}
	return nil
}

// connectionChannels flattens a connection endpoint into port channels.
func (b *builder) connectionChannels(owner ReactorID, ref ir.Ref, dest bool, site string) ([]PortID, error) {
	r := b.reactor(owner)
	container, name := ref.Split()

	appendGroup := func(out []PortID, g PortGroup) []PortID {
		for i := 0; i < g.Width; i++ {
			out = append(out, g.Channel(i))
		}
		return out
	}

	if container == "" {
		g, ok := r.PortGroups[name]
		if !ok {
			return nil, newBuildError(CodeUndeclaredRef, site, "unknown port %q", ref)
		}
		// A container forwards its own inputs downstream and collects
		// into its own outputs.
		if dest && g.Input {
			return nil, newBuildError(CodeUndeclaredRef, site,
				"own input %q cannot be a connection destination", ref)
		}
		if !dest && !g.Input {
			return nil, newBuildError(CodeUndeclaredRef, site,
				"own output %q cannot be a connection source", ref)
		}
		return appendGroup(nil, g), nil
	}

	kids, ok := r.Children[container]
	if !ok {
		return nil, newBuildError(CodeUndeclaredRef, site, "unknown child %q", container)
	}
	var out []PortID
	for _, cid := range kids {
		child := b.reactor(cid)
		g, ok := child.PortGroups[name]
		if !ok {
			return nil, newBuildError(CodeUndeclaredRef, site, "child %q has no port %q", container, name)
		}
		if dest && !g.Input {
			return nil, newBuildError(CodeUndeclaredRef, site,
				"child output %q cannot be a connection destination", ref)
		}
		if !dest && g.Input {
			return nil, newBuildError(CodeUndeclaredRef, site,
				"child input %q cannot be a connection source", ref)
		}
		out = appendGroup(out, g)
	}
	return out, nil
}

// claimWriter enforces the single-writer invariant: at most one
// connection may feed a channel, and a connected channel may not also
// be a reaction effect.
func (b *builder) claimWriter(dst *PortSlot, site string) error {
	if dst.hasWriter {
		return newBuildError(CodeMultipleWriters, site,
			"%s already has a writer", b.asm.PortName(dst.ID))
	}
	dst.hasWriter = true
	return nil
}

// countDestinations computes, per channel, the number of sink input
// channels reachable through direct links and delayed connections. A
// sink is a channel with no further outgoing links; intermediate
// hierarchy ports relay the value but are not destinations themselves.
func (b *builder) countDestinations() {
	var walk func(id PortID, seen map[PortID]bool) int
	walk = func(id PortID, seen map[PortID]bool) int {
		if seen[id] {
			return 0
		}
		seen[id] = true
		s := &b.asm.Ports[id]
		if len(s.Links) == 0 && len(s.DelayedLinks) == 0 {
			if s.Input {
				return 1
			}
			return 0
		}
		n := 0
		for _, next := range s.Links {
			n += walk(next, seen)
		}
		for _, tid := range s.DelayedLinks {
			n += walk(b.asm.Triggers[tid].Dest, seen)
		}
		return n
	}
	for i := range b.asm.Ports {
		b.asm.Ports[i].NumDestinations = walk(b.asm.Ports[i].ID, map[PortID]bool{})
	}
}

func (b *builder) summarize() {
	c := Counts{
		Reactors:  len(b.asm.Reactors),
		Ports:     len(b.asm.Ports),
		Triggers:  len(b.asm.Triggers),
		Reactions: len(b.asm.Reactions),
	}
	for i := range b.asm.Triggers {
		switch b.asm.Triggers[i].Kind {
		case TriggerTimer:
			c.Timers++
		case TriggerAction:
			c.Actions++
		case TriggerConnection:
			c.Connections++
		}
	}
	for i := range b.asm.Reactions {
		if l := b.asm.Reactions[i].Level; l > c.MaxLevel {
			c.MaxLevel = l
		}
	}
	b.asm.Counts = c
}
