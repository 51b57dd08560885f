package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/lockstep/internal/ir"
)

// Handle types index the Assembly arenas. Records reference each other
// by handle, never by pointer, so the whole structure is relocatable
// and trivially serializable for diagnostics.
type (
	ReactorID  int32
	PortID     int32
	TriggerID  int32
	ReactionID int32
)

// None marks an absent handle.
const None = -1

// TriggerKind discriminates Trigger records.
type TriggerKind uint8

const (
	TriggerAction TriggerKind = iota
	TriggerTimer
	TriggerStartup
	TriggerShutdown
	TriggerConnection
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerAction:
		return "action"
	case TriggerTimer:
		return "timer"
	case TriggerStartup:
		return "startup"
	case TriggerShutdown:
		return "shutdown"
	case TriggerConnection:
		return "connection"
	}
	return "unknown"
}

// Assembly is the immutable output of Build: the flattened reactor
// instance graph plus everything the scheduler needs to order work.
type Assembly struct {
	Program *ir.Program
	// Hash is the content-addressed identity of Program.
	Hash string

	Reactors  []Reactor
	Ports     []PortSlot
	Triggers  []Trigger
	Reactions []ReactionRec

	// Builtin triggers, shared by every reactor that declares them.
	Startup  TriggerID
	Shutdown TriggerID

	Counts Counts
}

// Counts is the immutable summary of one build pass. Allocation sizing
// reads these; nothing accumulates counts piecemeal across passes.
type Counts struct {
	Reactors    int `json:"reactors"`
	Ports       int `json:"ports"`
	Triggers    int `json:"triggers"`
	Reactions   int `json:"reactions"`
	Timers      int `json:"timers"`
	Actions     int `json:"actions"`
	Connections int `json:"connections"`
	MaxLevel    int `json:"max_level"`
}

// Reactor is one instance in the flattened tree.
type Reactor struct {
	ID        ReactorID
	Name      string
	FullName  string
	Class     string
	Parent    ReactorID // None for the root
	BankIndex int       // 0 when not in a bank

	// PortGroups by declared name; a multiport is one group spanning
	// Width consecutive PortSlots.
	PortGroups map[string]PortGroup
	// TriggersByName maps declared action and timer names.
	TriggersByName map[string]TriggerID
	// Children maps child declaration name to the bank's instances in
	// bank-index order (length 1 when not a bank).
	Children map[string][]ReactorID

	Reactions []ReactionID
}

// PortGroup addresses the channels of one declared port on one
// instance: PortSlots [First, First+Width).
type PortGroup struct {
	First PortID
	Width int
	Type  ir.TypeName
	Input bool
	Name  string
}

// Channel returns the PortID of channel i.
func (g PortGroup) Channel(i int) PortID {
	return g.First + PortID(i)
}

// PortSlot is one channel of one port instance.
type PortSlot struct {
	ID      PortID
	Owner   ReactorID
	Group   string
	Channel int
	Type    ir.TypeName
	Input   bool

	// Links are same-tag downstream channels (direct connections, no
	// delay); writing this slot propagates into them synchronously.
	Links []PortID
	// DelayedLinks are connection triggers scheduled through the event
	// queue when this slot is written.
	DelayedLinks []TriggerID
	// Triggered lists reactions with this channel in their trigger
	// set, in declaration order.
	Triggered []ReactionID
	// Sourcers lists reactions that read this channel without being
	// triggered by it.
	Sourcers []ReactionID

	// NumDestinations counts the final destination input channels
	// reachable from this slot through Links and DelayedLinks. Token
	// reference accounting and the fan-out invariant both read it.
	NumDestinations int

	// hasWriter tracks the single-writer invariant during Build.
	hasWriter bool
}

// PortName returns "owner.port", or "owner.port[ch]" for multiports.
func (a *Assembly) PortName(id PortID) string {
	s := &a.Ports[id]
	owner := a.Reactors[s.Owner].FullName
	g := a.Reactors[s.Owner].PortGroups[s.Group]
	if g.Width > 1 {
		return fmt.Sprintf("%s.%s[%d]", owner, s.Group, s.Channel)
	}
	return owner + "." + s.Group
}

// Trigger is an event source: an action, a timer, a builtin, or a
// delayed connection.
type Trigger struct {
	ID       TriggerID
	Kind     TriggerKind
	Owner    ReactorID // None for builtins
	Name     string
	FullName string
	Type     ir.TypeName

	// Action fields.
	MinDelay   time.Duration
	MinSpacing time.Duration
	Policy     ir.Policy
	Physical   bool

	// Timer fields.
	Offset time.Duration
	Period time.Duration

	// Connection fields. A delayed connection delivers its token to
	// Dest when its event pops; Microstep marks an "after 0" delay.
	Delay     time.Duration
	Microstep bool
	Dest      PortID

	// Triggered lists reactions fired by this trigger, in a fixed
	// deterministic order (reaction handle order).
	Triggered []ReactionID
}

// ReactionVarKind discriminates what a reaction variable names.
type ReactionVarKind uint8

const (
	VarPort ReactionVarKind = iota
	VarTrigger
)

// ReactionVar resolves one name in a reaction's trigger/source/effect
// sets to concrete runtime records.
type ReactionVar struct {
	Kind    ReactionVarKind
	Ref     ir.Ref
	Port    PortGroup // valid when Kind == VarPort
	Trigger TriggerID // valid when Kind == VarTrigger
}

// ReactionRec is one reaction instance with its scheduling metadata.
type ReactionRec struct {
	ID       ReactionID
	Owner    ReactorID
	Num      int // declaration index within the owner
	FullName string

	Body         string
	Deadline     time.Duration
	DeadlineBody string
	STP          time.Duration
	STPBody      string

	Triggers []ReactionVar
	Sources  []ReactionVar
	Effects  []ReactionVar
	// Vars resolves every name usable from the reaction body.
	Vars map[string]ReactionVar

	// Level is the topological depth; a reaction only runs once every
	// dependency at a lower level has completed for the current tag.
	Level int
	// ChainID shares bits with every reaction on a dependency path
	// through this one. Disjoint chains may run concurrently.
	ChainID uint64
	// Index orders ready reactions: effective deadline then level.
	Index uint64
}

// indexFor packs the dispatch priority. Reactions with no deadline
// (effective deadline 0) sort after every deadline-bearing reaction at
// any level; among equal deadlines, lower levels run first.
func indexFor(effDeadline time.Duration, level int) uint64 {
	d := uint64(effDeadline)
	if effDeadline <= 0 || d > maxDeadline {
		d = maxDeadline
	}
	return d<<16 | uint64(level)&0xFFFF
}

const maxDeadline = (uint64(1) << 47) - 1

// Overlapping reports whether two chain ids share a bit, meaning a
// dependency path may connect the reactions.
func Overlapping(a, b uint64) bool {
	return a&b != 0
}

// Root returns the root reactor instance.
func (a *Assembly) Root() *Reactor {
	return &a.Reactors[0]
}

// LookupReactor resolves a full instance path such as
// "main.workers[2]". Returns nil when no instance matches.
func (a *Assembly) LookupReactor(path string) *Reactor {
	for i := range a.Reactors {
		if a.Reactors[i].FullName == path {
			return &a.Reactors[i]
		}
	}
	return nil
}

// LookupPort resolves "instance.path.port" to a port group. The last
// path element names the port, the rest the instance.
func (a *Assembly) LookupPort(path string) (PortGroup, bool) {
	dot := lastDot(path)
	if dot < 0 {
		return PortGroup{}, false
	}
	r := a.LookupReactor(path[:dot])
	if r == nil {
		return PortGroup{}, false
	}
	g, ok := r.PortGroups[path[dot+1:]]
	return g, ok
}

// NumDestinations sums final destination counts over a group's
// channels. A width-3 multiport feeding a bank of 3 reports 3.
func (a *Assembly) NumDestinations(g PortGroup) int {
	n := 0
	for i := 0; i < g.Width; i++ {
		n += a.Ports[g.Channel(i)].NumDestinations
	}
	return n
}

func lastDot(s string) int {
	return strings.LastIndexByte(s, '.')
}
