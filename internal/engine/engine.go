package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/lockstep/internal/graph"
	"github.com/roach88/lockstep/internal/ir"
)

// State is the run loop's observable phase.
type State uint8

const (
	// StateIdle: between tags, selecting the next one.
	StateIdle State = iota
	// StateTagSelected: a tag chosen, events being delivered.
	StateTagSelected
	// StateDispatching: workers executing the tag's reactions.
	StateDispatching
	// StateDraining: reactions done, tokens being reclaimed.
	StateDraining
	// StateDone: terminal, after the stop tag completed.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTagSelected:
		return "tag_selected"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Engine executes one reactor program against logical time.
//
// The run loop is the single tag authority: it selects tags, delivers
// events, and drains. Workers execute reactions concurrently under the
// dispatch rules; every observable effect is ordered by (deadline,
// level, chain), never by worker identity.
//
// Thread-safety model:
//   - Run(): called from exactly one goroutine, once.
//   - ScheduleExternal(), ScheduleNetwork(), RequestStop(), barrier and
//     port-status methods: safe from any goroutine.
//   - Bind*() methods: before Run only.
//
// INVARIANTS:
//   - Processed tags strictly increase.
//   - Reactor state is mutated only by its own reactions, which never
//     overlap in time.
//   - Every token is released exactly once per reference.
type Engine struct {
	asm    *graph.Assembly
	reg    *Registry
	clock  Clock
	coord  Coordinator
	tracer Tracer
	log    *slog.Logger

	fast      bool
	keepalive bool
	timeout   time.Duration
	workers   int

	queue   *eventQueue
	tokens  *tokenArena
	barrier *tagBarrier

	// bodies holds the bound implementation per reaction, resolved
	// from the registry before the first tag.
	bodies []boundReaction

	// netGates lists, per reaction, the network inputs it transitively
	// depends on at the same tag. Empty for standalone programs.
	netGates [][]*netInput

	hasPhysical bool

	mu   sync.Mutex
	cond *sync.Cond

	state    State
	current  Tag
	start    int64
	stopTag  Tag
	stopSent bool
	started  bool
	aborted  bool
	fatal    error

	// grantedThrough caches the latest full coordinator grant; asking
	// again below it is pointless.
	grantedThrough Tag

	triggers []triggerRT
	ports    []portRT
	actions  []actionRT
	netIn    map[graph.PortID]*netInput
	outputs  map[graph.PortID]OutputFunc

	presentPorts   []graph.PortID
	activeTriggers []graph.TriggerID
	touched        []graph.ReactionID
	outbox         []outboundSend

	ready     []readyEntry
	executing []execEntry
	phase     []reactionPhase

	running  atomic.Bool
	finished chan struct{}
}

type triggerRT struct {
	present bool
	token   TokenID
}

type portRT struct {
	present     bool
	token       TokenID
	intended    Tag
	hasIntended bool
}

// actionRT tracks spacing-policy state per action trigger.
type actionRT struct {
	hasLast    bool
	lastTag    Tag
	pendingTag Tag
	pendingSeq uint64
}

// netInput is the status of one network-fed input port. statusThrough
// advances monotonically: the port is known absent at every tag it
// covers unless an event made it present.
type netInput struct {
	port          graph.PortID
	stp           time.Duration
	expires       bool
	statusThrough Tag
}

type boundReaction struct {
	body     BodyFunc
	deadline BodyFunc
	tardy    BodyFunc
}

type readyEntry struct {
	id    graph.ReactionID
	index uint64
}

type execEntry struct {
	id    graph.ReactionID
	level int
	chain uint64
}

type reactionPhase uint8

const (
	phaseIdle reactionPhase = iota
	phaseReady
	phaseRunning
	phaseDone
)

type outboundSend struct {
	fn    OutputFunc
	tag   Tag
	value ir.Value
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets the worker pool size. Values below 1 keep the
// single-worker default.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.workers = n
		}
	}
}

// WithFast disables waiting for physical time to catch up with logical
// time. Tags are processed as fast as the machine allows.
func WithFast(fast bool) Option {
	return func(e *Engine) {
		e.fast = fast
	}
}

// WithKeepalive keeps the engine alive on an empty event queue,
// waiting for physical actions or network messages instead of
// stopping.
func WithKeepalive(keepalive bool) Option {
	return func(e *Engine) {
		e.keepalive = keepalive
	}
}

// WithTimeout bounds execution: the stop tag becomes (start+d, 0).
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithClock substitutes the physical clock. Tests use a fixed or
// stepping clock to exercise deadlines deterministically.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithCoordinator attaches a federation coordinator. Nil means
// standalone.
func WithCoordinator(c Coordinator) Option {
	return func(e *Engine) {
		e.coord = c
	}
}

// WithTracer attaches an execution tracer.
func WithTracer(t Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithLogger substitutes the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New creates an Engine for one built assembly. The registry supplies
// reaction body implementations; binding happens when Run starts so a
// missing body surfaces as BODY_UNBOUND before any tag is processed.
func New(asm *graph.Assembly, reg *Registry, opts ...Option) *Engine {
	e := &Engine{
		asm:            asm,
		reg:            reg,
		clock:          NewSystemClock(),
		log:            slog.Default(),
		workers:        1,
		queue:          newEventQueue(),
		tokens:         newTokenArena(),
		barrier:        newTagBarrier(),
		stopTag:        ForeverTag,
		grantedThrough: NeverTag,
		netIn:          make(map[graph.PortID]*netInput),
		outputs:        make(map[graph.PortID]OutputFunc),
		finished:       make(chan struct{}),

		triggers: make([]triggerRT, len(asm.Triggers)),
		ports:    make([]portRT, len(asm.Ports)),
		actions:  make([]actionRT, len(asm.Triggers)),
		phase:    make([]reactionPhase, len(asm.Reactions)),
	}
	e.cond = sync.NewCond(&e.mu)
	for i := range e.triggers {
		e.triggers[i].token = NoToken
	}
	for i := range e.ports {
		e.ports[i].token = NoToken
	}
	for i := range asm.Triggers {
		if asm.Triggers[i].Kind == graph.TriggerAction && asm.Triggers[i].Physical {
			e.hasPhysical = true
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assembly returns the program structure the engine executes.
func (e *Engine) Assembly() *graph.Assembly {
	return e.asm
}

// State returns the run loop's phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CurrentTag returns the tag being or last processed.
func (e *Engine) CurrentTag() Tag {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// StartTime returns the physical timestamp logical time started from.
func (e *Engine) StartTime() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.start
}

// StopTag returns the tag execution will stop at, ForeverTag if
// unbounded.
func (e *Engine) StopTag() Tag {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopTag
}

// TokensLive reports tokens currently holding references.
func (e *Engine) TokensLive() int {
	return e.tokens.Live()
}

// Clock returns the physical clock in use.
func (e *Engine) Clock() Clock {
	return e.clock
}

// SetStopTag lowers the stop tag. Raising it again is not possible;
// stop decisions are final. A tag at or behind the current one is
// clamped to the next microstep, since completed tags cannot be
// revisited. Safe from any goroutine.
func (e *Engine) SetStopTag(tag Tag) {
	e.mu.Lock()
	if e.started && !tag.After(e.current) {
		tag = e.current.Next()
	}
	if tag.Before(e.stopTag) {
		e.stopTag = tag
	}
	e.mu.Unlock()
	e.queue.Notify()
}

// RequestStop asks the engine to stop at the next microstep. Under a
// coordinator the stop tag is negotiated federation-wide; the engine
// keeps running until the granted tag.
func (e *Engine) RequestStop() {
	e.mu.Lock()
	if e.stopSent {
		e.mu.Unlock()
		return
	}
	e.stopSent = true
	current := e.current
	coord := e.coord
	e.mu.Unlock()

	if coord == nil {
		e.SetStopTag(current.Next())
		return
	}
	go func() {
		granted, err := coord.RequestStop(current)
		if err != nil {
			e.log.Error("stop request failed", "error", err)
			e.SetStopTag(current.Next())
			return
		}
		e.SetStopTag(granted)
	}()
}

// BindNetworkInput marks an input port as network-fed. Before Run
// only.
func (e *Engine) BindNetworkInput(in NetworkInput) error {
	if in.Port < 0 || int(in.Port) >= len(e.asm.Ports) {
		return &RuntimeError{Code: ErrCodeInvalidConfig, Message: "network input port out of range"}
	}
	slot := &e.asm.Ports[in.Port]
	if !slot.Input {
		return &RuntimeError{
			Code:    ErrCodeInvalidConfig,
			Message: "network input must be an input port",
			Site:    e.asm.PortName(in.Port),
		}
	}
	e.netIn[in.Port] = &netInput{
		port:          in.Port,
		stp:           in.STP,
		expires:       in.Expires,
		statusThrough: NeverTag,
	}
	return nil
}

// BindOutput routes writes of a port to fn. Before Run only.
func (e *Engine) BindOutput(port graph.PortID, fn OutputFunc) error {
	if port < 0 || int(port) >= len(e.asm.Ports) {
		return &RuntimeError{Code: ErrCodeInvalidConfig, Message: "output port out of range"}
	}
	if fn == nil {
		return &RuntimeError{Code: ErrCodeInvalidConfig, Message: "nil output binding", Site: e.asm.PortName(port)}
	}
	e.outputs[port] = fn
	return nil
}

// SetPortStatusThrough records that a network input's senders are done
// with every tag up to and including tag. Safe from any goroutine.
func (e *Engine) SetPortStatusThrough(port graph.PortID, tag Tag) {
	e.mu.Lock()
	if ni, ok := e.netIn[port]; ok && ni.statusThrough.Before(tag) {
		ni.statusThrough = tag
	}
	e.cond.Broadcast()
	e.mu.Unlock()
	e.queue.Notify()
}

// SetAllPortsStatusThrough advances every network input's status, the
// effect of a full tag advance grant.
func (e *Engine) SetAllPortsStatusThrough(tag Tag) {
	e.mu.Lock()
	for _, ni := range e.netIn {
		if ni.statusThrough.Before(tag) {
			ni.statusThrough = tag
		}
	}
	e.cond.Broadcast()
	e.mu.Unlock()
	e.queue.Notify()
}

// RaiseBarrier blocks tag advancement past tag until LowerBarrier.
func (e *Engine) RaiseBarrier(tag Tag) {
	e.barrier.Raise(tag)
}

// LowerBarrier releases one RaiseBarrier.
func (e *Engine) LowerBarrier(tag Tag) {
	e.barrier.Lower(tag)
	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
	e.queue.Notify()
}
