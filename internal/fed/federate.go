package fed

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/lockstep/internal/engine"
	"github.com/roach88/lockstep/internal/graph"
	"github.com/roach88/lockstep/internal/ir"
)

// outboundRef is one network link fanned out from a bound output port.
// lastWrite is guarded by the federate mutex; the rest is immutable
// after Bind.
type outboundRef struct {
	channel   int
	dest      int
	delay     int64
	lastWrite engine.Tag
}

// inboundRef maps a relay channel to its local destination port.
type inboundRef struct {
	port graph.PortID
	typ  ir.TypeName
}

// Federate connects one engine to a federation. It implements
// engine.Coordinator: the run loop asks it for time advancement, and
// its reader goroutine feeds inbound traffic through the engine's
// network surface.
type Federate struct {
	cfg  *Config
	id   int
	name string
	log  *slog.Logger

	clock         engine.Clock
	relay         string
	retryInterval time.Duration
	retries       int

	eng *engine.Engine

	link *link
	udp  *net.UDPConn

	inbound   map[int]inboundRef
	outbound  map[graph.PortID][]*outboundRef
	upstreams int

	tanLimit *rate.Limiter

	// Engine run loop only.
	sentNET bool
	lastNET engine.Tag
	lastLTC engine.Tag
	lastTAN int64

	mu          sync.Mutex
	grants      []engine.Grant
	err         error
	stopSent    bool
	stopVoted   bool
	stopGranted bool
	stopTag     engine.Tag
	stopBarrier *engine.Tag

	grantCh  chan struct{}
	stopDone chan struct{}
	down     chan struct{}
	downOnce sync.Once
	readDone chan struct{}
}

// FederateOption configures a Federate.
type FederateOption func(*Federate)

// WithFederateLogger routes the federate's logging.
func WithFederateLogger(l *slog.Logger) FederateOption {
	return func(f *Federate) { f.log = l }
}

// WithFederateClock substitutes the physical clock. A clock that is
// not adjustable declines clock synchronization at join.
func WithFederateClock(c engine.Clock) FederateOption {
	return func(f *Federate) {
		if c != nil {
			f.clock = c
		}
	}
}

// WithRelayAddress overrides the topology's relay endpoint; tests pass
// the relay's actual bound address.
func WithRelayAddress(addr string) FederateOption {
	return func(f *Federate) { f.relay = addr }
}

// WithDialRetry overrides the connect retry policy.
func WithDialRetry(interval time.Duration, retries int) FederateOption {
	return func(f *Federate) {
		if interval > 0 {
			f.retryInterval = interval
		}
		if retries > 0 {
			f.retries = retries
		}
	}
}

// NewFederate builds the coordinator for one named federate of a
// topology.
func NewFederate(cfg *Config, name string, opts ...FederateOption) (*Federate, error) {
	id, ok := cfg.FederateID(name)
	if !ok {
		return nil, &ConfigError{Field: "federates", Message: fmt.Sprintf("no federate named %q", name)}
	}
	f := &Federate{
		cfg:           cfg,
		id:            id,
		name:          name,
		log:           slog.Default(),
		clock:         engine.NewSystemClock(),
		retryInterval: connectRetryInterval,
		retries:       connectNumRetries,
		inbound:       make(map[int]inboundRef),
		outbound:      make(map[graph.PortID][]*outboundRef),
		upstreams:     len(cfg.upstreamOf(id)),
		tanLimit:      rate.NewLimiter(rate.Every(advanceMessageInterval), 1),
		lastNET:       engine.NeverTag,
		lastLTC:       engine.NeverTag,
		lastTAN:       engine.NeverTag.Time,
		grantCh:       make(chan struct{}, 1),
		stopDone:      make(chan struct{}),
		down:          make(chan struct{}),
		readDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// ID returns the federate's number in the topology.
func (f *Federate) ID() int { return f.id }

// Bind wires the topology's links to eng's ports: inbound links become
// network inputs, outbound links become output bindings that forward
// writes to the relay. Must precede eng.Run.
func (f *Federate) Bind(eng *engine.Engine) error {
	f.eng = eng

	// Several links may feed one port; the port waits out the longest
	// safe-to-process offset among them.
	stp := make(map[graph.PortID]time.Duration)
	for _, l := range f.cfg.inbound(f.id) {
		port, typ, err := f.resolvePort(l.toPort, true)
		if err != nil {
			return err
		}
		f.inbound[l.channel] = inboundRef{port: port, typ: typ}
		if cur, ok := stp[port]; !ok || l.STP.Duration() > cur {
			stp[port] = l.STP.Duration()
		}
	}
	for port, d := range stp {
		in := engine.NetworkInput{
			Port:    port,
			STP:     d,
			Expires: f.cfg.Mode == ModeDecentralized,
		}
		if err := eng.BindNetworkInput(in); err != nil {
			return err
		}
	}

	group := make(map[graph.PortID][]*outboundRef)
	for _, l := range f.cfg.outbound(f.id) {
		port, _, err := f.resolvePort(l.fromPort, false)
		if err != nil {
			return err
		}
		group[port] = append(group[port], &outboundRef{
			channel:   l.channel,
			dest:      l.toFed,
			delay:     l.delay(),
			lastWrite: engine.NeverTag,
		})
	}
	for port, refs := range group {
		if err := eng.BindOutput(port, f.outputFunc(refs)); err != nil {
			return err
		}
		f.outbound[port] = refs
	}
	return nil
}

// resolvePort maps a topology port reference ("reactor.port" or
// "reactor.port[2]") to a channel of the bound program.
func (f *Federate) resolvePort(spec string, wantInput bool) (graph.PortID, ir.TypeName, error) {
	path := spec
	idx := 0
	if i := strings.IndexByte(spec, '['); i >= 0 {
		if !strings.HasSuffix(spec, "]") {
			return 0, "", &ConfigError{Field: "links", Message: fmt.Sprintf("malformed port reference %q", spec)}
		}
		n, err := strconv.Atoi(spec[i+1 : len(spec)-1])
		if err != nil {
			return 0, "", &ConfigError{Field: "links", Message: fmt.Sprintf("malformed port index in %q", spec)}
		}
		idx = n
		path = spec[:i]
	}
	g, ok := f.eng.Assembly().LookupPort(path)
	if !ok {
		return 0, "", &ConfigError{Field: "links", Message: fmt.Sprintf("program has no port %q", path)}
	}
	if g.Input != wantInput {
		dir := "output"
		if wantInput {
			dir = "input"
		}
		return 0, "", &ConfigError{Field: "links", Message: fmt.Sprintf("port %q is not an %s", path, dir)}
	}
	if idx < 0 || idx >= g.Width {
		return 0, "", &ConfigError{Field: "links", Message: fmt.Sprintf("port %q has no channel %d", path, idx)}
	}
	return g.Channel(idx), g.Type, nil
}

// outputFunc forwards writes of one port to every linked destination,
// applying each link's after delay to the wire tag.
func (f *Federate) outputFunc(refs []*outboundRef) engine.OutputFunc {
	return func(tag engine.Tag, value ir.Value) error {
		payload := ir.EncodeValue(value)
		f.mu.Lock()
		for _, ref := range refs {
			ref.lastWrite = tag
		}
		f.mu.Unlock()
		for _, ref := range refs {
			wtag := applyAfter(tag, ref.delay)
			if err := f.link.send(encodeTagged(ref.channel, ref.dest, wtag, payload)); err != nil {
				return fmt.Errorf("send to federate %d: %w", ref.dest, err)
			}
		}
		return nil
	}
}

// Start dials the relay, joins the federation, and returns the agreed
// start time. The reader goroutine then serves the link until
// Shutdown.
func (f *Federate) Start(ctx context.Context) (int64, error) {
	if f.eng == nil {
		return 0, &ConfigError{Message: "federate is not bound to an engine"}
	}
	conn, err := f.dial(ctx)
	if err != nil {
		return 0, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	f.link = newLink(conn)

	start, err := f.join(ctx)
	if err != nil {
		conn.Close()
		if f.udp != nil {
			f.udp.Close()
		}
		return 0, err
	}

	go f.readLoop()
	if f.udp != nil {
		if adj, ok := f.clock.(AdjustableClock); ok {
			go f.clockSyncResponder(adj)
		}
	}
	f.log.Info("joined federation", "federate", f.id, "name", f.name, "start", start)
	return start, nil
}

// dial connects to the relay, retrying on refusal. Without a
// configured port the protocol's scan range is probed each round.
func (f *Federate) dial(ctx context.Context) (net.Conn, error) {
	var addrs []string
	switch {
	case f.relay != "":
		addrs = []string{f.relay}
	case f.cfg.Relay.Port != 0:
		addrs = []string{net.JoinHostPort(f.cfg.Relay.Host, strconv.Itoa(f.cfg.Relay.Port))}
	default:
		for p := startingPort; p < startingPort+portRangeLimit; p++ {
			addrs = append(addrs, net.JoinHostPort(f.cfg.Relay.Host, strconv.Itoa(p)))
		}
	}

	var d net.Dialer
	var lastErr error
	for attempt := 0; ; attempt++ {
		for _, addr := range addrs {
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err == nil {
				return conn, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		if attempt+1 >= f.retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.retryInterval):
		}
	}
	return nil, fmt.Errorf("connect to relay: %w", lastErr)
}

// join runs the handshake: identify, negotiate clock sync, exchange
// clock readings, and learn the start time.
func (f *Federate) join(ctx context.Context) (int64, error) {
	hsDone := make(chan struct{})
	defer close(hsDone)
	go func() {
		select {
		case <-ctx.Done():
			f.link.Close()
		case <-hsDone:
		}
	}()

	if err := f.link.send(encodeFedIDs(f.id, f.cfg.Federation)); err != nil {
		return 0, err
	}
	fr, err := f.link.read()
	if err != nil {
		return 0, err
	}
	switch fr.typ {
	case msgAck:
	case msgReject:
		return 0, rejectionError(fr.reason)
	default:
		return 0, &ProtocolError{Code: ErrCodeHandshakeFailed, Message: "expected join acknowledgment", Federate: f.id}
	}

	mode := f.cfg.ClockSync.Mode
	adj, adjustable := f.clock.(AdjustableClock)
	if mode != ClockSyncOff && !adjustable {
		f.log.Warn("clock does not accept adjustment; declining clock sync")
		mode = ClockSyncOff
	}
	port := udpPortOff
	switch mode {
	case ClockSyncRuntime:
		u, err := net.ListenUDP("udp", nil)
		if err != nil {
			return 0, fmt.Errorf("clock sync socket: %w", err)
		}
		f.udp = u
		port = u.LocalAddr().(*net.UDPAddr).Port
	case ClockSyncInitial:
		port = udpPortInitialOnly
	}
	if err := f.link.send(encodeUDPPort(port)); err != nil {
		return 0, err
	}
	if mode != ClockSyncOff {
		if err := f.initialClockSync(adj); err != nil {
			return 0, err
		}
	}

	if err := f.link.send(encodeTimestamp(f.clock.Now())); err != nil {
		return 0, err
	}
	fr, err = f.link.read()
	if err != nil {
		return 0, err
	}
	if fr.typ != msgTimestamp {
		return 0, &ProtocolError{Code: ErrCodeHandshakeFailed, Message: "expected start time", Federate: f.id}
	}
	return fr.time, nil
}

// NextEventTag implements the coordinator's time advancement protocol.
// Under centralized coordination the request is announced to the relay
// and the next grant returned; a request bounded only by physical
// actions instead streams clock readings until something changes.
func (f *Federate) NextEventTag(ctx context.Context, want engine.Tag, physicalBound bool, changed <-chan struct{}) (engine.Grant, error) {
	if f.cfg.Mode == ModeDecentralized {
		if want != engine.ForeverTag {
			return engine.Grant{Tag: want}, nil
		}
		// Nothing pending; wait for traffic or a stop decision.
		select {
		case <-changed:
			return engine.Grant{}, engine.ErrTagSuperseded
		case <-ctx.Done():
			return engine.Grant{}, ctx.Err()
		case <-f.down:
			return engine.Grant{}, f.takeErr()
		}
	}

	if g, ok := f.takeGrant(); ok {
		return g, nil
	}
	if !physicalBound {
		if err := f.sendNET(want); err != nil {
			return engine.Grant{}, err
		}
		if f.upstreams == 0 && want != engine.ForeverTag {
			// Nothing can hold this federate back; the announcement
			// alone feeds downstream grants.
			return engine.Grant{Tag: want}, nil
		}
	}

	var tickC <-chan time.Time
	if physicalBound {
		f.sendTimeAdvance()
		tick := time.NewTicker(advanceMessageInterval)
		defer tick.Stop()
		tickC = tick.C
	}
	for {
		select {
		case <-f.grantCh:
			if g, ok := f.takeGrant(); ok {
				return g, nil
			}
		case <-changed:
			return engine.Grant{}, engine.ErrTagSuperseded
		case <-tickC:
			f.sendTimeAdvance()
		case <-ctx.Done():
			return engine.Grant{}, ctx.Err()
		case <-f.down:
			return engine.Grant{}, f.takeErr()
		}
	}
}

// sendNET announces the earliest pending work. Consecutive duplicate
// announcements are suppressed; the relay's view is unchanged.
func (f *Federate) sendNET(want engine.Tag) error {
	if f.sentNET && want == f.lastNET {
		return nil
	}
	if err := f.link.send(encodeTagMsg(msgNextEventTag, want)); err != nil {
		return err
	}
	f.sentNET = true
	f.lastNET = want
	return nil
}

// sendTimeAdvance streams the physical clock as a lower bound on
// future events, rate-limited to the advance interval.
func (f *Federate) sendTimeAdvance() {
	if !f.tanLimit.Allow() {
		return
	}
	now := f.clock.Now()
	if now <= f.lastTAN {
		return
	}
	if err := f.link.send(encodeTimeAdvance(now)); err != nil {
		return
	}
	f.lastTAN = now
}

func (f *Federate) takeGrant() (engine.Grant, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.grants) == 0 {
		return engine.Grant{}, false
	}
	g := f.grants[0]
	f.grants = f.grants[1:]
	return g, true
}

func (f *Federate) offerGrant(g engine.Grant) {
	f.mu.Lock()
	f.grants = append(f.grants, g)
	f.mu.Unlock()
	select {
	case f.grantCh <- struct{}{}:
	default:
	}
}

// LogicalTagComplete reports a finished tag: absent notices for every
// outbound channel the tag did not write, then the completion itself.
func (f *Federate) LogicalTagComplete(tag engine.Tag) error {
	if !tag.After(f.lastLTC) {
		return nil
	}
	f.lastLTC = tag

	f.mu.Lock()
	var absents []outboundRef
	for _, refs := range f.outbound {
		for _, ref := range refs {
			if ref.lastWrite != tag {
				absents = append(absents, *ref)
			}
		}
	}
	f.mu.Unlock()

	for _, ref := range absents {
		wtag := applyAfter(tag, ref.delay)
		if err := f.link.send(encodePortAbsent(ref.channel, ref.dest, wtag)); err != nil {
			return err
		}
	}
	if f.cfg.Mode == ModeCentralized {
		if err := f.link.send(encodeTagMsg(msgLogicalTagComplete, tag)); err != nil {
			return err
		}
	}
	return nil
}

// RequestStop negotiates a federation-wide stop. The first vote raises
// a barrier at the current tag so execution cannot outrun the decision.
func (f *Federate) RequestStop(current engine.Tag) (engine.Tag, error) {
	if f.link == nil {
		// Not yet joined; nothing to negotiate with.
		return current.Next(), nil
	}
	f.mu.Lock()
	var sendErr error
	if !f.stopSent {
		f.stopSent = true
		if !f.stopVoted {
			f.stopVoted = true
			f.raiseStopBarrierLocked(current)
			sendErr = f.link.send(encodeTagMsg(msgStopRequest, current))
		}
	}
	f.mu.Unlock()
	if sendErr != nil {
		return engine.Tag{}, sendErr
	}

	select {
	case <-f.stopDone:
		f.mu.Lock()
		t := f.stopTag
		f.mu.Unlock()
		return t, nil
	case <-f.down:
		return engine.Tag{}, f.takeErr()
	}
}

// handleStopRequest answers a relay-initiated stop round: vote for the
// later of the requested tag and the engine's current one.
func (f *Federate) handleStopRequest(t engine.Tag) {
	f.mu.Lock()
	if f.stopVoted {
		f.mu.Unlock()
		return
	}
	f.stopVoted = true
	vote := t
	if cur := f.eng.CurrentTag(); cur.After(vote) {
		vote = cur
	}
	f.raiseStopBarrierLocked(vote)
	err := f.link.send(encodeTagMsg(msgStopRequestReply, vote))
	f.mu.Unlock()
	if err != nil {
		f.log.Warn("stop vote failed", "error", err)
	}
}

// handleStopGranted applies the negotiated stop tag and releases the
// negotiation barrier.
func (f *Federate) handleStopGranted(t engine.Tag) {
	f.mu.Lock()
	if f.stopGranted {
		f.mu.Unlock()
		return
	}
	f.stopGranted = true
	f.stopTag = t
	barrier := f.stopBarrier
	f.stopBarrier = nil
	f.mu.Unlock()

	f.log.Info("stop granted", "time", t.Time, "microstep", t.Microstep)
	f.eng.SetStopTag(t)
	if barrier != nil {
		f.eng.LowerBarrier(*barrier)
	}
	close(f.stopDone)
}

func (f *Federate) raiseStopBarrierLocked(t engine.Tag) {
	if f.stopBarrier != nil {
		return
	}
	f.eng.RaiseBarrier(t)
	f.stopBarrier = &t
}

// readLoop serves relay traffic until the link closes.
func (f *Federate) readLoop() {
	defer close(f.readDone)
	for {
		fr, err := f.link.read()
		if err != nil {
			select {
			case <-f.down:
			default:
				f.fail(&ProtocolError{Code: ErrCodeConnectionLost, Message: err.Error(), Federate: f.id})
			}
			return
		}

		switch fr.typ {
		case msgTagAdvanceGrant:
			// A full grant promises silence through its tag; settle
			// every port before the run loop can see the grant.
			f.eng.SetAllPortsStatusThrough(fr.tag)
			f.offerGrant(engine.Grant{Tag: fr.tag})

		case msgProvisionalTagGrant:
			f.offerGrant(engine.Grant{Tag: fr.tag, Provisional: true})

		case msgTaggedMessage:
			f.handleTagged(fr)

		case msgPortAbsent:
			in, ok := f.inbound[fr.channel]
			if !ok {
				f.log.Warn("absent notice for unknown channel", "channel", fr.channel)
				continue
			}
			f.eng.SetPortStatusThrough(in.port, fr.tag)

		case msgStopRequest:
			f.handleStopRequest(fr.tag)

		case msgStopGranted:
			f.handleStopGranted(fr.tag)

		case msgReject:
			f.fail(rejectionError(fr.reason))
			return

		default:
			f.log.Warn("unexpected frame from relay", "type", fr.typ)
		}
	}
}

func (f *Federate) handleTagged(fr frame) {
	in, ok := f.inbound[fr.channel]
	if !ok {
		f.log.Warn("message for unknown channel", "channel", fr.channel)
		return
	}
	val, err := ir.DecodeValue(in.typ, fr.payload)
	if err != nil {
		f.log.Error("undecodable network payload", "channel", fr.channel, "error", err)
		return
	}
	if err := f.eng.ScheduleNetwork(in.port, fr.tag, fr.tag, val); err != nil {
		f.log.Error("network event rejected",
			"channel", fr.channel, "time", fr.tag.Time, "microstep", fr.tag.Microstep, "error", err)
	}
}

// Shutdown resigns from the federation and closes the link. Safe to
// call more than once.
func (f *Federate) Shutdown() error {
	f.close(true, &ProtocolError{Code: ErrCodeConnectionLost, Message: "federate shut down", Federate: f.id})
	return nil
}

// fail records a fatal link error and tears the connection down;
// blocked coordinator calls return the error.
func (f *Federate) fail(err error) {
	f.log.Error("relay link failed", "federate", f.id, "error", err)
	f.close(false, err)
}

func (f *Federate) close(resign bool, err error) {
	f.downOnce.Do(func() {
		f.mu.Lock()
		if f.err == nil {
			f.err = err
		}
		f.mu.Unlock()
		if resign && f.link != nil {
			f.link.send(encodeResign())
		}
		close(f.down)
		if f.link != nil {
			f.link.Close()
		}
		if f.udp != nil {
			f.udp.Close()
		}
	})
}

func (f *Federate) takeErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return &ProtocolError{Code: ErrCodeConnectionLost, Message: "relay link closed", Federate: f.id}
}
