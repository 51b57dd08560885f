package fed

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/lockstep/internal/engine"
)

// fedPhase tracks one federate's lifecycle at the relay.
type fedPhase uint8

const (
	fedPending fedPhase = iota
	fedJoined
	fedResigned
)

// fedState is the relay's bookkeeping for one federate. Everything
// except link writes is guarded by the relay mutex.
type fedState struct {
	id   int
	name string
	link *link

	state fedPhase

	// Grant inputs. nextEvent is the last next-event-tag request;
	// timeAdvance the last physical bound from a time-advance notice;
	// completed the last logical-tag-complete.
	completed       engine.Tag
	lastGranted     engine.Tag
	lastProvisional engine.Tag
	nextEvent       engine.Tag
	timeAdvance     int64

	upstream   []upstreamRef
	downstream []int

	udpPort int
	udpAddr *net.UDPAddr

	stopVoted bool
}

// Relay is the federation's hub: it validates joins, negotiates the
// start time, arbitrates logical time under centralized coordination,
// forwards tagged messages and port-absent notices, runs the stop
// protocol, and drives clock synchronization.
type Relay struct {
	cfg     *Config
	log     *slog.Logger
	clock   engine.Clock
	metrics *Metrics
	listen  string

	lst net.Listener
	udp *net.UDPConn

	mu        sync.Mutex
	feds      []*fedState
	joined    int
	active    int
	reported  int
	maxClock  int64
	startTime int64
	stop      stopState
	outbox    []outSend

	startCh  chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

type stopState struct {
	inProgress bool
	granted    bool
	tag        engine.Tag
}

// outSend is one frame queued under the mutex and sent after release,
// so a slow federate's socket never stalls grant arithmetic.
type outSend struct {
	l     *link
	frame []byte
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger routes the relay's logging.
func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) { r.log = l }
}

// WithRelayClock substitutes the physical clock, for tests.
func WithRelayClock(c engine.Clock) RelayOption {
	return func(r *Relay) { r.clock = c }
}

// WithRelayMetrics attaches Prometheus counters.
func WithRelayMetrics(m *Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// WithListenAddress overrides the topology's relay endpoint; tests
// pass "127.0.0.1:0".
func WithListenAddress(addr string) RelayOption {
	return func(r *Relay) { r.listen = addr }
}

// NewRelay builds a relay for a topology.
func NewRelay(cfg *Config, opts ...RelayOption) *Relay {
	r := &Relay{
		cfg:     cfg,
		log:     slog.Default(),
		clock:   engine.NewSystemClock(),
		startCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i, def := range cfg.Federates {
		r.feds = append(r.feds, &fedState{
			id:              i,
			name:            def.Name,
			completed:       engine.NeverTag,
			lastGranted:     engine.NeverTag,
			lastProvisional: engine.NeverTag,
			nextEvent:       engine.NeverTag,
			timeAdvance:     engine.NeverTag.Time,
			upstream:        cfg.upstreamOf(i),
			downstream:      cfg.downstreamOf(i),
			udpPort:         udpPortOff,
		})
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Listen binds the relay's sockets. Called implicitly by Serve when
// skipped; calling it first lets tests and the CLI read Addr before
// federates dial.
func (r *Relay) Listen() error {
	if r.lst != nil {
		return nil
	}
	addr := r.listen
	switch {
	case addr != "":
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("relay listen: %w", err)
		}
		r.lst = l

	case r.cfg.Relay.Port != 0:
		l, err := net.Listen("tcp", net.JoinHostPort(r.cfg.Relay.Host, strconv.Itoa(r.cfg.Relay.Port)))
		if err != nil {
			return fmt.Errorf("relay listen: %w", err)
		}
		r.lst = l

	default:
		// No port configured: scan the protocol's range.
		var lastErr error
		for p := startingPort; p < startingPort+portRangeLimit; p++ {
			l, err := net.Listen("tcp", net.JoinHostPort(r.cfg.Relay.Host, strconv.Itoa(p)))
			if err == nil {
				r.lst = l
				break
			}
			lastErr = err
		}
		if r.lst == nil {
			return fmt.Errorf("relay listen: no free port in scan range: %w", lastErr)
		}
	}

	if r.cfg.ClockSync.Mode == ClockSyncRuntime {
		u, err := net.ListenUDP("udp", nil)
		if err != nil {
			r.lst.Close()
			r.lst = nil
			return fmt.Errorf("relay clock sync socket: %w", err)
		}
		r.udp = u
	}
	r.log.Info("relay listening", "addr", r.lst.Addr().String(), "federates", len(r.feds))
	return nil
}

// Addr returns the bound address, nil before Listen.
func (r *Relay) Addr() net.Addr {
	if r.lst == nil {
		return nil
	}
	return r.lst.Addr()
}

// Serve accepts every federate, runs the start handshake, then
// services their links until all resign. Returns nil on a clean
// federation shutdown.
func (r *Relay) Serve(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			r.closeSockets()
		case <-watchDone:
		}
	}()

	g.Go(func() error { return r.acceptLoop(gctx, g) })
	if r.udp != nil {
		g.Go(func() error {
			r.clockSyncLoop(gctx)
			return nil
		})
	}
	err := g.Wait()
	close(watchDone)
	r.closeSockets()
	return err
}

func (r *Relay) closeSockets() {
	if r.lst != nil {
		r.lst.Close()
	}
	if r.udp != nil {
		r.udp.Close()
	}
	r.mu.Lock()
	links := make([]*link, 0, len(r.feds))
	for _, f := range r.feds {
		if f.link != nil {
			links = append(links, f.link)
		}
	}
	r.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
}

// acceptLoop admits connections until every federate joined.
func (r *Relay) acceptLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		conn, err := r.lst.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.mu.Lock()
			full := r.joined == len(r.feds)
			r.mu.Unlock()
			if full {
				// Last join closed the listener; accepting is done.
				return nil
			}
			return fmt.Errorf("relay accept: %w", err)
		}
		g.Go(func() error { return r.serveConn(ctx, conn) })
	}
}

// handshakeTimeout bounds how long a connection may take to join and
// report its clock; a silent stranger cannot pin a goroutine forever.
const handshakeTimeout = 30 * time.Second

// serveConn validates one connection's join request and, once
// accepted, services the federate until it resigns. Rejected
// connections are closed without disturbing the federation.
func (r *Relay) serveConn(ctx context.Context, conn net.Conn) error {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	l := newLink(conn)

	fr, err := l.read()
	if err != nil {
		conn.Close()
		return nil
	}
	if fr.typ != msgFedIDs {
		r.log.Warn("rejecting connection: no join request", "type", fr.typ)
		l.send(encodeReject(rejectUnexpectedMessage))
		conn.Close()
		return nil
	}
	if fr.federation != r.cfg.Federation {
		r.log.Warn("rejecting connection: federation mismatch", "federate", fr.fedID)
		l.send(encodeReject(rejectFederationIDMismatch))
		conn.Close()
		return nil
	}
	if fr.fedID < 0 || fr.fedID >= len(r.feds) {
		r.log.Warn("rejecting connection: federate id out of range", "federate", fr.fedID)
		l.send(encodeReject(rejectFederateIDOutOfRange))
		conn.Close()
		return nil
	}

	r.mu.Lock()
	f := r.feds[fr.fedID]
	if f.state != fedPending {
		r.mu.Unlock()
		r.log.Warn("rejecting connection: federate id in use", "federate", fr.fedID)
		l.send(encodeReject(rejectFederateIDInUse))
		conn.Close()
		return nil
	}
	f.link = l
	f.state = fedJoined
	r.joined++
	r.active++
	allJoined := r.joined == len(r.feds)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectedFederates.Inc()
	}
	if allJoined {
		// Nobody else can join; stop accepting.
		r.lst.Close()
	}
	if err := l.send(encodeAck()); err != nil {
		r.drop(f, err)
		return nil
	}

	if err := r.joinHandshake(ctx, conn, f); err != nil {
		r.drop(f, err)
		return nil
	}
	r.log.Info("federate joined", "federate", f.id, "name", f.name)
	return r.readLoop(ctx, f)
}

// joinHandshake runs the post-accept phases: clock sync capability,
// initial sync rounds, and the start-time exchange.
func (r *Relay) joinHandshake(ctx context.Context, conn net.Conn, f *fedState) error {
	fr, err := f.link.read()
	if err != nil {
		return err
	}
	if fr.typ != msgUDPPort {
		return &ProtocolError{Code: ErrCodeUnexpectedMessage, Message: "expected clock sync capability", Federate: f.id}
	}
	f.udpPort = fr.port
	if r.udp != nil && fr.port != udpPortOff && fr.port != udpPortInitialOnly {
		if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			f.udpAddr = &net.UDPAddr{IP: ta.IP, Zone: ta.Zone, Port: fr.port}
		}
	}

	if r.cfg.ClockSync.Mode != ClockSyncOff && f.udpPort != udpPortOff {
		if err := r.initialClockSyncRounds(f); err != nil {
			return err
		}
	}

	fr, err = f.link.read()
	if err != nil {
		return err
	}
	if fr.typ != msgTimestamp {
		return &ProtocolError{Code: ErrCodeUnexpectedMessage, Message: "expected clock reading", Federate: f.id}
	}

	r.mu.Lock()
	r.reported++
	if fr.time > r.maxClock {
		r.maxClock = fr.time
	}
	if r.reported == len(r.feds) {
		r.startTime = r.maxClock + int64(delayStart)
		close(r.startCh)
		r.log.Info("start time negotiated", "start", r.startTime)
	}
	r.mu.Unlock()

	select {
	case <-r.startCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	conn.SetReadDeadline(time.Time{})
	return f.link.send(encodeTimestamp(r.startTime))
}

// readLoop services one joined federate until it resigns or its link
// fails.
func (r *Relay) readLoop(ctx context.Context, f *fedState) error {
	for {
		fr, err := f.link.read()
		if err != nil {
			r.mu.Lock()
			resigned := f.state == fedResigned
			r.mu.Unlock()
			if resigned || ctx.Err() != nil {
				r.resign(f)
				return nil
			}
			r.drop(f, err)
			return nil
		}

		switch fr.typ {
		case msgNextEventTag:
			r.handleNextEvent(f, fr.tag)
			r.flush()

		case msgTimeAdvanceNotice:
			r.handleTimeAdvance(f, fr.time)
			r.flush()

		case msgLogicalTagComplete:
			r.handleComplete(f, fr.tag)
			r.flush()
			if r.metrics != nil {
				r.metrics.TagsCompleted.Inc()
			}

		case msgTaggedMessage:
			r.forward(f, fr, encodeTagged(fr.channel, fr.dest, fr.tag, fr.payload), "tagged")

		case msgPortAbsent:
			r.forward(f, fr, encodePortAbsent(fr.channel, fr.dest, fr.tag), "port_absent")

		case msgStopRequest:
			r.mu.Lock()
			r.handleStopRequestLocked(f, fr.tag)
			r.mu.Unlock()
			r.flush()

		case msgStopRequestReply:
			r.mu.Lock()
			r.handleStopReplyLocked(f, fr.tag)
			r.mu.Unlock()
			r.flush()

		case msgResign:
			r.log.Info("federate resigned", "federate", f.id, "name", f.name)
			r.resign(f)
			return nil

		default:
			r.log.Warn("unexpected frame", "federate", f.id, "type", fr.typ)
		}
	}
}

// forward relays a frame to its destination federate.
func (r *Relay) forward(src *fedState, fr frame, raw []byte, kind string) {
	r.mu.Lock()
	var dst *link
	known := fr.dest >= 0 && fr.dest < len(r.feds)
	if known && r.feds[fr.dest].state == fedJoined {
		dst = r.feds[fr.dest].link
	}
	r.mu.Unlock()

	if !known {
		r.log.Warn("message for unknown federate", "from", src.id, "dest", fr.dest)
		return
	}
	if dst == nil {
		r.log.Warn("dropping message for disconnected federate", "from", src.id, "dest", fr.dest)
		return
	}
	if err := dst.send(raw); err != nil {
		r.log.Warn("forward failed", "from", src.id, "dest", fr.dest, "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.MessagesForwarded.WithLabelValues(kind).Inc()
	}
}

// drop handles an unclean connection loss: log it and treat the
// federate as resigned so the rest of the federation can run out.
func (r *Relay) drop(f *fedState, err error) {
	r.log.Error("federate connection lost", "federate", f.id, "name", f.name, "error", err)
	r.resign(f)
}

// resign removes a federate from coordination. Its transitive next
// event becomes forever, which may unblock downstream grants; a
// pending stop negotiation is re-checked without its vote.
func (r *Relay) resign(f *fedState) {
	r.mu.Lock()
	if f.state == fedResigned {
		r.mu.Unlock()
		return
	}
	wasJoined := f.state == fedJoined
	f.state = fedResigned
	f.nextEvent = engine.ForeverTag
	f.completed = engine.ForeverTag
	if wasJoined {
		r.active--
	}
	r.evaluateDownstreamLocked(f)
	if r.stop.inProgress && !r.stop.granted {
		r.checkStopLocked()
	}
	last := wasJoined && r.active == 0 && r.joined == len(r.feds)
	lnk := f.link
	r.mu.Unlock()

	if wasJoined && r.metrics != nil {
		r.metrics.ConnectedFederates.Dec()
	}
	r.flush()
	if lnk != nil {
		lnk.Close()
	}
	if last {
		r.doneOnce.Do(func() { close(r.done) })
		if r.lst != nil {
			r.lst.Close()
		}
	}
}

// handleNextEvent records a federate's pending request and re-runs
// grant arithmetic for it and everyone it feeds.
func (r *Relay) handleNextEvent(f *fedState, t engine.Tag) {
	r.mu.Lock()
	f.nextEvent = t
	r.evaluateLocked(f)
	r.evaluateDownstreamLocked(f)
	r.mu.Unlock()
}

// handleTimeAdvance raises the physical-time bound a federate's
// downstream peers may rely on.
func (r *Relay) handleTimeAdvance(f *fedState, ts int64) {
	r.mu.Lock()
	f.timeAdvance = ts
	r.evaluateDownstreamLocked(f)
	r.mu.Unlock()
}

// handleComplete records a finished tag; downstream grants may now
// clear the completed floor.
func (r *Relay) handleComplete(f *fedState, t engine.Tag) {
	r.mu.Lock()
	if t.After(f.completed) {
		f.completed = t
	}
	r.evaluateDownstreamLocked(f)
	r.mu.Unlock()
}

// queueLocked defers a frame until the mutex is released.
func (r *Relay) queueLocked(f *fedState, frame []byte) {
	if f.link == nil {
		return
	}
	r.outbox = append(r.outbox, outSend{l: f.link, frame: frame})
}

// flush sends everything queued under the mutex, in queue order.
func (r *Relay) flush() {
	r.mu.Lock()
	out := r.outbox
	r.outbox = nil
	r.mu.Unlock()
	for _, s := range out {
		if err := s.l.send(s.frame); err != nil {
			r.log.Warn("send failed", "error", err)
		}
	}
}

func (r *Relay) evaluateDownstreamLocked(f *fedState) {
	for _, d := range f.downstream {
		r.evaluateLocked(r.feds[d])
	}
}

// evaluateLocked decides whether f can be granted more logical time.
// A full grant covers f's whole request when no upstream can still
// send anything at or before it, either because every upstream's own
// horizon lies past the request or because their completed tags
// promise silence through it. Otherwise a provisional grant up to the
// earliest possible arrival lets f start the tags it can.
func (r *Relay) evaluateLocked(f *fedState) {
	if r.cfg.Mode != ModeCentralized || f.state != fedJoined || r.startTime == 0 {
		return
	}
	if !f.nextEvent.After(f.lastGranted) {
		return
	}

	td := engine.ForeverTag
	for _, up := range f.upstream {
		u := r.feds[up.id]
		if u.state == fedResigned || u.completed == engine.ForeverTag {
			continue
		}
		visited := make([]bool, len(r.feds))
		t := r.transitiveNextEventLocked(u, f.nextEvent, visited)
		t = applyAfter(t, up.delay)
		// u's future sends carry tags strictly after its completed
		// tag; the earliest image of those across the link bounds
		// what can still arrive.
		if safe := applyAfter(u.completed.Next(), up.delay); t.Before(safe) {
			t = safe
		}
		if t.Before(td) {
			td = t
		}
	}

	switch {
	case td == engine.ForeverTag || td.After(f.nextEvent):
		r.grantLocked(f, f.nextEvent, false)
	case td.After(f.lastGranted) && td.After(f.lastProvisional):
		r.grantLocked(f, td, true)
	}
}

// transitiveNextEventLocked bounds, from the relay's view, the
// earliest tag f could still produce an event at: its own pending
// request raised by any physical-time bound, lowered through its
// upstream chain with connection delays applied, and floored by what
// it already completed. candidate caps the search; anything at or
// beyond it is irrelevant to the caller.
func (r *Relay) transitiveNextEventLocked(f *fedState, candidate engine.Tag, visited []bool) engine.Tag {
	if visited[f.id] {
		return candidate
	}
	if f.state == fedResigned {
		// A resigned federate produces no further events and cannot
		// constrain anyone downstream.
		return engine.ForeverTag
	}
	visited[f.id] = true

	result := engine.MaxTag(f.nextEvent, engine.Tag{Time: f.timeAdvance})
	if candidate.Before(result) {
		result = candidate
	}
	for _, up := range f.upstream {
		t := r.transitiveNextEventLocked(r.feds[up.id], result, visited)
		t = applyAfter(t, up.delay)
		if t.Before(result) {
			result = t
		}
	}
	if result.Before(f.completed) {
		result = f.completed
	}
	if start := (engine.Tag{Time: r.startTime}); result.Before(start) {
		result = start
	}
	return result
}

func (r *Relay) grantLocked(f *fedState, t engine.Tag, provisional bool) {
	kind := "full"
	if provisional {
		f.lastProvisional = t
		kind = "provisional"
		r.queueLocked(f, encodeTagMsg(msgProvisionalTagGrant, t))
	} else {
		f.lastGranted = t
		r.queueLocked(f, encodeTagMsg(msgTagAdvanceGrant, t))
	}
	if r.metrics != nil {
		r.metrics.GrantsSent.WithLabelValues(kind).Inc()
	}
	r.log.Debug("granting tag advance",
		"federate", f.id, "time", t.Time, "microstep", t.Microstep, "provisional", provisional)
}

func (r *Relay) handleStopRequestLocked(f *fedState, t engine.Tag) {
	if r.stop.granted {
		// Decision already made; answer with it.
		r.queueLocked(f, encodeTagMsg(msgStopGranted, r.stop.tag))
		return
	}
	if t.After(r.stop.tag) {
		r.stop.tag = t
	}
	first := !r.stop.inProgress
	r.stop.inProgress = true
	f.stopVoted = true
	if first {
		if r.metrics != nil {
			r.metrics.StopRequests.Inc()
		}
		r.log.Info("stop requested", "federate", f.id, "time", t.Time, "microstep", t.Microstep)
		for _, other := range r.feds {
			if other.id != f.id && other.state == fedJoined && !other.stopVoted {
				r.queueLocked(other, encodeTagMsg(msgStopRequest, r.stop.tag))
			}
		}
	}
	r.checkStopLocked()
}

func (r *Relay) handleStopReplyLocked(f *fedState, t engine.Tag) {
	if r.stop.granted || f.stopVoted {
		return
	}
	f.stopVoted = true
	if t.After(r.stop.tag) {
		r.stop.tag = t
	}
	r.checkStopLocked()
}

// checkStopLocked grants the stop once every live federate voted. The
// granted tag is the maximum over every vote, so no federate is asked
// to stop behind its own clock.
func (r *Relay) checkStopLocked() {
	if !r.stop.inProgress || r.stop.granted {
		return
	}
	for _, f := range r.feds {
		if f.state != fedResigned && !f.stopVoted {
			return
		}
	}
	r.stop.granted = true
	r.log.Info("stop granted", "time", r.stop.tag.Time, "microstep", r.stop.tag.Microstep)
	for _, f := range r.feds {
		if f.state == fedJoined {
			r.queueLocked(f, encodeTagMsg(msgStopGranted, r.stop.tag))
		}
	}
}

// clockSyncLoop drives periodic runtime synchronization rounds.
func (r *Relay) clockSyncLoop(ctx context.Context) {
	period := r.cfg.ClockSync.Period.Duration()
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-tick.C:
		}
		r.mu.Lock()
		started := r.startTime != 0
		var targets []*fedState
		for _, f := range r.feds {
			if f.state == fedJoined && f.udpAddr != nil {
				targets = append(targets, f)
			}
		}
		r.mu.Unlock()
		if !started {
			continue
		}
		for _, f := range targets {
			r.syncRound(f, period)
		}
	}
}
