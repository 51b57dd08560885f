package fed

import (
	"bytes"
	"time"

	"github.com/roach88/lockstep/internal/engine"
)

// AdjustableClock is a physical clock that accepts synchronization
// corrections. engine.SystemClock implements it; a federate whose
// clock does not declines synchronization at join.
type AdjustableClock interface {
	engine.Clock
	Adjust(time.Duration)
}

// syncSample is one completed exchange. T1 and T4 are relay clock
// readings (T1 stamped into the probe, T4 into the reply); T2 and T3
// are local readings at probe receipt and reply send.
type syncSample struct {
	t1, t2, t3, t4 int64
}

// networkDelay estimates the one-way latency of the exchange, assuming
// the two directions are symmetric.
func (s syncSample) networkDelay() int64 {
	return ((s.t4 - s.t1) - (s.t3 - s.t2)) / 2
}

// offset estimates how far the local clock leads the relay's.
func (s syncSample) offset() int64 {
	return (s.t2 - s.t1) - s.networkDelay()
}

// plausible reports whether the delay estimate stays inside the guard
// band. A round outside it broke the symmetry assumption and must not
// feed the offset.
func (s syncSample) plausible(guard time.Duration) bool {
	d := s.networkDelay()
	return d >= 0 && d <= int64(guard)
}

// initialClockSync runs the joining federate's side of the startup
// exchanges: for each trial, wait for a probe, answer it, and collect
// the sample. The offset averaged over plausible samples is applied as
// one correction.
func (f *Federate) initialClockSync(adj AdjustableClock) error {
	guard := f.cfg.ClockSync.Guard.Duration()
	var sum int64
	n := 0
	for i := 0; i < f.cfg.ClockSync.Trials; i++ {
		fr, err := f.link.read()
		if err != nil {
			return err
		}
		if fr.typ != msgClockSyncT1 {
			return &ProtocolError{
				Code:     ErrCodeHandshakeFailed,
				Message:  "expected clock sync probe",
				Federate: f.id,
			}
		}
		t1 := fr.time
		t2 := f.clock.Now()

		t3 := f.clock.Now()
		if err := f.link.send(encodeClockT3(f.id)); err != nil {
			return err
		}
		fr, err = f.link.read()
		if err != nil {
			return err
		}
		if fr.typ != msgClockSyncT4 {
			return &ProtocolError{
				Code:     ErrCodeHandshakeFailed,
				Message:  "expected clock sync reply",
				Federate: f.id,
			}
		}

		s := syncSample{t1: t1, t2: t2, t3: t3, t4: fr.time}
		if !s.plausible(guard) {
			f.log.Debug("clock sync round discarded",
				"trial", i, "delay", time.Duration(s.networkDelay()))
			continue
		}
		sum += s.offset()
		n++
	}
	if n > 0 {
		adj.Adjust(-time.Duration(sum / int64(n)))
		f.log.Info("clock synchronized",
			"rounds", n, "lead", time.Duration(sum/int64(n)))
	}
	return nil
}

// clockSyncResponder answers runtime probes on the federate's UDP
// socket until the socket closes. Each completed round adjusts the
// clock by its attenuated error; implausible rounds are dropped.
func (f *Federate) clockSyncResponder(adj AdjustableClock) {
	guard := f.cfg.ClockSync.Guard.Duration()
	att := int64(f.cfg.ClockSync.Attenuation)
	var pending *syncSample
	buf := make([]byte, 64)

	for {
		n, addr, err := f.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		fr, err := readFrame(bytes.NewReader(buf[:n]))
		if err != nil {
			f.log.Debug("discarding malformed sync packet", "error", err)
			continue
		}
		switch fr.typ {
		case msgClockSyncT1:
			t2 := f.clock.Now()
			t3 := f.clock.Now()
			if _, err := f.udp.WriteToUDP(encodeClockT3(f.id), addr); err != nil {
				f.log.Debug("sync reply failed", "error", err)
				continue
			}
			pending = &syncSample{t1: fr.time, t2: t2, t3: t3}

		case msgClockSyncT4:
			if pending == nil {
				continue
			}
			s := *pending
			pending = nil
			s.t4 = fr.time
			if !s.plausible(guard) {
				f.log.Debug("clock sync round discarded",
					"delay", time.Duration(s.networkDelay()))
				continue
			}
			adj.Adjust(-time.Duration(s.offset() / att))
		}
	}
}

// initialClockSyncRounds runs the relay's side of a joining federate's
// startup exchanges over its TCP link.
func (r *Relay) initialClockSyncRounds(f *fedState) error {
	for i := 0; i < r.cfg.ClockSync.Trials; i++ {
		if err := f.link.send(encodeClockT1(r.clock.Now())); err != nil {
			return err
		}
		fr, err := f.link.read()
		if err != nil {
			return err
		}
		if fr.typ != msgClockSyncT3 || fr.fedID != f.id {
			return &ProtocolError{
				Code:     ErrCodeHandshakeFailed,
				Message:  "expected clock sync reply",
				Federate: f.id,
			}
		}
		if err := f.link.send(encodeClockT4(r.clock.Now())); err != nil {
			return err
		}
	}
	return nil
}

// syncRound probes one federate over UDP: send T1, wait for its T3,
// answer T4. An unanswered probe is simply skipped; the next period
// retries.
func (r *Relay) syncRound(f *fedState, wait time.Duration) {
	if _, err := r.udp.WriteToUDP(encodeClockT1(r.clock.Now()), f.udpAddr); err != nil {
		r.log.Debug("sync probe failed", "federate", f.id, "error", err)
		return
	}
	deadline := time.Now().Add(wait)
	buf := make([]byte, 64)
	for {
		if err := r.udp.SetReadDeadline(deadline); err != nil {
			return
		}
		n, _, err := r.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		fr, err := readFrame(bytes.NewReader(buf[:n]))
		if err != nil || fr.typ != msgClockSyncT3 || fr.fedID != f.id {
			// Stale or foreign packet; keep waiting out the deadline.
			continue
		}
		t4 := r.clock.Now()
		if _, err := r.udp.WriteToUDP(encodeClockT4(t4), f.udpAddr); err != nil {
			r.log.Debug("sync reply failed", "federate", f.id, "error", err)
		}
		if r.metrics != nil {
			r.metrics.ClockSyncRounds.Inc()
		}
		return
	}
}
