package fed

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/engine"
)

// Wire message types. One byte on the wire, followed by a fixed layout
// per type; every multi-byte field is little-endian.
const (
	msgReject              byte = 0
	msgFedIDs              byte = 1
	msgTimestamp           byte = 2
	msgMessage             byte = 3 // reserved for physical connections; never sent
	msgResign              byte = 4
	msgTaggedMessage       byte = 5
	msgNextEventTag        byte = 6
	msgTagAdvanceGrant     byte = 7
	msgProvisionalTagGrant byte = 8
	msgLogicalTagComplete  byte = 9
	msgStopRequest         byte = 10
	msgStopRequestReply    byte = 11
	msgStopGranted         byte = 12
	msgClockSyncT1         byte = 19
	msgClockSyncT3         byte = 20
	msgClockSyncT4         byte = 21
	msgPortAbsent          byte = 23
	msgTimeAdvanceNotice   byte = 253
	msgUDPPort             byte = 254
	msgAck                 byte = 255
)

// Rejection reasons carried by msgReject.
const (
	rejectFederationIDMismatch byte = 1
	rejectFederateIDInUse      byte = 2
	rejectFederateIDOutOfRange byte = 3
	rejectUnexpectedMessage    byte = 4
	rejectWrongServer          byte = 5
)

// Protocol constants.
const (
	// startingPort is the first port a relay tries when the topology
	// leaves the port unset; portRangeLimit bounds the scan.
	startingPort   = 15045
	portRangeLimit = 1024

	// Federates dial the relay with bounded retries.
	connectRetryInterval = 2 * time.Second
	connectNumRetries    = 500

	// delayStart pads the negotiated start time past the slowest
	// federate's reported clock, absorbing connection and clock skew.
	delayStart = time.Second

	// advanceMessageInterval paces time-advance notices from federates
	// whose next event is bounded only by physical actions.
	advanceMessageInterval = 10 * time.Millisecond

	// udpPortOff in a msgUDPPort frame declines clock synchronization;
	// udpPortInitialOnly accepts the startup rounds but no runtime
	// socket.
	udpPortOff         = 0xFFFF
	udpPortInitialOnly = 0

	// maxPayloadBytes bounds a tagged message body. A length field
	// beyond it is treated as a malformed frame, not an allocation.
	maxPayloadBytes = 1 << 24
)

// frame is one decoded wire message. Which fields are meaningful
// depends on typ; the zero value of the rest is never read.
type frame struct {
	typ byte

	reason     byte       // msgReject
	fedID      int        // msgFedIDs, msgClockSyncT3
	federation string     // msgFedIDs
	time       int64      // msgTimestamp, msgClockSyncT1/T4, msgTimeAdvanceNotice
	tag        engine.Tag // tag-bearing messages
	channel    int        // msgTaggedMessage, msgPortAbsent
	dest       int        // msgTaggedMessage, msgPortAbsent
	port       int        // msgUDPPort
	payload    []byte     // msgTaggedMessage
}

// link frames wire messages over one stream connection. One goroutine
// reads; writes may come from several and are serialized internally.
type link struct {
	conn net.Conn
	r    *bufio.Reader

	mu sync.Mutex
	w  *bufio.Writer
}

func newLink(conn net.Conn) *link {
	return &link{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// send writes one encoded frame and flushes it.
func (l *link) send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(frame); err != nil {
		return fmt.Errorf("send frame 0x%02x: %w", frame[0], err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flush frame 0x%02x: %w", frame[0], err)
	}
	return nil
}

// read blocks for the next frame.
func (l *link) read() (frame, error) {
	return readFrame(l.r)
}

func (l *link) Close() error {
	return l.conn.Close()
}

// readFrame decodes one message from r.
func readFrame(r io.Reader) (frame, error) {
	var f frame
	typ, err := readByte(r)
	if err != nil {
		return f, err
	}
	f.typ = typ

	switch typ {
	case msgAck, msgResign:
		return f, nil

	case msgReject:
		f.reason, err = readByte(r)
		return f, err

	case msgFedIDs:
		if f.fedID, err = readUint16(r); err != nil {
			return f, err
		}
		n, err := readByte(r)
		if err != nil {
			return f, err
		}
		id := make([]byte, int(n))
		if _, err := io.ReadFull(r, id); err != nil {
			return f, err
		}
		f.federation = string(id)
		return f, nil

	case msgTimestamp, msgClockSyncT1, msgClockSyncT4, msgTimeAdvanceNotice:
		f.time, err = readInt64(r)
		return f, err

	case msgClockSyncT3:
		f.fedID, err = readUint16(r)
		return f, err

	case msgUDPPort:
		f.port, err = readUint16(r)
		return f, err

	case msgNextEventTag, msgTagAdvanceGrant, msgProvisionalTagGrant,
		msgLogicalTagComplete, msgStopRequest, msgStopRequestReply, msgStopGranted:
		f.tag, err = readTag(r)
		return f, err

	case msgPortAbsent:
		if f.channel, err = readUint16(r); err != nil {
			return f, err
		}
		if f.dest, err = readUint16(r); err != nil {
			return f, err
		}
		f.tag, err = readTag(r)
		return f, err

	case msgTaggedMessage:
		if f.channel, err = readUint16(r); err != nil {
			return f, err
		}
		if f.dest, err = readUint16(r); err != nil {
			return f, err
		}
		n, err := readInt32(r)
		if err != nil {
			return f, err
		}
		if n < 0 || n > maxPayloadBytes {
			return f, &ProtocolError{
				Code:     ErrCodeMalformedMessage,
				Message:  fmt.Sprintf("tagged message length %d out of range", n),
				Federate: -1,
			}
		}
		if f.tag, err = readTag(r); err != nil {
			return f, err
		}
		if n > 0 {
			f.payload = make([]byte, n)
			if _, err := io.ReadFull(r, f.payload); err != nil {
				return f, err
			}
		}
		return f, nil
	}

	return f, &ProtocolError{
		Code:     ErrCodeMalformedMessage,
		Message:  fmt.Sprintf("unknown message type 0x%02x", typ),
		Federate: -1,
	}
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readUint16(r io.Reader) (int, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint16(b[:])), nil
}

func readInt32(r io.Reader) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readTag(r io.Reader) (engine.Tag, error) {
	t, err := readInt64(r)
	if err != nil {
		return engine.Tag{}, err
	}
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return engine.Tag{}, err
	}
	return engine.Tag{Time: t, Microstep: binary.LittleEndian.Uint32(b[:])}, nil
}

func appendUint16(buf []byte, v int) []byte {
	return binary.LittleEndian.AppendUint16(buf, uint16(v))
}

func appendInt64(buf []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

func appendTag(buf []byte, t engine.Tag) []byte {
	buf = appendInt64(buf, t.Time)
	return binary.LittleEndian.AppendUint32(buf, t.Microstep)
}

func encodeReject(reason byte) []byte {
	return []byte{msgReject, reason}
}

func encodeAck() []byte {
	return []byte{msgAck}
}

func encodeResign() []byte {
	return []byte{msgResign}
}

func encodeFedIDs(fed int, federation string) []byte {
	buf := make([]byte, 0, 4+len(federation))
	buf = append(buf, msgFedIDs)
	buf = appendUint16(buf, fed)
	buf = append(buf, byte(len(federation)))
	return append(buf, federation...)
}

func encodeTimestamp(t int64) []byte {
	return appendInt64([]byte{msgTimestamp}, t)
}

func encodeUDPPort(port int) []byte {
	return appendUint16([]byte{msgUDPPort}, port)
}

func encodeTagMsg(typ byte, t engine.Tag) []byte {
	return appendTag([]byte{typ}, t)
}

func encodeTimeAdvance(t int64) []byte {
	return appendInt64([]byte{msgTimeAdvanceNotice}, t)
}

func encodeClockT1(t int64) []byte {
	return appendInt64([]byte{msgClockSyncT1}, t)
}

func encodeClockT3(fed int) []byte {
	return appendUint16([]byte{msgClockSyncT3}, fed)
}

func encodeClockT4(t int64) []byte {
	return appendInt64([]byte{msgClockSyncT4}, t)
}

func encodePortAbsent(channel, dest int, t engine.Tag) []byte {
	buf := make([]byte, 0, 17)
	buf = append(buf, msgPortAbsent)
	buf = appendUint16(buf, channel)
	buf = appendUint16(buf, dest)
	return appendTag(buf, t)
}

func encodeTagged(channel, dest int, t engine.Tag, payload []byte) []byte {
	buf := make([]byte, 0, 21+len(payload))
	buf = append(buf, msgTaggedMessage)
	buf = appendUint16(buf, channel)
	buf = appendUint16(buf, dest)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = appendTag(buf, t)
	return append(buf, payload...)
}
