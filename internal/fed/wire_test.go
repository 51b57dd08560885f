package fed

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/engine"
)

func decode(t *testing.T, raw []byte) frame {
	t.Helper()
	r := bytes.NewReader(raw)
	fr, err := readFrame(r)
	require.NoError(t, err)
	assert.Zero(t, r.Len(), "frame not fully consumed")
	return fr
}

func TestWire_JoinFrames(t *testing.T) {
	fr := decode(t, encodeFedIDs(3, "5e8c7a90-1d2f-4b6a-9c3e-7f0a1b2c3d4e"))
	assert.Equal(t, msgFedIDs, fr.typ)
	assert.Equal(t, 3, fr.fedID)
	assert.Equal(t, "5e8c7a90-1d2f-4b6a-9c3e-7f0a1b2c3d4e", fr.federation)

	fr = decode(t, encodeAck())
	assert.Equal(t, msgAck, fr.typ)

	fr = decode(t, encodeReject(rejectFederationIDMismatch))
	assert.Equal(t, msgReject, fr.typ)
	assert.Equal(t, rejectFederationIDMismatch, fr.reason)

	fr = decode(t, encodeResign())
	assert.Equal(t, msgResign, fr.typ)
}

func TestWire_TaggedMessageCarriesPayload(t *testing.T) {
	tag := engine.Tag{Time: 1_000_000_000, Microstep: 2}
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	fr := decode(t, encodeTagged(7, 1, tag, payload))
	assert.Equal(t, msgTaggedMessage, fr.typ)
	assert.Equal(t, 7, fr.channel)
	assert.Equal(t, 1, fr.dest)
	assert.Equal(t, tag, fr.tag)
	assert.Equal(t, payload, fr.payload)
}

func TestWire_TaggedMessageEmptyPayload(t *testing.T) {
	fr := decode(t, encodeTagged(0, 0, engine.Tag{Time: 5}, nil))
	assert.Nil(t, fr.payload, "an absent value travels as no payload")
}

func TestWire_TagFramesCarrySentinels(t *testing.T) {
	for _, tag := range []engine.Tag{engine.NeverTag, engine.ForeverTag, {Time: 0}, {Time: -1, Microstep: 7}} {
		fr := decode(t, encodeTagMsg(msgNextEventTag, tag))
		assert.Equal(t, msgNextEventTag, fr.typ)
		assert.Equal(t, tag, fr.tag)
	}
}

func TestWire_TimeFrames(t *testing.T) {
	fr := decode(t, encodeTimestamp(42))
	assert.Equal(t, msgTimestamp, fr.typ)
	assert.Equal(t, int64(42), fr.time)

	fr = decode(t, encodeTimeAdvance(-9))
	assert.Equal(t, msgTimeAdvanceNotice, fr.typ)
	assert.Equal(t, int64(-9), fr.time)

	fr = decode(t, encodeClockT1(100))
	assert.Equal(t, msgClockSyncT1, fr.typ)
	assert.Equal(t, int64(100), fr.time)

	fr = decode(t, encodeClockT3(12))
	assert.Equal(t, msgClockSyncT3, fr.typ)
	assert.Equal(t, 12, fr.fedID)

	fr = decode(t, encodeClockT4(200))
	assert.Equal(t, msgClockSyncT4, fr.typ)
	assert.Equal(t, int64(200), fr.time)
}

func TestWire_PortAbsent(t *testing.T) {
	tag := engine.Tag{Time: 77, Microstep: 1}
	fr := decode(t, encodePortAbsent(2, 4, tag))
	assert.Equal(t, msgPortAbsent, fr.typ)
	assert.Equal(t, 2, fr.channel)
	assert.Equal(t, 4, fr.dest)
	assert.Equal(t, tag, fr.tag)
}

func TestWire_UDPPortSentinels(t *testing.T) {
	fr := decode(t, encodeUDPPort(udpPortOff))
	assert.Equal(t, udpPortOff, fr.port)

	fr = decode(t, encodeUDPPort(udpPortInitialOnly))
	assert.Equal(t, udpPortInitialOnly, fr.port)

	fr = decode(t, encodeUDPPort(15099))
	assert.Equal(t, 15099, fr.port)
}

func TestWire_UnknownTypeIsProtocolError(t *testing.T) {
	_, err := readFrame(bytes.NewReader([]byte{0x7F}))
	pe, ok := IsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeMalformedMessage, pe.Code)
}

func TestWire_TruncatedFrameFails(t *testing.T) {
	raw := encodeTagged(1, 2, engine.Tag{Time: 9}, []byte("abc"))
	for cut := 1; cut < len(raw); cut++ {
		_, err := readFrame(bytes.NewReader(raw[:cut]))
		require.Error(t, err, "cut at %d", cut)
	}
}

func TestWire_OversizedPayloadRejected(t *testing.T) {
	var raw []byte
	raw = append(raw, msgTaggedMessage)
	raw = appendUint16(raw, 0)
	raw = appendUint16(raw, 0)
	raw = append(raw, 0xFF, 0xFF, 0xFF, 0x7F) // length 0x7FFFFFFF, little-endian

	_, err := readFrame(bytes.NewReader(raw))
	pe, ok := IsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeMalformedMessage, pe.Code)
	assert.Contains(t, pe.Message, "out of range")
}

func TestLink_SendAndRead(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	la, lb := newLink(a), newLink(b)

	done := make(chan error, 1)
	go func() {
		if err := la.send(encodeTagMsg(msgTagAdvanceGrant, engine.Tag{Time: 10})); err != nil {
			done <- err
			return
		}
		done <- la.send(encodeTagged(0, 1, engine.Tag{Time: 10}, []byte{1}))
	}()

	fr, err := lb.read()
	require.NoError(t, err)
	assert.Equal(t, msgTagAdvanceGrant, fr.typ)
	assert.Equal(t, engine.Tag{Time: 10}, fr.tag)

	fr, err = lb.read()
	require.NoError(t, err)
	assert.Equal(t, msgTaggedMessage, fr.typ)
	assert.Equal(t, []byte{1}, fr.payload)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sender did not finish")
	}

	require.NoError(t, a.Close())
	_, err = lb.read()
	assert.ErrorIs(t, err, io.EOF)
}
