package fed

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/engine"
)

func sample(t1, t2, t3, t4 int64) syncSample {
	return syncSample{t1: t1 * msStep, t2: t2 * msStep, t3: t3 * msStep, t4: t4 * msStep}
}

func TestSyncSample_SymmetricExchange(t *testing.T) {
	// Local clock leads the relay by 7ms; each direction takes 2ms.
	s := sample(100, 109, 109, 104)
	assert.Equal(t, 2*msStep, s.networkDelay())
	assert.Equal(t, 7*msStep, s.offset())
}

func TestSyncSample_ProcessingTimeCancels(t *testing.T) {
	// 1ms between receiving the probe and answering it does not bias
	// either estimate.
	s := sample(100, 109, 110, 105)
	assert.Equal(t, 2*msStep, s.networkDelay())
	assert.Equal(t, 7*msStep, s.offset())
}

func TestSyncSample_LaggingClock(t *testing.T) {
	s := sample(100, 95, 95, 104)
	assert.Equal(t, 2*msStep, s.networkDelay())
	assert.Equal(t, -7*msStep, s.offset())
}

func TestSyncSample_AsymmetryLeaksIntoOffset(t *testing.T) {
	// 1ms out, 3ms back, true lead 7ms. Half the asymmetry lands in
	// the offset estimate; the guard band exists to cap that error.
	s := sample(100, 108, 108, 104)
	assert.Equal(t, 2*msStep, s.networkDelay())
	assert.Equal(t, 6*msStep, s.offset())
}

func TestSyncSample_GuardBand(t *testing.T) {
	onTheEdge := sample(100, 100, 100, 120)
	assert.Equal(t, 10*msStep, onTheEdge.networkDelay())
	assert.True(t, onTheEdge.plausible(10*time.Millisecond))
	assert.False(t, onTheEdge.plausible(9*time.Millisecond))

	// A clock stepped mid-round can make the estimate negative.
	negative := sample(100, 105, 109, 102)
	assert.Equal(t, -1*msStep, negative.networkDelay())
	assert.False(t, negative.plausible(time.Hour))

	instant := sample(100, 107, 107, 100)
	assert.True(t, instant.plausible(0))
}

func syncTestConfig() *Config {
	return &Config{
		ClockSync: ClockSyncConfig{
			Mode:        ClockSyncRuntime,
			Trials:      10,
			Period:      Span(10 * time.Millisecond),
			Attenuation: 10,
			Guard:       Span(50 * time.Millisecond),
		},
	}
}

func TestClockSync_InitialExchangeCorrectsSkew(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	cfg := syncTestConfig()
	relayClock := engine.NewSystemClock()
	fedClock := engine.NewSystemClock()
	fedClock.Adjust(35 * time.Millisecond)

	r := &Relay{cfg: cfg, log: slog.Default(), clock: relayClock}
	f := &Federate{cfg: cfg, id: 0, log: slog.Default(), clock: fedClock, link: newLink(cli)}

	relayErr := make(chan error, 1)
	go func() {
		relayErr <- r.initialClockSyncRounds(&fedState{id: 0, link: newLink(srv)})
	}()

	require.NoError(t, f.initialClockSync(fedClock))
	require.NoError(t, <-relayErr)

	assert.InDelta(t, 0, float64(fedClock.Offset()), float64(25*time.Millisecond),
		"skew should be mostly gone after the averaged correction")
}

func TestClockSync_RuntimeRoundAttenuates(t *testing.T) {
	loop := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
	relayUDP, err := net.ListenUDP("udp4", loop)
	require.NoError(t, err)
	defer relayUDP.Close()
	fedUDP, err := net.ListenUDP("udp4", loop)
	require.NoError(t, err)
	defer fedUDP.Close()

	cfg := syncTestConfig()
	relayClock := engine.NewSystemClock()
	fedClock := engine.NewSystemClock()
	fedClock.Adjust(35 * time.Millisecond)

	r := &Relay{cfg: cfg, log: slog.Default(), clock: relayClock, udp: relayUDP}
	f := &Federate{cfg: cfg, id: 0, log: slog.Default(), clock: fedClock, udp: fedUDP}
	go f.clockSyncResponder(fedClock)

	r.syncRound(&fedState{id: 0, udpAddr: fedUDP.LocalAddr().(*net.UDPAddr)}, time.Second)

	// One round moves the clock by roughly a tenth of the error.
	require.Eventually(t, func() bool {
		return fedClock.Offset() < 35*time.Millisecond
	}, 2*time.Second, 5*time.Millisecond)
	assert.Greater(t, fedClock.Offset(), 20*time.Millisecond,
		"attenuation damps the correction; one round must not erase the skew")
}
