package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/graph"
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/testutil"
)

// spacedProgram declares one logical action with a 1ms minimum
// spacing and the given policy. The startup reaction is left to the
// test to bind.
func spacedProgram(policy ir.Policy) *ir.Program {
	return &ir.Program{
		Name: "spaced",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name: "Main",
			Actions: []ir.Action{{
				Name:       "a",
				Type:       ir.TypeInt,
				MinSpacing: time.Millisecond,
				Policy:     policy,
			}},
			Reactions: []ir.Reaction{
				{Triggers: []ir.Ref{ir.RefStartup}, Effects: []ir.Ref{"a"}, Body: "kick"},
				{Triggers: []ir.Ref{"a"}, Body: "observe"},
			},
		}},
	}
}

func runSpaced(t *testing.T, policy ir.Policy, kick BodyFunc) (*runRecorder, *Engine) {
	t.Helper()
	rec := &runRecorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("kick", kick))
	require.NoError(t, reg.Register("observe", func(c *ReactionContext) error {
		rec.record(c, c.Value("a"))
		return nil
	}))
	e := New(buildTestAssembly(t, spacedProgram(policy)), reg,
		WithFast(true),
		WithClock(testutil.NewFakeClock(0)),
	)
	require.NoError(t, runToCompletion(t, e))
	return rec, e
}

func TestEngine_MinSpacingDefer(t *testing.T) {
	rec, e := runSpaced(t, ir.PolicyDefer, func(c *ReactionContext) error {
		if err := c.Schedule("a", 0, ir.Int(1)); err != nil {
			return err
		}
		return c.Schedule("a", 0, ir.Int(2))
	})

	got := rec.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, Tag{Time: 0, Microstep: 1}, got[0].Tag)
	assert.Equal(t, ir.Int(1), got[0].Value)
	assert.Equal(t, Tag{Time: int64(time.Millisecond)}, got[1].Tag,
		"the second occurrence is pushed out to lastTag+minSpacing")
	assert.Equal(t, ir.Int(2), got[1].Value)
	assert.Zero(t, e.TokensLive())
}

func TestEngine_MinSpacingDrop(t *testing.T) {
	rec, e := runSpaced(t, ir.PolicyDrop, func(c *ReactionContext) error {
		if err := c.Schedule("a", 0, ir.Int(1)); err != nil {
			return err
		}
		return c.Schedule("a", 0, ir.Int(2))
	})

	got := rec.snapshot()
	require.Len(t, got, 1, "the violating occurrence is discarded")
	assert.Equal(t, ir.Int(1), got[0].Value)
	assert.Zero(t, e.TokensLive(), "the dropped payload is released")
}

func TestEngine_MinSpacingReplace(t *testing.T) {
	rec, e := runSpaced(t, ir.PolicyReplace, func(c *ReactionContext) error {
		if err := c.Schedule("a", 0, ir.Int(1)); err != nil {
			return err
		}
		return c.Schedule("a", 0, ir.Int(2))
	})

	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, Tag{Time: 0, Microstep: 1}, got[0].Tag, "the pending tag keeps its place")
	assert.Equal(t, ir.Int(2), got[0].Value, "the payload is the newer one")
	assert.Zero(t, e.TokensLive())
}

func TestEngine_MinSpacingReplaceFallsBackToDefer(t *testing.T) {
	// Rescheduling from the action's own handler finds the pending
	// event already consumed, so replace degrades to defer.
	rec := &runRecorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("kick", func(c *ReactionContext) error {
		return c.Schedule("a", 0, ir.Int(1))
	}))
	require.NoError(t, reg.Register("observe", func(c *ReactionContext) error {
		rec.record(c, c.Value("a"))
		if c.Value("a") == ir.Int(1) {
			return c.Schedule("a", 0, ir.Int(2))
		}
		return nil
	}))
	e := New(buildTestAssembly(t, spacedProgram(ir.PolicyReplace)), reg,
		WithFast(true),
		WithClock(testutil.NewFakeClock(0)),
	)
	require.NoError(t, runToCompletion(t, e))

	got := rec.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, Tag{Time: 0, Microstep: 1}, got[0].Tag)
	assert.Equal(t, Tag{Time: int64(time.Millisecond)}, got[1].Tag)
	assert.Equal(t, ir.Int(2), got[1].Value)
	assert.Zero(t, e.TokensLive())
}

func TestEngine_NegativeDelayRejected(t *testing.T) {
	var mu sync.Mutex
	var scheduleErr error

	prog := spacedProgram(ir.PolicyDefer)
	reg := NewRegistry()
	require.NoError(t, reg.Register("kick", func(c *ReactionContext) error {
		mu.Lock()
		scheduleErr = c.Schedule("a", -time.Millisecond, ir.Int(1))
		mu.Unlock()
		return nil
	}))
	require.NoError(t, reg.Register("observe", func(*ReactionContext) error { return nil }))

	e := New(buildTestAssembly(t, prog), reg, WithFast(true), WithClock(testutil.NewFakeClock(0)))
	require.NoError(t, runToCompletion(t, e))

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, scheduleErr)
	rerr, ok := IsRuntimeError(scheduleErr)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidConfig, rerr.Code)
	assert.Contains(t, rerr.Message, "negative schedule delay")
}

func TestEngine_PhysicalActionStampsPhysicalTime(t *testing.T) {
	prog := &ir.Program{
		Name: "phys",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name: "Main",
			Actions: []ir.Action{{
				Name:     "sensor",
				Type:     ir.TypeInt,
				MinDelay: 2 * time.Millisecond,
				Physical: true,
			}},
			Reactions: []ir.Reaction{
				{Triggers: []ir.Ref{ir.RefStartup}, Effects: []ir.Ref{"sensor"}, Body: "kick"},
				{Triggers: []ir.Ref{"sensor"}, Body: "observe"},
			},
		}},
	}

	clk := testutil.NewFakeClock(0)
	rec := &runRecorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("kick", func(c *ReactionContext) error {
		clk.SetNow(int64(5 * time.Millisecond))
		return c.Schedule("sensor", 0, ir.Int(3))
	}))
	require.NoError(t, reg.Register("observe", func(c *ReactionContext) error {
		rec.record(c, c.Value("sensor"))
		return nil
	}))

	e := New(buildTestAssembly(t, prog), reg, WithFast(true), WithClock(clk))
	require.NoError(t, runToCompletion(t, e))

	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, Tag{Time: int64(7 * time.Millisecond)}, got[0].Tag,
		"physical now plus the minimum delay, not the logical tag")
	assert.Equal(t, ir.Int(3), got[0].Value)
}

func TestEngine_ScheduleExternal(t *testing.T) {
	prog := &ir.Program{
		Name: "ext",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name: "Main",
			Actions: []ir.Action{
				{Name: "sensor", Type: ir.TypeInt, Physical: true},
				{Name: "internal", Type: ir.TypeInt},
			},
			Reactions: []ir.Reaction{
				{Triggers: []ir.Ref{ir.RefStartup}, Body: "kick"},
				{Triggers: []ir.Ref{"sensor"}, Body: "observe"},
				{Triggers: []ir.Ref{"internal"}, Body: "observe"},
			},
		}},
	}

	started := make(chan struct{})
	rec := &runRecorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("kick", func(*ReactionContext) error {
		close(started)
		return nil
	}))
	require.NoError(t, reg.Register("observe", func(c *ReactionContext) error {
		rec.record(c, c.Value("sensor"))
		return nil
	}))

	e := New(buildTestAssembly(t, prog), reg,
		WithFast(true),
		WithKeepalive(true),
		WithClock(testutil.NewFakeClock(0)),
	)

	errCh := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { errCh <- e.Run(ctx) }()
	<-started

	require.NoError(t, e.ScheduleExternal("main", "sensor", ir.Int(9)))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 },
		5*time.Second, time.Millisecond)
	e.RequestStop()
	require.NoError(t, <-errCh)

	got := rec.snapshot()
	assert.Equal(t, Tag{Time: 0, Microstep: 1}, got[0].Tag,
		"a stamp at or before the current tag moves to the next microstep")
	assert.Equal(t, ir.Int(9), got[0].Value)
}

func TestEngine_ScheduleExternalValidation(t *testing.T) {
	prog := &ir.Program{
		Name: "extval",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name: "Main",
			Actions: []ir.Action{
				{Name: "sensor", Type: ir.TypeInt, Physical: true},
				{Name: "internal", Type: ir.TypeInt},
			},
			Reactions: []ir.Reaction{
				{Triggers: []ir.Ref{"sensor"}, Body: "noop"},
				{Triggers: []ir.Ref{"internal"}, Body: "noop"},
			},
		}},
	}
	e := New(buildTestAssembly(t, prog), mustRegistry(t, "noop"))

	err := e.ScheduleExternal("main.nope", "sensor", ir.Int(1))
	rerr, ok := IsRuntimeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidConfig, rerr.Code)

	err = e.ScheduleExternal("main", "unknown", ir.Int(1))
	rerr, ok = IsRuntimeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidConfig, rerr.Code)

	err = e.ScheduleExternal("main", "internal", ir.Int(1))
	rerr, ok = IsRuntimeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidConfig, rerr.Code)
	assert.Contains(t, rerr.Message, "physical")

	// Not running yet: the queue is closed from the outside's view.
	err = e.ScheduleExternal("main", "sensor", ir.Int(1))
	rerr, ok = IsRuntimeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeQueueClosed, rerr.Code)
}

// networkedProgram declares a network-fed input on the main reactor
// with a tardiness handler on its consumer.
func networkedProgram() *ir.Program {
	return &ir.Program{
		Name: "net",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name:   "Main",
			Inputs: []ir.Port{{Name: "in", Type: ir.TypeInt, Width: 1}},
			Reactions: []ir.Reaction{
				{Triggers: []ir.Ref{ir.RefStartup}, Body: "kick"},
				{
					Triggers: []ir.Ref{"in"},
					Body:     "body",
					STP:      ir.Handler{Threshold: 5 * time.Millisecond, Body: "stp"},
				},
			},
		}},
	}
}

type netHarness struct {
	e       *Engine
	port    graph.PortID
	body    *runRecorder
	stp     *runRecorder
	tracer  *recordingTracer
	started chan struct{}
	errCh   chan error
	cancel  context.CancelFunc
}

func startNetworked(t *testing.T) *netHarness {
	t.Helper()
	h := &netHarness{
		body:    &runRecorder{},
		stp:     &runRecorder{},
		tracer:  &recordingTracer{},
		started: make(chan struct{}),
		errCh:   make(chan error, 1),
	}

	asm := buildTestAssembly(t, networkedProgram())
	g, ok := asm.LookupPort("main.in")
	require.True(t, ok)
	h.port = g.Channel(0)

	reg := NewRegistry()
	require.NoError(t, reg.Register("kick", func(*ReactionContext) error {
		close(h.started)
		return nil
	}))
	require.NoError(t, reg.Register("body", func(c *ReactionContext) error {
		h.body.record(c, c.Value("in"))
		return nil
	}))
	require.NoError(t, reg.Register("stp", func(c *ReactionContext) error {
		h.stp.record(c, c.Value("in"))
		return nil
	}))

	h.e = New(asm, reg,
		WithFast(true),
		WithKeepalive(true),
		WithClock(testutil.NewFakeClock(0)),
		WithTracer(h.tracer),
	)
	require.NoError(t, h.e.BindNetworkInput(NetworkInput{Port: h.port}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.errCh <- h.e.Run(ctx) }()
	<-h.started
	return h
}

func (h *netHarness) finish(t *testing.T) {
	t.Helper()
	h.e.SetPortStatusThrough(h.port, ForeverTag)
	h.e.RequestStop()
	require.NoError(t, <-h.errCh)
}

func TestEngine_ScheduleNetworkFutureTag(t *testing.T) {
	h := startNetworked(t)

	at := Tag{Time: int64(10 * time.Millisecond)}
	require.NoError(t, h.e.ScheduleNetwork(h.port, at, at, ir.Int(42)))

	require.Eventually(t, func() bool { return len(h.body.snapshot()) == 1 },
		5*time.Second, time.Millisecond)
	h.finish(t)

	got := h.body.snapshot()
	assert.Equal(t, at, got[0].Tag, "the message executes at exactly its tag")
	assert.Equal(t, ir.Int(42), got[0].Value)
	assert.Empty(t, h.stp.snapshot())
	assert.Zero(t, h.tracer.count(TraceTardy))
}

func TestEngine_ScheduleNetworkTardyRunsHandler(t *testing.T) {
	h := startNetworked(t)

	// Let the startup tag finish so the late message cannot land
	// inside it.
	h.e.SetPortStatusThrough(h.port, Tag{Time: 0})
	require.Eventually(t, func() bool {
		return h.tracer.count(TraceTagComplete) >= 1 && h.e.State() != StateDispatching
	}, 5*time.Second, time.Millisecond)

	intended := Tag{Time: 0}
	require.NoError(t, h.e.ScheduleNetwork(h.port, intended, intended, ir.Int(7)))

	require.Eventually(t, func() bool { return len(h.stp.snapshot()) == 1 },
		5*time.Second, time.Millisecond)
	h.finish(t)

	got := h.stp.snapshot()
	assert.Equal(t, Tag{Time: 0, Microstep: 1}, got[0].Tag,
		"a late message is seen at the earliest tag still ahead")
	assert.Equal(t, ir.Int(7), got[0].Value)
	assert.Empty(t, h.body.snapshot(), "the tardiness handler replaces the body")
	assert.Equal(t, 1, h.tracer.count(TraceTardy))
}

func TestEngine_ScheduleNetworkMidTagDelivery(t *testing.T) {
	prog := &ir.Program{
		Name: "midtag",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name:   "Main",
			Inputs: []ir.Port{{Name: "in", Type: ir.TypeInt, Width: 1}},
			Reactions: []ir.Reaction{
				{Triggers: []ir.Ref{ir.RefStartup}, Body: "hold"},
				{Triggers: []ir.Ref{"in"}, Body: "observe"},
			},
		}},
	}

	asm := buildTestAssembly(t, prog)
	g, ok := asm.LookupPort("main.in")
	require.True(t, ok)
	port := g.Channel(0)

	started := make(chan struct{})
	release := make(chan struct{})
	rec := &runRecorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("hold", func(*ReactionContext) error {
		close(started)
		<-release
		return nil
	}))
	require.NoError(t, reg.Register("observe", func(c *ReactionContext) error {
		rec.record(c, c.Value("in"))
		return nil
	}))

	e := New(asm, reg,
		WithFast(true),
		WithKeepalive(true),
		WithClock(testutil.NewFakeClock(0)),
	)
	require.NoError(t, e.BindNetworkInput(NetworkInput{Port: port}))

	errCh := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { errCh <- e.Run(ctx) }()

	// The holding reaction keeps tag (0,0) open while the message
	// arrives for that same tag.
	<-started
	at := Tag{Time: 0}
	require.NoError(t, e.ScheduleNetwork(port, at, at, ir.Int(11)))
	close(release)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 },
		5*time.Second, time.Millisecond)
	e.SetPortStatusThrough(port, ForeverTag)
	e.RequestStop()
	require.NoError(t, <-errCh)

	got := rec.snapshot()
	assert.Equal(t, Tag{Time: 0}, got[0].Tag, "delivered inside the tag being dispatched")
	assert.Equal(t, ir.Int(11), got[0].Value)
}

func TestEngine_ScheduleNetworkValidation(t *testing.T) {
	asm := buildTestAssembly(t, networkedProgram())
	g, _ := asm.LookupPort("main.in")
	reg := NewRegistry()
	for _, name := range []string{"kick", "body", "stp"} {
		require.NoError(t, reg.Register(name, func(*ReactionContext) error { return nil }))
	}
	e := New(asm, reg, WithFast(true), WithClock(testutil.NewFakeClock(0)))
	require.NoError(t, e.BindNetworkInput(NetworkInput{Port: g.Channel(0)}))

	err := e.ScheduleNetwork(graph.PortID(999), Tag{}, Tag{}, ir.Int(1))
	rerr, ok := IsRuntimeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidConfig, rerr.Code)

	err = e.ScheduleNetwork(g.Channel(0), Tag{}, Tag{}, ir.String("wrong"))
	rerr, ok = IsRuntimeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeTypeMismatch, rerr.Code)
	assert.Equal(t, "main.in", rerr.Site)

	e.SetPortStatusThrough(g.Channel(0), ForeverTag)
	require.NoError(t, runToCompletion(t, e))

	err = e.ScheduleNetwork(g.Channel(0), Tag{Time: 1}, Tag{Time: 1}, ir.Int(1))
	rerr, ok = IsRuntimeError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeQueueClosed, rerr.Code)
}
