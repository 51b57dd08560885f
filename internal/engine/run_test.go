package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/testutil"
)

func TestEngine_StartupThenShutdown(t *testing.T) {
	prog := &ir.Program{
		Name: "lifecycle",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name: "Main",
			Reactions: []ir.Reaction{
				{Triggers: []ir.Ref{ir.RefStartup}, Body: "up"},
				{Triggers: []ir.Ref{ir.RefShutdown}, Body: "down"},
			},
		}},
	}

	rec := &runRecorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("up", func(c *ReactionContext) error {
		rec.record(c, nil)
		return nil
	}))
	require.NoError(t, reg.Register("down", func(c *ReactionContext) error {
		rec.record(c, nil)
		return nil
	}))

	e := New(buildTestAssembly(t, prog), reg, WithFast(true), WithClock(testutil.NewFakeClock(0)))
	require.NoError(t, runToCompletion(t, e))

	entries := rec.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "main.reaction_0", entries[0].Name)
	assert.Equal(t, Tag{Time: 0, Microstep: 0}, entries[0].Tag)
	assert.Equal(t, "main.reaction_1", entries[1].Name)
	assert.Equal(t, Tag{Time: 0, Microstep: 1}, entries[1].Tag,
		"an idle program stops one microstep after startup")
	assert.Equal(t, 0, e.TokensLive())
	assert.Equal(t, StateDone, e.State())
}

func TestEngine_TimerFiresUntilTimeout(t *testing.T) {
	prog := &ir.Program{
		Name: "ticks",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name:   "Main",
			Timers: []ir.Timer{{Name: "tick", Offset: 0, Period: 10 * time.Millisecond}},
			Reactions: []ir.Reaction{
				{Triggers: []ir.Ref{"tick"}, Body: "tick"},
				{Triggers: []ir.Ref{ir.RefShutdown}, Body: "down"},
			},
		}},
	}

	rec := &runRecorder{}
	down := &runRecorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("tick", func(c *ReactionContext) error {
		rec.record(c, nil)
		return nil
	}))
	require.NoError(t, reg.Register("down", func(c *ReactionContext) error {
		down.record(c, nil)
		return nil
	}))

	e := New(buildTestAssembly(t, prog), reg,
		WithFast(true),
		WithClock(testutil.NewFakeClock(0)),
		WithTimeout(35*time.Millisecond),
	)
	require.NoError(t, runToCompletion(t, e))

	tags := rec.tags()
	require.Len(t, tags, 4, "offset 0 with period 10ms fires at 0, 10, 20, 30ms")
	for i, tag := range tags {
		assert.Equal(t, Tag{Time: int64(i) * int64(10*time.Millisecond)}, tag)
	}

	shutdown := down.snapshot()
	require.Len(t, shutdown, 1)
	assert.Equal(t, Tag{Time: int64(35 * time.Millisecond)}, shutdown[0].Tag)
}

func TestEngine_ShutdownCoincidesWithFinalTimerTick(t *testing.T) {
	prog := &ir.Program{
		Name: "coincide",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name:   "Main",
			Timers: []ir.Timer{{Name: "tick", Offset: 0, Period: 10 * time.Millisecond}},
			Reactions: []ir.Reaction{
				{Triggers: []ir.Ref{"tick"}, Body: "tick"},
				{Triggers: []ir.Ref{ir.RefShutdown}, Body: "down"},
			},
		}},
	}

	rec := &runRecorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("tick", func(c *ReactionContext) error {
		rec.record(c, ir.String("tick"))
		return nil
	}))
	require.NoError(t, reg.Register("down", func(c *ReactionContext) error {
		rec.record(c, ir.String("down"))
		return nil
	}))

	e := New(buildTestAssembly(t, prog), reg,
		WithFast(true),
		WithClock(testutil.NewFakeClock(0)),
		WithTimeout(20*time.Millisecond),
	)
	require.NoError(t, runToCompletion(t, e))

	entries := rec.snapshot()
	require.Len(t, entries, 4, "ticks at 0, 10, 20ms plus shutdown")
	last, prior := entries[3], entries[2]
	assert.Equal(t, Tag{Time: int64(20 * time.Millisecond)}, prior.Tag)
	assert.Equal(t, ir.String("tick"), prior.Value)
	assert.Equal(t, Tag{Time: int64(20 * time.Millisecond)}, last.Tag,
		"the final tick and shutdown share one tag")
	assert.Equal(t, ir.String("down"), last.Value)
}

func TestEngine_MicrostepChainTagsStrictlyIncrease(t *testing.T) {
	prog := &ir.Program{
		Name: "chain",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name:    "Main",
			Actions: []ir.Action{{Name: "step", Type: ir.TypeInt}},
			Reactions: []ir.Reaction{
				{Triggers: []ir.Ref{ir.RefStartup}, Effects: []ir.Ref{"step"}, Body: "kick"},
				{Triggers: []ir.Ref{"step"}, Effects: []ir.Ref{"step"}, Body: "step"},
			},
		}},
	}

	rec := &runRecorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("kick", func(c *ReactionContext) error {
		return c.Schedule("step", 0, ir.Int(0))
	}))
	require.NoError(t, reg.Register("step", func(c *ReactionContext) error {
		v := c.Value("step").(ir.Int)
		rec.record(c, v)
		if v < 5 {
			return c.Schedule("step", 0, v+1)
		}
		return nil
	}))

	tracer := &recordingTracer{}
	e := New(buildTestAssembly(t, prog), reg,
		WithFast(true),
		WithClock(testutil.NewFakeClock(0)),
		WithTracer(tracer),
	)
	require.NoError(t, runToCompletion(t, e))

	entries := rec.snapshot()
	require.Len(t, entries, 6)
	for i, en := range entries {
		assert.Equal(t, ir.Int(i), en.Value)
		assert.Equal(t, Tag{Time: 0, Microstep: uint32(i + 1)}, en.Tag,
			"a zero-delay schedule advances the microstep, never the time")
		if i > 0 {
			assert.True(t, entries[i-1].Tag.Before(en.Tag))
		}
	}
	assert.Equal(t, 6, tracer.count(TraceScheduled))
	assert.Equal(t, tracer.count(TraceTagBegin), tracer.count(TraceTagComplete))
	assert.Equal(t, 0, e.TokensLive())
}

func TestEngine_PortChainRunsAtOneTag(t *testing.T) {
	prog := &ir.Program{
		Name: "wire",
		Main: "Main",
		Reactors: []*ir.ReactorClass{
			{
				Name:    "Producer",
				Outputs: []ir.Port{{Name: "out", Type: ir.TypeInt}},
				Reactions: []ir.Reaction{{
					Triggers: []ir.Ref{ir.RefStartup}, Effects: []ir.Ref{"out"}, Body: "produce",
				}},
			},
			{
				Name:   "Consumer",
				Inputs: []ir.Port{{Name: "in", Type: ir.TypeInt}},
				Reactions: []ir.Reaction{{
					Triggers: []ir.Ref{"in"}, Body: "consume",
				}},
			},
			{
				Name: "Main",
				Children: []ir.Child{
					{Name: "p", Class: "Producer"},
					{Name: "c", Class: "Consumer"},
				},
				Connections: []ir.Connection{{From: "p.out", To: "c.in"}},
			},
		},
	}

	rec := &runRecorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("produce", func(c *ReactionContext) error {
		rec.record(c, nil)
		return c.Set("out", ir.Int(7))
	}))
	require.NoError(t, reg.Register("consume", func(c *ReactionContext) error {
		rec.record(c, c.Value("in"))
		return nil
	}))

	e := New(buildTestAssembly(t, prog), reg, WithFast(true), WithClock(testutil.NewFakeClock(0)))
	require.NoError(t, runToCompletion(t, e))

	entries := rec.snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "main.p.reaction_0", entries[0].Name, "the writer runs before its reader")
	assert.Equal(t, "main.c.reaction_0", entries[1].Name)
	assert.Equal(t, entries[0].Tag, entries[1].Tag, "an undelayed connection stays within the tag")
	assert.Equal(t, ir.Int(7), entries[1].Value)
	assert.Equal(t, 0, e.TokensLive())
}

func TestEngine_DelayedConnectionShiftsTag(t *testing.T) {
	build := func(after time.Duration) *ir.Program {
		return &ir.Program{
			Name: "after",
			Main: "Main",
			Reactors: []*ir.ReactorClass{
				{
					Name:    "Producer",
					Outputs: []ir.Port{{Name: "out", Type: ir.TypeString}},
					Reactions: []ir.Reaction{{
						Triggers: []ir.Ref{ir.RefStartup}, Effects: []ir.Ref{"out"}, Body: "produce",
					}},
				},
				{
					Name:   "Consumer",
					Inputs: []ir.Port{{Name: "in", Type: ir.TypeString}},
					Reactions: []ir.Reaction{{
						Triggers: []ir.Ref{"in"}, Body: "consume",
					}},
				},
				{
					Name: "Main",
					Children: []ir.Child{
						{Name: "p", Class: "Producer"},
						{Name: "c", Class: "Consumer"},
					},
					Connections: []ir.Connection{{From: "p.out", To: "c.in", After: after, HasAfter: true}},
				},
			},
		}
	}

	run := func(t *testing.T, after time.Duration) []runEntry {
		t.Helper()
		rec := &runRecorder{}
		reg := NewRegistry()
		require.NoError(t, reg.Register("produce", func(c *ReactionContext) error {
			return c.Set("out", ir.String("msg"))
		}))
		require.NoError(t, reg.Register("consume", func(c *ReactionContext) error {
			rec.record(c, c.Value("in"))
			return nil
		}))
		e := New(buildTestAssembly(t, build(after)), reg, WithFast(true), WithClock(testutil.NewFakeClock(0)))
		require.NoError(t, runToCompletion(t, e))
		assert.Equal(t, 0, e.TokensLive())
		return rec.snapshot()
	}

	t.Run("positive delay advances time", func(t *testing.T) {
		entries := run(t, 10*time.Millisecond)
		require.Len(t, entries, 1)
		assert.Equal(t, Tag{Time: int64(10 * time.Millisecond)}, entries[0].Tag)
		assert.Equal(t, ir.String("msg"), entries[0].Value)
	})

	t.Run("zero delay advances the microstep", func(t *testing.T) {
		entries := run(t, 0)
		require.Len(t, entries, 1)
		assert.Equal(t, Tag{Time: 0, Microstep: 1}, entries[0].Tag)
		assert.Equal(t, ir.String("msg"), entries[0].Value)
	})
}

// fanoutProgram wires one timed producer into four sinks, enough
// parallel work per tag for worker interleavings to differ.
func fanoutProgram() *ir.Program {
	main := &ir.ReactorClass{
		Name: "Main",
		Children: []ir.Child{
			{Name: "prod", Class: "Producer"},
		},
	}
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("s%d", i)
		main.Children = append(main.Children, ir.Child{Name: name, Class: "Sink"})
		main.Connections = append(main.Connections, ir.Connection{From: "prod.out", To: ir.Ref(name + ".in")})
	}
	return &ir.Program{
		Name: "fanout",
		Main: "Main",
		Reactors: []*ir.ReactorClass{
			{
				Name:    "Producer",
				Outputs: []ir.Port{{Name: "out", Type: ir.TypeInt}},
				Timers:  []ir.Timer{{Name: "tick", Offset: 0, Period: time.Millisecond}},
				Reactions: []ir.Reaction{{
					Triggers: []ir.Ref{"tick"}, Effects: []ir.Ref{"out"}, Body: "produce",
				}},
			},
			{
				Name:   "Sink",
				Inputs: []ir.Port{{Name: "in", Type: ir.TypeInt}},
				Reactions: []ir.Reaction{{
					Triggers: []ir.Ref{"in"}, Body: "sink",
				}},
			},
			main,
		},
	}
}

func runFanout(t *testing.T, workers int) []runEntry {
	t.Helper()
	rec := &runRecorder{}
	reg := NewRegistry()
	counter := int64(0)
	require.NoError(t, reg.Register("produce", func(c *ReactionContext) error {
		counter++
		return c.Set("out", ir.Int(counter))
	}))
	require.NoError(t, reg.Register("sink", func(c *ReactionContext) error {
		rec.record(c, c.Value("in"))
		return nil
	}))

	e := New(buildTestAssembly(t, fanoutProgram()), reg,
		WithFast(true),
		WithClock(testutil.NewFakeClock(0)),
		WithTimeout(2500*time.Microsecond),
		WithWorkers(workers),
	)
	require.NoError(t, runToCompletion(t, e))
	assert.Equal(t, 0, e.TokensLive())
	return rec.snapshot()
}

func canonicalize(entries []runEntry) []string {
	out := make([]string, len(entries))
	for i, en := range entries {
		out[i] = fmt.Sprintf("%s %s %v", en.Tag, en.Name, en.Value)
	}
	sort.Strings(out)
	return out
}

func TestEngine_DeterministicAcrossWorkerCounts(t *testing.T) {
	single := runFanout(t, 1)
	parallel := runFanout(t, 4)

	require.NotEmpty(t, single)
	assert.Equal(t, canonicalize(single), canonicalize(parallel),
		"observable behavior must not depend on the worker count")

	// Every sink sees the same value at the same tag in both runs.
	for _, entries := range [][]runEntry{single, parallel} {
		byTag := map[Tag]map[string]ir.Value{}
		for _, en := range entries {
			if byTag[en.Tag] == nil {
				byTag[en.Tag] = map[string]ir.Value{}
			}
			byTag[en.Tag][en.Name] = en.Value
		}
		require.Len(t, byTag, 3, "ticks at 0, 1, 2ms")
		for tag, sinks := range byTag {
			require.Len(t, sinks, 4, "all four sinks fire at %s", tag)
			want := ir.Int(tag.Time/int64(time.Millisecond) + 1)
			for name, v := range sinks {
				assert.Equal(t, want, v, "%s at %s", name, tag)
			}
		}
	}
}

func TestEngine_RequestStopFromReaction(t *testing.T) {
	prog := &ir.Program{
		Name: "stopreq",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name:   "Main",
			Timers: []ir.Timer{{Name: "tick", Offset: 0, Period: time.Millisecond}},
			Reactions: []ir.Reaction{
				{Triggers: []ir.Ref{"tick"}, Body: "tick"},
				{Triggers: []ir.Ref{ir.RefShutdown}, Body: "down"},
			},
		}},
	}

	rec := &runRecorder{}
	down := &runRecorder{}
	reg := NewRegistry()
	ticks := 0
	require.NoError(t, reg.Register("tick", func(c *ReactionContext) error {
		rec.record(c, nil)
		ticks++
		if ticks == 3 {
			c.RequestStop()
		}
		return nil
	}))
	require.NoError(t, reg.Register("down", func(c *ReactionContext) error {
		down.record(c, nil)
		return nil
	}))

	e := New(buildTestAssembly(t, prog), reg, WithFast(true), WithClock(testutil.NewFakeClock(0)))
	require.NoError(t, runToCompletion(t, e))

	tags := rec.tags()
	require.Len(t, tags, 3, "no tick after the stop request took effect")
	assert.Equal(t, Tag{Time: int64(2 * time.Millisecond)}, tags[2])

	shutdown := down.snapshot()
	require.Len(t, shutdown, 1)
	assert.Equal(t, Tag{Time: int64(2 * time.Millisecond), Microstep: 1}, shutdown[0].Tag,
		"a standalone stop lands one microstep after the requesting tag")
}

func TestEngine_BodyErrorIsFatalButShutdownRuns(t *testing.T) {
	prog := &ir.Program{
		Name: "fatal",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name: "Main",
			Reactions: []ir.Reaction{
				{Triggers: []ir.Ref{ir.RefStartup}, Body: "boom"},
				{Triggers: []ir.Ref{ir.RefShutdown}, Body: "down"},
			},
		}},
	}

	down := &runRecorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("boom", func(*ReactionContext) error {
		return errors.New("boom")
	}))
	require.NoError(t, reg.Register("down", func(c *ReactionContext) error {
		down.record(c, nil)
		return nil
	}))

	e := New(buildTestAssembly(t, prog), reg, WithFast(true), WithClock(testutil.NewFakeClock(0)))
	err := runToCompletion(t, e)
	require.Error(t, err)
	assert.ErrorContains(t, err, "reaction main.reaction_0: boom")
	assert.Len(t, down.snapshot(), 1, "shutdown still runs after a fatal body error")
}

func TestEngine_ContextCancelBeforeFirstTag(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("noop", func(*ReactionContext) error { return nil }))
	e := New(buildTestAssembly(t, singleReactionProgram("noop")), reg, WithFast(true))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_ContextCancelWhileWaiting(t *testing.T) {
	started := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.Register("noop", func(*ReactionContext) error {
		close(started)
		return nil
	}))
	e := New(buildTestAssembly(t, singleReactionProgram("noop")), reg,
		WithFast(true),
		WithKeepalive(true),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not abort on context cancellation")
	}
}

func TestEngine_BarrierHoldsSelection(t *testing.T) {
	prog := &ir.Program{
		Name: "barrier",
		Main: "Main",
		Reactors: []*ir.ReactorClass{{
			Name:   "Main",
			Timers: []ir.Timer{{Name: "tick", Offset: 10 * time.Millisecond}},
			Reactions: []ir.Reaction{{
				Triggers: []ir.Ref{"tick"}, Body: "tick",
			}},
		}},
	}

	rec := &runRecorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("tick", func(c *ReactionContext) error {
		rec.record(c, nil)
		return nil
	}))

	e := New(buildTestAssembly(t, prog), reg, WithFast(true), WithClock(testutil.NewFakeClock(0)))
	barrierAt := Tag{Time: int64(5 * time.Millisecond)}
	e.RaiseBarrier(barrierAt)

	done := make(chan error, 1)
	go func() { done <- runToCompletion(t, e) }()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "the tick past the barrier must wait")

	e.LowerBarrier(barrierAt)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not resume after the barrier dropped")
	}
	assert.Len(t, rec.snapshot(), 1)
}

func TestEngine_BarrierAtCurrentTagHoldsCompletion(t *testing.T) {
	var eng *Engine
	prog := singleReactionProgram("raise")
	reg := NewRegistry()
	require.NoError(t, reg.Register("raise", func(c *ReactionContext) error {
		eng.RaiseBarrier(c.Tag())
		return nil
	}))

	eng = New(buildTestAssembly(t, prog), reg, WithFast(true), WithClock(testutil.NewFakeClock(0)))
	done := make(chan error, 1)
	go func() { done <- runToCompletion(t, eng) }()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateDispatching, eng.State(),
		"a barrier at the current tag keeps it from completing")

	eng.LowerBarrier(Tag{Time: 0})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not complete after the barrier dropped")
	}
}
