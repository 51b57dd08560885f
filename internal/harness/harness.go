package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/lockstep/internal/compiler"
	"github.com/roach88/lockstep/internal/engine"
	"github.com/roach88/lockstep/internal/graph"
	"github.com/roach88/lockstep/internal/testutil"
)

// Run executes a scenario and returns the result.
//
// The program compiles fresh for every run and the engine starts from
// a fake clock pinned at zero, so tags in the result are elapsed
// logical time. Assertion failures land in the result; a failure to
// even run the scenario (bad program, unbound body, unexpected engine
// error) comes back as an error.
func Run(scenario *Scenario) (*Result, error) {
	asm, err := compileScenario(scenario)
	if err != nil {
		return nil, err
	}

	reg, err := buildRegistry(scenario.Bodies)
	if err != nil {
		return nil, err
	}

	workers := scenario.Workers
	if workers == 0 {
		workers = 1
	}

	rec := newRecorder(asm)
	opts := []engine.Option{
		engine.WithFast(true),
		engine.WithClock(testutil.NewFakeClock(0)),
		engine.WithWorkers(workers),
		engine.WithTracer(rec),
		// Suppress engine logs in harness runs.
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	if scenario.Timeout > 0 {
		opts = append(opts, engine.WithTimeout(scenario.Timeout.Duration()))
	}
	if scenario.Keepalive {
		opts = append(opts, engine.WithKeepalive(true))
	}

	eng := engine.New(asm, reg, opts...)
	runErr := eng.Run(context.Background())

	result := NewResult()
	switch {
	case runErr != nil && scenario.ExpectError == "":
		return nil, fmt.Errorf("engine: %w", runErr)
	case runErr != nil && !strings.Contains(runErr.Error(), scenario.ExpectError):
		result.AddError(fmt.Sprintf("run failed with %q, expected an error containing %q",
			runErr, scenario.ExpectError))
	case runErr == nil && scenario.ExpectError != "":
		result.AddError(fmt.Sprintf("run succeeded, expected an error containing %q",
			scenario.ExpectError))
	}

	result.Events = rec.events(eng.StartTime())
	result.FinalTime = eng.CurrentTag().Time - eng.StartTime()
	result.FinalMicrostep = eng.CurrentTag().Microstep
	for _, ev := range result.Events {
		if ev.Kind == "reaction_start" {
			result.Executions[ev.Object]++
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// compileScenario compiles the scenario's CUE program down to an
// assembly: parse, validate, build. Zero-delay loop warnings do not
// stop a scenario; structural loops fail at Build.
func compileScenario(s *Scenario) (*graph.Assembly, error) {
	data, err := os.ReadFile(s.Program)
	if err != nil {
		return nil, fmt.Errorf("failed to read program: %w", err)
	}

	v := cuecontext.New().CompileBytes(data, cue.Filename(s.Program))
	prog, err := compiler.CompileProgram(v)
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", s.Program, err)
	}

	if errs := compiler.Validate(prog); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("program %s: %s", s.Program, strings.Join(msgs, "; "))
	}

	asm, err := graph.Build(prog)
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", s.Program, err)
	}
	return asm, nil
}
