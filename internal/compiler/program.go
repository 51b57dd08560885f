package compiler

import (
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/lockstep/internal/ir"
)

// CompileProgram parses a CUE descriptor into an ir.Program.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the descriptor root, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`program: {main: "Main"}, reactor: Main: { ... }`)
//	prog, err := CompileProgram(v)
func CompileProgram(v cue.Value) (*ir.Program, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	prog := &ir.Program{}

	// Parse the program block (required: it names the main reactor)
	progVal := v.LookupPath(cue.ParsePath("program"))
	if !progVal.Exists() {
		return nil, &CompileError{
			Field:   "program",
			Message: "program block is required",
			Pos:     v.Pos(),
		}
	}
	mainVal := progVal.LookupPath(cue.ParsePath("main"))
	if !mainVal.Exists() {
		return nil, &CompileError{
			Field:   "program.main",
			Message: "main reactor name is required",
			Pos:     progVal.Pos(),
		}
	}
	main, err := mainVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	prog.Main = main

	// Name is optional; an unnamed program takes its main class name
	nameVal := progVal.LookupPath(cue.ParsePath("name"))
	if nameVal.Exists() {
		name, err := nameVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		prog.Name = name
	} else {
		prog.Name = main
	}

	// Parse reactor classes (required, at least one)
	reactorVal := v.LookupPath(cue.ParsePath("reactor"))
	if reactorVal.Exists() {
		iter, err := reactorVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			rc, err := parseReactorClass(iter.Label(), iter.Value())
			if err != nil {
				return nil, err
			}
			prog.Reactors = append(prog.Reactors, rc)
		}
	}
	if len(prog.Reactors) == 0 {
		return nil, &CompileError{
			Field:   "reactor",
			Message: "at least one reactor class is required",
			Pos:     v.Pos(),
		}
	}

	return prog, nil
}

// parseReactorClass parses one reactor declaration. The class name
// comes from the struct label: `reactor: Ping: { ... }`.
func parseReactorClass(name string, v cue.Value) (*ir.ReactorClass, error) {
	rc := &ir.ReactorClass{Name: name}

	var err error
	if rc.Inputs, err = parsePorts(v, "inputs"); err != nil {
		return nil, err
	}
	if rc.Outputs, err = parsePorts(v, "outputs"); err != nil {
		return nil, err
	}
	if rc.Actions, err = parseActions(v); err != nil {
		return nil, err
	}
	if rc.Timers, err = parseTimers(v); err != nil {
		return nil, err
	}
	if rc.Reactions, err = parseReactions(v, name); err != nil {
		return nil, err
	}
	if rc.Children, err = parseChildren(v); err != nil {
		return nil, err
	}
	if rc.Connections, err = parseConnections(v, name); err != nil {
		return nil, err
	}
	return rc, nil
}

// parsePorts extracts one port section ("inputs" or "outputs").
// Ports are declared as labels: `inputs: in: {type: "int", width: 3}`.
func parsePorts(v cue.Value, section string) ([]ir.Port, error) {
	secVal := v.LookupPath(cue.ParsePath(section))
	if !secVal.Exists() {
		return nil, nil
	}

	iter, err := secVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var ports []ir.Port
	for iter.Next() {
		p := ir.Port{Name: iter.Label()}
		pv := iter.Value()

		p.Type, err = parseTypeName(pv, fmt.Sprintf("%s.%s.type", section, p.Name))
		if err != nil {
			return nil, err
		}

		widthVal := pv.LookupPath(cue.ParsePath("width"))
		if widthVal.Exists() {
			w, err := widthVal.Int64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			if w < 1 {
				return nil, &CompileError{
					Field:   fmt.Sprintf("%s.%s.width", section, p.Name),
					Message: fmt.Sprintf("width must be at least 1, got %d", w),
					Pos:     widthVal.Pos(),
				}
			}
			p.Width = int(w)
		}

		ports = append(ports, p)
	}
	return ports, nil
}

// parseActions extracts schedulable action declarations.
func parseActions(v cue.Value) ([]ir.Action, error) {
	actVal := v.LookupPath(cue.ParsePath("actions"))
	if !actVal.Exists() {
		return nil, nil
	}

	iter, err := actVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var actions []ir.Action
	for iter.Next() {
		name := iter.Label()
		av := iter.Value()
		a := ir.Action{Name: name}

		a.Type, err = parseTypeName(av, fmt.Sprintf("actions.%s.type", name))
		if err != nil {
			return nil, err
		}
		a.MinDelay, err = parseDuration(av, "min_delay", fmt.Sprintf("actions.%s.min_delay", name))
		if err != nil {
			return nil, err
		}
		a.MinSpacing, err = parseDuration(av, "min_spacing", fmt.Sprintf("actions.%s.min_spacing", name))
		if err != nil {
			return nil, err
		}

		policyVal := av.LookupPath(cue.ParsePath("policy"))
		if policyVal.Exists() {
			s, err := policyVal.String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			p := ir.Policy(s)
			if !p.Valid() {
				return nil, &CompileError{
					Field:   fmt.Sprintf("actions.%s.policy", name),
					Message: fmt.Sprintf("invalid policy %q, must be \"defer\", \"drop\", or \"replace\"", s),
					Pos:     policyVal.Pos(),
				}
			}
			a.Policy = p
		}

		physVal := av.LookupPath(cue.ParsePath("physical"))
		if physVal.Exists() {
			b, err := physVal.Bool()
			if err != nil {
				return nil, formatCUEError(err)
			}
			a.Physical = b
		}

		actions = append(actions, a)
	}
	return actions, nil
}

// parseTimers extracts timer declarations.
func parseTimers(v cue.Value) ([]ir.Timer, error) {
	timerVal := v.LookupPath(cue.ParsePath("timers"))
	if !timerVal.Exists() {
		return nil, nil
	}

	iter, err := timerVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var timers []ir.Timer
	for iter.Next() {
		name := iter.Label()
		tv := iter.Value()
		t := ir.Timer{Name: name}

		t.Offset, err = parseDuration(tv, "offset", fmt.Sprintf("timers.%s.offset", name))
		if err != nil {
			return nil, err
		}
		t.Period, err = parseDuration(tv, "period", fmt.Sprintf("timers.%s.period", name))
		if err != nil {
			return nil, err
		}

		timers = append(timers, t)
	}
	return timers, nil
}

// parseTypeName reads an optional "type" field. Absent means the
// trigger carries no payload.
func parseTypeName(v cue.Value, field string) (ir.TypeName, error) {
	tv := v.LookupPath(cue.ParsePath("type"))
	if !tv.Exists() {
		return ir.TypeNone, nil
	}

	s, err := tv.String()
	if err != nil {
		return ir.TypeNone, formatCUEError(err)
	}

	switch s {
	case "float", "float32", "float64", "number", "double":
		return ir.TypeNone, &CompileError{
			Field:   field,
			Message: "float payloads are forbidden - use int instead",
			Pos:     tv.Pos(),
		}
	}
	tn := ir.TypeName(s)
	if !tn.Valid() {
		return ir.TypeNone, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unsupported payload type %q", s),
			Pos:     tv.Pos(),
		}
	}
	return tn, nil
}

// parseDuration reads an optional duration field written as a Go
// duration string ("10ms", "1.5s"). Absent fields yield zero.
func parseDuration(v cue.Value, path, field string) (time.Duration, error) {
	dv := v.LookupPath(cue.ParsePath(path))
	if !dv.Exists() {
		return 0, nil
	}

	s, err := dv.String()
	if err != nil {
		return 0, formatCUEError(err)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration %q", s),
			Pos:     dv.Pos(),
		}
	}
	if d < 0 {
		return 0, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("duration must not be negative, got %s", d),
			Pos:     dv.Pos(),
		}
	}
	return d, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
