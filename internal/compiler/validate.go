package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/lockstep/internal/ir"
)

// Validation error codes (E100-E199)
const (
	ErrProgramNoMain      = "E101" // main reactor is required
	ErrUnknownClass       = "E102" // reference to an undeclared reactor class
	ErrDuplicateName      = "E103" // duplicate class or member name
	ErrInvalidFieldType   = "E104" // invalid payload type string
	ErrFloatTypeForbidden = "E105" // float payloads not allowed
	ErrNegativeDuration   = "E106" // negative delay/spacing/offset/period/threshold
	ErrInvalidPolicy      = "E107" // invalid or missing spacing policy
	ErrReactionIncomplete = "E108" // reaction missing body or triggers
	ErrInvalidRef         = "E109" // malformed trigger/source/effect reference
	ErrInvalidWidth       = "E110" // negative port width or bank size
	ErrContainmentCycle   = "E111" // reactor instantiation recursion
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a parsed program against declaration rules.
// Returns all errors found (does not fail-fast). Structural resolution
// (undeclared references, connection widths and types, dependency
// cycles) belongs to the graph builder; this pass catches everything
// that is wrong about the declarations themselves.
func Validate(prog *ir.Program) []ValidationError {
	var errs []ValidationError

	// E101: a runnable program names its main reactor
	if strings.TrimSpace(prog.Main) == "" {
		errs = append(errs, ValidationError{
			Field:   "program.main",
			Message: "main reactor name is required",
			Code:    ErrProgramNoMain,
		})
	} else if prog.Class(prog.Main) == nil {
		errs = append(errs, ValidationError{
			Field:   "program.main",
			Message: fmt.Sprintf("main reactor class %q is not declared", prog.Main),
			Code:    ErrUnknownClass,
		})
	}

	classNames := make(map[string]bool)
	for _, rc := range prog.Reactors {
		// E103: duplicate class name
		if classNames[rc.Name] {
			errs = append(errs, ValidationError{
				Field:   "reactor." + rc.Name,
				Message: fmt.Sprintf("duplicate reactor class name: %q", rc.Name),
				Code:    ErrDuplicateName,
			})
		}
		classNames[rc.Name] = true

		errs = append(errs, validateClass(prog, rc)...)
	}

	// E111: instantiation must terminate
	for _, cycle := range containmentCycles(prog) {
		errs = append(errs, ValidationError{
			Field:   "reactor." + cycle[0],
			Message: fmt.Sprintf("instantiation cycle: %s", strings.Join(cycle, " -> ")),
			Code:    ErrContainmentCycle,
		})
	}

	return errs
}

// validateClass checks the declarations of one reactor class.
func validateClass(prog *ir.Program, rc *ir.ReactorClass) []ValidationError {
	var errs []ValidationError
	path := "reactor." + rc.Name
	members := make(map[string]bool)

	declare := func(kind, name string) {
		if members[name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.%s.%s", path, kind, name),
				Message: fmt.Sprintf("duplicate member name: %q", name),
				Code:    ErrDuplicateName,
			})
		}
		members[name] = true
	}

	checkType := func(field string, t ir.TypeName) {
		switch t {
		case "float", "float32", "float64", "number", "double":
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "float payloads are forbidden, use int instead",
				Code:    ErrFloatTypeForbidden,
			})
		default:
			if !t.Valid() {
				errs = append(errs, ValidationError{
					Field:   field,
					Message: fmt.Sprintf("unsupported payload type %q", t),
					Code:    ErrInvalidFieldType,
				})
			}
		}
	}

	ports := func(kind string, decls []ir.Port) {
		for _, p := range decls {
			declare(kind, p.Name)
			checkType(fmt.Sprintf("%s.%s.%s.type", path, kind, p.Name), p.Type)
			if p.Width < 0 {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.%s.%s.width", path, kind, p.Name),
					Message: fmt.Sprintf("width must not be negative, got %d", p.Width),
					Code:    ErrInvalidWidth,
				})
			}
		}
	}
	ports("inputs", rc.Inputs)
	ports("outputs", rc.Outputs)

	for _, a := range rc.Actions {
		declare("actions", a.Name)
		apath := fmt.Sprintf("%s.actions.%s", path, a.Name)
		checkType(apath+".type", a.Type)
		if a.MinDelay < 0 {
			errs = append(errs, ValidationError{
				Field:   apath + ".min_delay",
				Message: fmt.Sprintf("duration must not be negative, got %s", a.MinDelay),
				Code:    ErrNegativeDuration,
			})
		}
		if a.MinSpacing < 0 {
			errs = append(errs, ValidationError{
				Field:   apath + ".min_spacing",
				Message: fmt.Sprintf("duration must not be negative, got %s", a.MinSpacing),
				Code:    ErrNegativeDuration,
			})
		}
		if a.MinSpacing > 0 && !a.Policy.Valid() {
			errs = append(errs, ValidationError{
				Field:   apath + ".policy",
				Message: fmt.Sprintf("action with min_spacing %s needs a policy (\"defer\", \"drop\", or \"replace\")", a.MinSpacing),
				Code:    ErrInvalidPolicy,
			})
		} else if a.Policy != "" && !a.Policy.Valid() {
			errs = append(errs, ValidationError{
				Field:   apath + ".policy",
				Message: fmt.Sprintf("invalid policy %q", a.Policy),
				Code:    ErrInvalidPolicy,
			})
		}
	}

	for _, t := range rc.Timers {
		declare("timers", t.Name)
		tpath := fmt.Sprintf("%s.timers.%s", path, t.Name)
		if t.Offset < 0 {
			errs = append(errs, ValidationError{
				Field:   tpath + ".offset",
				Message: fmt.Sprintf("duration must not be negative, got %s", t.Offset),
				Code:    ErrNegativeDuration,
			})
		}
		if t.Period < 0 {
			errs = append(errs, ValidationError{
				Field:   tpath + ".period",
				Message: fmt.Sprintf("duration must not be negative, got %s", t.Period),
				Code:    ErrNegativeDuration,
			})
		}
	}

	for _, c := range rc.Children {
		declare("children", c.Name)
		if c.Bank < 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.children.%s.bank", path, c.Name),
				Message: fmt.Sprintf("bank must not be negative, got %d", c.Bank),
				Code:    ErrInvalidWidth,
			})
		}
		// E102: child class must exist
		if prog.Class(c.Class) == nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.children.%s.class", path, c.Name),
				Message: fmt.Sprintf("child class %q is not declared", c.Class),
				Code:    ErrUnknownClass,
			})
		}
	}

	for i, r := range rc.Reactions {
		rpath := fmt.Sprintf("%s.reactions[%d]", path, i)
		if strings.TrimSpace(r.Body) == "" {
			errs = append(errs, ValidationError{
				Field:   rpath + ".body",
				Message: "reaction declares no body",
				Code:    ErrReactionIncomplete,
			})
		}
		if len(r.Triggers) == 0 {
			errs = append(errs, ValidationError{
				Field:   rpath + ".triggers",
				Message: "reaction declares no triggers",
				Code:    ErrReactionIncomplete,
			})
		}
		refs := func(kind string, list []ir.Ref) {
			for j, ref := range list {
				if !refPattern.MatchString(string(ref)) {
					errs = append(errs, ValidationError{
						Field:   fmt.Sprintf("%s.%s[%d]", rpath, kind, j),
						Message: fmt.Sprintf("invalid reference %q", ref),
						Code:    ErrInvalidRef,
					})
				}
			}
		}
		refs("triggers", r.Triggers)
		refs("sources", r.Sources)
		refs("effects", r.Effects)
		if r.Deadline.Threshold < 0 {
			errs = append(errs, ValidationError{
				Field:   rpath + ".deadline.threshold",
				Message: fmt.Sprintf("duration must not be negative, got %s", r.Deadline.Threshold),
				Code:    ErrNegativeDuration,
			})
		}
		if r.STP.Threshold < 0 {
			errs = append(errs, ValidationError{
				Field:   rpath + ".stp.threshold",
				Message: fmt.Sprintf("duration must not be negative, got %s", r.STP.Threshold),
				Code:    ErrNegativeDuration,
			})
		}
	}

	for i, conn := range rc.Connections {
		cpath := fmt.Sprintf("%s.connections[%d]", path, i)
		if !refPattern.MatchString(string(conn.From)) {
			errs = append(errs, ValidationError{
				Field:   cpath + ".from",
				Message: fmt.Sprintf("invalid endpoint %q", conn.From),
				Code:    ErrInvalidRef,
			})
		}
		if !refPattern.MatchString(string(conn.To)) {
			errs = append(errs, ValidationError{
				Field:   cpath + ".to",
				Message: fmt.Sprintf("invalid endpoint %q", conn.To),
				Code:    ErrInvalidRef,
			})
		}
		if conn.After < 0 {
			errs = append(errs, ValidationError{
				Field:   cpath + ".after",
				Message: fmt.Sprintf("duration must not be negative, got %s", conn.After),
				Code:    ErrNegativeDuration,
			})
		}
	}

	return errs
}
