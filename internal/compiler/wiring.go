package compiler

import (
	"fmt"
	"regexp"

	"cuelang.org/go/cue"

	"github.com/roach88/lockstep/internal/ir"
)

// refPattern matches "name" or "child.port" references.
var refPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// parseReactions extracts the ordered reaction list of one class.
// Declaration order is semantic: within one reactor instance at one
// tag, earlier reactions run first.
func parseReactions(v cue.Value, class string) ([]ir.Reaction, error) {
	rv := v.LookupPath(cue.ParsePath("reactions"))
	if !rv.Exists() {
		return nil, nil
	}

	iter, err := rv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var reactions []ir.Reaction
	for i := 0; iter.Next(); i++ {
		r, err := parseReaction(iter.Value(), fmt.Sprintf("%s.reactions[%d]", class, i))
		if err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, nil
}

// parseReaction parses a single reaction clause.
func parseReaction(v cue.Value, site string) (ir.Reaction, error) {
	var r ir.Reaction

	// Parse body (required string naming a registered function)
	bodyVal := v.LookupPath(cue.ParsePath("body"))
	if !bodyVal.Exists() {
		return r, &CompileError{
			Field:   site + ".body",
			Message: "reaction requires a 'body' field naming a registered function",
			Pos:     v.Pos(),
		}
	}
	body, err := bodyVal.String()
	if err != nil {
		return r, formatCUEError(err)
	}
	r.Body = body

	// Parse triggers (required, at least one)
	if r.Triggers, err = parseRefs(v, "triggers", site); err != nil {
		return r, err
	}
	if len(r.Triggers) == 0 {
		return r, &CompileError{
			Field:   site + ".triggers",
			Message: "reaction requires at least one trigger",
			Pos:     v.Pos(),
		}
	}

	// Parse sources and effects (optional)
	if r.Sources, err = parseRefs(v, "sources", site); err != nil {
		return r, err
	}
	if r.Effects, err = parseRefs(v, "effects", site); err != nil {
		return r, err
	}

	// Parse violation handlers (optional)
	if r.Deadline, err = parseHandler(v, "deadline", site); err != nil {
		return r, err
	}
	if r.STP, err = parseHandler(v, "stp", site); err != nil {
		return r, err
	}

	return r, nil
}

// parseRefs reads one reference list ("triggers", "sources",
// "effects"). Every entry must be a local name, a child.port pair, or
// a builtin trigger.
func parseRefs(v cue.Value, section, site string) ([]ir.Ref, error) {
	rv := v.LookupPath(cue.ParsePath(section))
	if !rv.Exists() {
		return nil, nil
	}

	iter, err := rv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var refs []ir.Ref
	for i := 0; iter.Next(); i++ {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if !refPattern.MatchString(s) {
			return nil, &CompileError{
				Field:   fmt.Sprintf("%s.%s[%d]", site, section, i),
				Message: fmt.Sprintf("invalid reference %q, expected \"name\" or \"child.port\"", s),
				Pos:     iter.Value().Pos(),
			}
		}
		refs = append(refs, ir.Ref(s))
	}
	return refs, nil
}

// parseHandler reads an optional deadline or stp clause. A declared
// clause needs a threshold or a body; an empty clause is an authoring
// mistake, not a no-op.
func parseHandler(v cue.Value, section, site string) (ir.Handler, error) {
	hv := v.LookupPath(cue.ParsePath(section))
	if !hv.Exists() {
		return ir.Handler{}, nil
	}

	var h ir.Handler
	var err error
	h.Threshold, err = parseDuration(hv, "threshold", fmt.Sprintf("%s.%s.threshold", site, section))
	if err != nil {
		return h, err
	}

	bodyVal := hv.LookupPath(cue.ParsePath("body"))
	if bodyVal.Exists() {
		if h.Body, err = bodyVal.String(); err != nil {
			return h, formatCUEError(err)
		}
	}

	if !h.Declared() {
		return h, &CompileError{
			Field:   fmt.Sprintf("%s.%s", site, section),
			Message: "handler clause requires a threshold or a body",
			Pos:     hv.Pos(),
		}
	}
	return h, nil
}

// parseChildren extracts child instantiations, declared as labels:
// `children: worker: {class: "Worker", bank: 3}`.
func parseChildren(v cue.Value) ([]ir.Child, error) {
	cv := v.LookupPath(cue.ParsePath("children"))
	if !cv.Exists() {
		return nil, nil
	}

	iter, err := cv.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var children []ir.Child
	for iter.Next() {
		name := iter.Label()
		chv := iter.Value()

		classVal := chv.LookupPath(cue.ParsePath("class"))
		if !classVal.Exists() {
			return nil, &CompileError{
				Field:   fmt.Sprintf("children.%s.class", name),
				Message: "child requires a 'class' field",
				Pos:     chv.Pos(),
			}
		}
		class, err := classVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		c := ir.Child{Name: name, Class: class}

		bankVal := chv.LookupPath(cue.ParsePath("bank"))
		if bankVal.Exists() {
			n, err := bankVal.Int64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			if n < 1 {
				return nil, &CompileError{
					Field:   fmt.Sprintf("children.%s.bank", name),
					Message: fmt.Sprintf("bank must be at least 1, got %d", n),
					Pos:     bankVal.Pos(),
				}
			}
			c.Bank = int(n)
		}

		children = append(children, c)
	}
	return children, nil
}

// parseConnections extracts the connection list of one class. The
// after field is tri-state: absent means same-tag delivery, "0ms"
// means a pure microstep delay, a positive value shifts logical time.
func parseConnections(v cue.Value, class string) ([]ir.Connection, error) {
	cv := v.LookupPath(cue.ParsePath("connections"))
	if !cv.Exists() {
		return nil, nil
	}

	iter, err := cv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var conns []ir.Connection
	for i := 0; iter.Next(); i++ {
		conn, err := parseConnection(iter.Value(), fmt.Sprintf("%s.connections[%d]", class, i))
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func parseConnection(v cue.Value, site string) (ir.Connection, error) {
	var conn ir.Connection
	var err error

	if conn.From, err = connectionEndpoint(v, "from", site); err != nil {
		return conn, err
	}
	if conn.To, err = connectionEndpoint(v, "to", site); err != nil {
		return conn, err
	}

	afterVal := v.LookupPath(cue.ParsePath("after"))
	if afterVal.Exists() {
		conn.After, err = parseDuration(v, "after", site+".after")
		if err != nil {
			return conn, err
		}
		conn.HasAfter = true
	}
	return conn, nil
}

func connectionEndpoint(v cue.Value, field, site string) (ir.Ref, error) {
	ev := v.LookupPath(cue.ParsePath(field))
	if !ev.Exists() {
		return "", &CompileError{
			Field:   site + "." + field,
			Message: fmt.Sprintf("connection requires a %q endpoint", field),
			Pos:     v.Pos(),
		}
	}
	s, err := ev.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	if !refPattern.MatchString(s) {
		return "", &CompileError{
			Field:   site + "." + field,
			Message: fmt.Sprintf("invalid endpoint %q, expected \"port\" or \"child.port\"", s),
			Pos:     ev.Pos(),
		}
	}
	return ir.Ref(s), nil
}
