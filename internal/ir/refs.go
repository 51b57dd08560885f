package ir

import "strings"

// Ref names a trigger, source, or effect from the perspective of one
// reactor class. Forms:
//
//	"in"          a port, action, or timer of the class itself
//	"child.out"   a port of a contained child instance
//	"startup"     the builtin trigger fired once at the start tag
//	"shutdown"    the builtin trigger fired once at the stop tag
type Ref string

// Builtin triggers.
const (
	RefStartup  Ref = "startup"
	RefShutdown Ref = "shutdown"
)

// Builtin reports whether the ref names a builtin trigger.
func (r Ref) Builtin() bool {
	return r == RefStartup || r == RefShutdown
}

// Split separates a ref into its container part and local name. The
// container is empty for refs local to the class.
func (r Ref) Split() (container, name string) {
	s := string(r)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}

// Container returns the child instance name, or "" for local refs.
func (r Ref) Container() string {
	c, _ := r.Split()
	return c
}

// Name returns the local name of the referenced variable.
func (r Ref) Name() string {
	_, n := r.Split()
	return n
}
