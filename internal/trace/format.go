package trace

import (
	"github.com/roach88/lockstep/internal/engine"
	"github.com/roach88/lockstep/internal/graph"
)

// File layout, all integers little-endian:
//
//	magic    [4]byte "LSTR"
//	version  uint16
//	start    int64            physical origin of logical time
//	hash     string           program hash (uvarint length + bytes)
//	program  string           program name
//	objects  uint32 count, then per object:
//	    space uint8
//	    id    int32
//	    name  string
//	records  until EOF, each:
//	    kind      uint8
//	    object    int32
//	    time      int64
//	    microstep uint32
//	    physical  int64
//	    worker    int32

const (
	// Version is bumped on any layout change.
	Version uint16 = 1

	recordSize = 1 + 4 + 8 + 4 + 8 + 4
)

var magic = [4]byte{'L', 'S', 'T', 'R'}

// ObjectSpace says which handle arena an object id indexes. Trace
// records reuse the engine's handles, which are only unique within
// their own arena.
type ObjectSpace uint8

const (
	SpaceNone ObjectSpace = iota
	SpaceReaction
	SpaceTrigger
	SpacePort
)

// SpaceOf maps a record kind to the arena its object id lives in.
func SpaceOf(kind engine.TraceKind) ObjectSpace {
	switch kind {
	case engine.TraceReactionStart, engine.TraceReactionEnd,
		engine.TraceDeadlineMiss, engine.TraceTardy:
		return SpaceReaction
	case engine.TraceScheduled:
		return SpaceTrigger
	case engine.TracePortWrite:
		return SpacePort
	}
	return SpaceNone
}

// Object names one engine handle in the log's object table.
type Object struct {
	Space ObjectSpace
	ID    int32
	Name  string
}

// Record is one decoded log entry.
type Record struct {
	Kind     engine.TraceKind
	Object   int32
	Tag      engine.Tag
	Physical int64
	Worker   int32
}

// Objects builds the object table for an assembly: every reaction,
// trigger, and port, under the same handles the engine traces with.
func Objects(asm *graph.Assembly) []Object {
	out := make([]Object, 0, len(asm.Reactions)+len(asm.Triggers)+len(asm.Ports))
	for i := range asm.Reactions {
		out = append(out, Object{SpaceReaction, int32(i), asm.Reactions[i].FullName})
	}
	for i := range asm.Triggers {
		out = append(out, Object{SpaceTrigger, int32(i), asm.Triggers[i].FullName})
	}
	for i := range asm.Ports {
		out = append(out, Object{SpacePort, int32(i), asm.PortName(graph.PortID(i))})
	}
	return out
}
