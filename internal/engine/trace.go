package engine

// TraceKind labels one trace record.
type TraceKind uint8

const (
	TraceTagBegin TraceKind = iota + 1
	TraceTagComplete
	TraceReactionStart
	TraceReactionEnd
	TraceScheduled
	TracePortWrite
	TraceDeadlineMiss
	TraceTardy
)

func (k TraceKind) String() string {
	switch k {
	case TraceTagBegin:
		return "tag_begin"
	case TraceTagComplete:
		return "tag_complete"
	case TraceReactionStart:
		return "reaction_start"
	case TraceReactionEnd:
		return "reaction_end"
	case TraceScheduled:
		return "scheduled"
	case TracePortWrite:
		return "port_write"
	case TraceDeadlineMiss:
		return "deadline_miss"
	case TraceTardy:
		return "tardy"
	}
	return "unknown"
}

// Tracer receives execution records as they happen. Record is called
// from worker goroutines and the run loop concurrently; implementations
// synchronize internally and must not block on the engine.
//
// Object identifies a reaction, trigger, or port depending on Kind;
// -1 when the record has no object. Worker is -1 for run-loop records.
type Tracer interface {
	Record(kind TraceKind, object int32, tag Tag, physical int64, worker int)
}

// trace emits a record when a tracer is attached.
func (e *Engine) trace(kind TraceKind, object int32, tag Tag, worker int) {
	if e.tracer == nil {
		return
	}
	e.tracer.Record(kind, object, tag, e.clock.Now(), worker)
}
