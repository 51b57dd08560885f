package harness

import (
	"sort"
	"sync"

	"github.com/roach88/lockstep/internal/engine"
	"github.com/roach88/lockstep/internal/graph"
	"github.com/roach88/lockstep/internal/trace"
)

// recorder collects engine trace records in memory. Record is called
// from worker goroutines concurrently; the raw append order is racy,
// so events canonicalizes before anything reads the trace.
type recorder struct {
	mu    sync.Mutex
	names map[objectKey]string
	recs  []rawRecord
}

type objectKey struct {
	space trace.ObjectSpace
	id    int32
}

type rawRecord struct {
	kind   engine.TraceKind
	object int32
	tag    engine.Tag
}

func newRecorder(asm *graph.Assembly) *recorder {
	names := make(map[objectKey]string)
	for _, o := range trace.Objects(asm) {
		names[objectKey{o.Space, o.ID}] = o.Name
	}
	return &recorder{names: names}
}

// Record implements engine.Tracer.
func (r *recorder) Record(kind engine.TraceKind, object int32, tag engine.Tag, physical int64, worker int) {
	r.mu.Lock()
	r.recs = append(r.recs, rawRecord{kind: kind, object: object, tag: tag})
	r.mu.Unlock()
}

// events returns the canonical trace: times rebased to elapsed
// logical time and records ordered by tag, kind rank, and object
// name. The multiset of records per tag is determined by the program,
// so the canonical order is identical across runs and worker counts.
func (r *recorder) events(start int64) []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TraceEvent, 0, len(r.recs))
	for _, rec := range r.recs {
		ev := TraceEvent{
			Kind:      rec.kind.String(),
			Time:      rec.tag.Time - start,
			Microstep: rec.tag.Microstep,
		}
		if rec.object >= 0 {
			ev.Object = r.names[objectKey{trace.SpaceOf(rec.kind), rec.object}]
		}
		out = append(out, ev)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		if a.Microstep != b.Microstep {
			return a.Microstep < b.Microstep
		}
		if ra, rb := kindRank(a.Kind), kindRank(b.Kind); ra != rb {
			return ra < rb
		}
		return a.Object < b.Object
	})
	for i := range out {
		out[i].Seq = i
	}
	return out
}

// kindRank orders record kinds within one tag the way execution
// proceeds: the tag opens, handler diversions are noted, reactions
// run and produce writes and schedules, the tag closes.
func kindRank(kind string) int {
	switch kind {
	case "tag_begin":
		return 0
	case "deadline_miss":
		return 1
	case "tardy":
		return 2
	case "reaction_start":
		return 3
	case "port_write":
		return 4
	case "scheduled":
		return 5
	case "reaction_end":
		return 6
	case "tag_complete":
		return 7
	}
	return 8
}
