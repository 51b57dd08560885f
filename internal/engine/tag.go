package engine

import (
	"fmt"
	"math"
	"time"
)

// Tag is a point in superdense logical time: a time instant in
// nanoseconds paired with a microstep. Microsteps order zero-delay
// chained events at one instant, guaranteeing progress without
// advancing the clock.
type Tag struct {
	Time      int64  `json:"time"`
	Microstep uint32 `json:"microstep"`
}

// Sentinels. NeverTag precedes every reachable tag; ForeverTag follows
// every reachable tag.
var (
	NeverTag   = Tag{Time: math.MinInt64}
	ForeverTag = Tag{Time: math.MaxInt64, Microstep: math.MaxUint32}
)

// Compare orders tags by time, then microstep.
func (t Tag) Compare(o Tag) int {
	switch {
	case t.Time < o.Time:
		return -1
	case t.Time > o.Time:
		return 1
	case t.Microstep < o.Microstep:
		return -1
	case t.Microstep > o.Microstep:
		return 1
	}
	return 0
}

// Before reports t < o.
func (t Tag) Before(o Tag) bool { return t.Compare(o) < 0 }

// After reports t > o.
func (t Tag) After(o Tag) bool { return t.Compare(o) > 0 }

// MinTag returns the earlier of two tags.
func MinTag(a, b Tag) Tag {
	if a.Before(b) {
		return a
	}
	return b
}

// MaxTag returns the later of two tags.
func MaxTag(a, b Tag) Tag {
	if a.After(b) {
		return a
	}
	return b
}

// Delay advances a tag by a logical delay. A zero delay advances the
// microstep only; a positive delay moves time forward and resets the
// microstep.
func (t Tag) Delay(d time.Duration) Tag {
	if d == 0 {
		return Tag{Time: t.Time, Microstep: t.Microstep + 1}
	}
	return Tag{Time: t.Time + int64(d)}
}

// Next returns the immediately following tag.
func (t Tag) Next() Tag {
	return Tag{Time: t.Time, Microstep: t.Microstep + 1}
}

func (t Tag) String() string {
	switch t {
	case NeverTag:
		return "(never)"
	case ForeverTag:
		return "(forever)"
	}
	return fmt.Sprintf("(%d, %d)", t.Time, t.Microstep)
}
