package engine

import "sync"

// tagBarrier is a counted set of tags the engine must not advance
// past. A raised barrier at B blocks completing any tag at or after B
// and selecting any tag after B; starting B itself stays legal so an
// in-flight message for B can still land mid-tag.
//
// Raisers are the network reader (a message header read but not its
// payload) and the stop protocol (a stop request in flight).
type tagBarrier struct {
	mu      sync.Mutex
	entries map[Tag]int
}

func newTagBarrier() *tagBarrier {
	return &tagBarrier{entries: make(map[Tag]int)}
}

// Raise blocks advancement past tag until a matching Lower.
func (b *tagBarrier) Raise(tag Tag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[tag]++
}

// Lower releases one Raise at tag.
func (b *tagBarrier) Lower(tag Tag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.entries[tag]
	switch {
	case n <= 1:
		delete(b.entries, tag)
	default:
		b.entries[tag] = n - 1
	}
}

// Min returns the earliest raised tag.
func (b *tagBarrier) Min() (Tag, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return Tag{}, false
	}
	var min Tag
	first := true
	for t := range b.entries {
		if first || t.Before(min) {
			min = t
			first = false
		}
	}
	return min, true
}

// clearsCompletion reports whether a tag may complete: no barrier is
// raised at or before it.
func (b *tagBarrier) clearsCompletion(tag Tag) bool {
	min, ok := b.Min()
	return !ok || min.After(tag)
}

// clearsSelection reports whether a tag may be selected: no barrier is
// raised strictly before it.
func (b *tagBarrier) clearsSelection(tag Tag) bool {
	min, ok := b.Min()
	return !ok || !min.Before(tag)
}
