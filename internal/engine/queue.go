package engine

import (
	"container/heap"
	"sync"

	"github.com/roach88/lockstep/internal/graph"
)

// Event is a pending trigger occurrence. Exactly one of Trigger or
// Port is set: action, timer, and delayed-connection events carry a
// trigger; messages arriving over the wire target an input port slot
// directly. The event owns one reference on its token until it is
// popped or dropped.
type Event struct {
	Tag     Tag
	Trigger graph.TriggerID
	Port    graph.PortID
	Token   TokenID

	// Intended is the tag the sender meant this event to have. It
	// trails Tag only for messages that arrived too late under
	// decentralized coordination; otherwise it equals Tag.
	Intended Tag

	seq uint64
	pos int
}

type eventKey struct {
	trigger graph.TriggerID
	port    graph.PortID
	tag     Tag
}

type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if c := h[i].Tag.Compare(h[j].Tag); c != 0 {
		return c < 0
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*Event)
	ev.pos = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ev
}

// eventQueue holds pending events ordered by tag. At most one event
// exists per (target, tag); a second insertion for the same target and
// tag swaps the payload instead of queueing a duplicate.
//
// A buffered signal channel wakes the run loop when the earliest tag
// may have changed. Receivers must re-check state after waking.
type eventQueue struct {
	mu     sync.Mutex
	heap   eventHeap
	index  map[eventKey]*Event
	seq    uint64
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		index:  make(map[eventKey]*Event),
		signal: make(chan struct{}, 1),
	}
}

// Signal returns the wake channel. It carries at most one pending
// notification; a receive means the queue changed since the last look.
func (q *eventQueue) Signal() <-chan struct{} {
	return q.signal
}

func (q *eventQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Push inserts ev, coalescing with an existing event for the same
// target and tag. When coalescing, the displaced token is returned so
// the caller can release it; otherwise NoToken. The returned sequence
// number identifies the pending event for later SwapToken calls.
func (q *eventQueue) Push(ev *Event) (seq uint64, displaced TokenID, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, NoToken, NewQueueClosedError("")
	}

	key := eventKey{trigger: ev.Trigger, port: ev.Port, tag: ev.Tag}
	if prior, ok := q.index[key]; ok {
		displaced = prior.Token
		prior.Token = ev.Token
		prior.Intended = ev.Intended
		return prior.seq, displaced, nil
	}

	q.seq++
	ev.seq = q.seq
	heap.Push(&q.heap, ev)
	q.index[key] = ev
	q.notify()
	return ev.seq, NoToken, nil
}

// Notify pulses the signal channel without a queue change. The run
// loop shares the channel for every condition it sleeps on, so other
// state transitions (stop tags, barriers) wake it the same way.
func (q *eventQueue) Notify() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify()
}

// NextTag returns the earliest pending tag.
func (q *eventQueue) NextTag() (Tag, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return Tag{}, false
	}
	return q.heap[0].Tag, true
}

// PopTag removes and returns every event whose tag equals tag.
func (q *eventQueue) PopTag(tag Tag) []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*Event
	for len(q.heap) > 0 && q.heap[0].Tag == tag {
		ev := heap.Pop(&q.heap).(*Event)
		delete(q.index, eventKey{trigger: ev.Trigger, port: ev.Port, tag: ev.Tag})
		batch = append(batch, ev)
	}
	return batch
}

// SwapToken replaces the token of a still-pending event identified by
// target, tag, and insertion sequence. Returns the displaced token and
// true when the event was found; the caller releases the displaced
// token. A false return means the event was already processed.
func (q *eventQueue) SwapToken(trigger graph.TriggerID, tag Tag, seq uint64, token TokenID) (TokenID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ev, ok := q.index[eventKey{trigger: trigger, port: graph.None, tag: tag}]
	if !ok || ev.seq != seq {
		return NoToken, false
	}
	displaced := ev.Token
	ev.Token = token
	return displaced, true
}

// Len returns the number of pending events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Close rejects further pushes and returns the tokens of all pending
// events so the caller can release them.
func (q *eventQueue) Close() []TokenID {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	var tokens []TokenID
	for _, ev := range q.heap {
		if ev.Token != NoToken {
			tokens = append(tokens, ev.Token)
		}
	}
	q.heap = nil
	q.index = nil
	q.notify()
	return tokens
}
