package engine

import (
	"fmt"
	"sync"

	"github.com/roach88/lockstep/internal/ir"
)

// TokenID is a handle into the engine's token arena. Payload values
// are never passed around directly; events, port slots, and pending
// schedules hold handles, and the arena reference-counts the backing
// value so it is reclaimed exactly once.
type TokenID int32

// NoToken marks the absence of a payload.
const NoToken TokenID = -1

type tokenSlot struct {
	value ir.Value
	refs  int32
}

// tokenArena allocates payload tokens out of a growable slot table
// with a free list, so steady-state execution reuses slots instead of
// allocating.
type tokenArena struct {
	mu    sync.Mutex
	slots []tokenSlot
	free  []TokenID
	live  int
}

func newTokenArena() *tokenArena {
	return &tokenArena{}
}

// Alloc stores value and returns a handle holding one reference.
func (a *tokenArena) Alloc(value ir.Value) TokenID {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id TokenID
	if n := len(a.free); n > 0 {
		id = a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[id] = tokenSlot{value: value, refs: 1}
	} else {
		id = TokenID(len(a.slots))
		a.slots = append(a.slots, tokenSlot{value: value, refs: 1})
	}
	a.live++
	return id
}

// Retain adds n references to the token. NoToken is ignored.
func (a *tokenArena) Retain(id TokenID, n int32) {
	if id == NoToken || n == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots[id].refs += n
}

// Release drops one reference. When the count reaches zero the slot is
// cleared and returned to the free list. Dropping below zero reports
// TOKEN_UNDERFLOW.
func (a *tokenArena) Release(id TokenID) error {
	if id == NoToken {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	slot := &a.slots[id]
	slot.refs--
	switch {
	case slot.refs > 0:
		return nil
	case slot.refs == 0:
		slot.value = nil
		a.free = append(a.free, id)
		a.live--
		return nil
	default:
		return &RuntimeError{
			Code:    ErrCodeTokenUnderflow,
			Message: fmt.Sprintf("token %d released more times than retained", id),
		}
	}
}

// Value returns the payload behind id, or nil for NoToken.
func (a *tokenArena) Value(id TokenID) ir.Value {
	if id == NoToken {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots[id].value
}

// Live returns the number of tokens currently holding references.
func (a *tokenArena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
