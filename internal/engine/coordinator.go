package engine

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/lockstep/internal/graph"
	"github.com/roach88/lockstep/internal/ir"
)

// ErrTagSuperseded is returned by Coordinator.NextEventTag when the
// engine's earliest pending event changed while the request was
// blocked. The run loop re-evaluates and asks again.
var ErrTagSuperseded = errors.New("tag request superseded")

// Grant is a coordinator's permission to advance logical time.
type Grant struct {
	// Tag is the latest tag the engine may advance through.
	Tag Tag

	// Provisional means the engine may begin Tag but must not assume
	// network input ports are absent at it; each port resolves through
	// a message, an absent notice, or a later full grant.
	Provisional bool
}

// Coordinator mediates logical time advancement against the rest of a
// federation. A nil Coordinator means standalone execution: the engine
// owns time and advances at will.
//
// The engine calls these methods from its run loop, one at a time.
// Implementations deliver inbound traffic concurrently through the
// engine's network surface (ScheduleNetwork, SetPortStatus, barriers).
type Coordinator interface {
	// Start blocks until the federation agrees on a start time and
	// returns it as a physical timestamp in nanoseconds.
	Start(ctx context.Context) (int64, error)

	// NextEventTag announces the engine's earliest pending work and
	// blocks until advancing to it is safe. physicalBound marks a
	// request bounded only by physical actions rather than a pending
	// event. changed fires when the earliest pending event moved;
	// implementations return ErrTagSuperseded so the engine can
	// re-evaluate.
	NextEventTag(ctx context.Context, want Tag, physicalBound bool, changed <-chan struct{}) (Grant, error)

	// LogicalTagComplete reports that every reaction at tag finished
	// and its outputs were sent.
	LogicalTagComplete(tag Tag) error

	// RequestStop negotiates a federation-wide stop tag, blocking
	// until it is granted.
	RequestStop(current Tag) (Tag, error)

	// Shutdown releases coordinator resources after the run loop
	// terminates.
	Shutdown() error
}

// OutputFunc carries a value written to a network-bound output port.
// Called synchronously at write time, outside the engine lock, in
// write order.
type OutputFunc func(tag Tag, value ir.Value) error

// NetworkInput registers an input port fed by another federate rather
// than a local connection.
type NetworkInput struct {
	// Port is the destination channel.
	Port graph.PortID

	// STP is the safe-to-process offset: once physical time passes
	// tag.Time+STP the port counts as absent at that tag. Only
	// meaningful when Expires is true.
	STP time.Duration

	// Expires enables the physical-time fallback. Centralized
	// coordination leaves it false; port status then resolves only
	// through messages, absent notices, and grants.
	Expires bool
}
