package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected during engine execution.
//
// Runtime errors include:
//   - Tag regression: an event would be scheduled before the current tag
//   - Queue closed: a schedule call arrived after shutdown completed
//   - Token underflow: a payload token released more times than retained
//   - Body unbound: a reaction names a body with no registered implementation
//   - Invalid config: engine options that cannot produce a runnable engine
//
// RuntimeError includes structured fields for diagnostics and recovery.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Site names the reactor, reaction, or action involved, when known.
	Site string

	// Tag is the logical tag at which the error surfaced, when meaningful.
	Tag Tag

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeTagRegression indicates an event bound for a tag at or before
	// the tag already being processed.
	ErrCodeTagRegression RuntimeErrorCode = "TAG_REGRESSION"

	// ErrCodeQueueClosed indicates a schedule call after the engine stopped.
	ErrCodeQueueClosed RuntimeErrorCode = "QUEUE_CLOSED"

	// ErrCodeTokenUnderflow indicates a token reference count went negative.
	ErrCodeTokenUnderflow RuntimeErrorCode = "TOKEN_UNDERFLOW"

	// ErrCodeBodyUnbound indicates a reaction body with no implementation.
	ErrCodeBodyUnbound RuntimeErrorCode = "BODY_UNBOUND"

	// ErrCodeInvalidConfig indicates engine options that cannot run.
	ErrCodeInvalidConfig RuntimeErrorCode = "INVALID_CONFIG"

	// ErrCodeTypeMismatch indicates a value whose type does not match
	// the port or action it was written to.
	ErrCodeTypeMismatch RuntimeErrorCode = "TYPE_MISMATCH"

	// ErrCodeUndeclaredRef indicates a body touching a variable its
	// reaction never declared.
	ErrCodeUndeclaredRef RuntimeErrorCode = "UNDECLARED_REFERENCE"

	// ErrCodeCoordination indicates the coordinator failed while the engine
	// was waiting for a tag grant.
	ErrCodeCoordination RuntimeErrorCode = "COORDINATION"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Site != "" {
		return fmt.Sprintf("%s: %s (at %s)", e.Code, e.Message, e.Site)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsQueueClosed returns true if the error is a queue closed error.
// Uses errors.As to handle wrapped errors.
func IsQueueClosed(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeQueueClosed
	}
	return false
}

// IsTagRegression returns true if the error is a tag regression error.
func IsTagRegression(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeTagRegression
	}
	return false
}

// IsRuntimeError extracts a RuntimeError from err, if present.
func IsRuntimeError(err error) (*RuntimeError, bool) {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// NewQueueClosedError creates a RuntimeError for schedules after shutdown.
func NewQueueClosedError(site string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeQueueClosed,
		Message: "engine stopped, event rejected",
		Site:    site,
	}
}

// NewTagRegressionError creates a RuntimeError for an event behind the clock.
func NewTagRegressionError(site string, want, current Tag) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeTagRegression,
		Message: fmt.Sprintf("event tag %s not after current tag %s", want, current),
		Site:    site,
		Tag:     want,
	}
}

// NewBodyUnboundError creates a RuntimeError for a missing reaction body.
func NewBodyUnboundError(site, body string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeBodyUnbound,
		Message: fmt.Sprintf("no implementation registered for body %q", body),
		Site:    site,
	}
}
