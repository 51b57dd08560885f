package fed

import (
	"errors"
	"fmt"
)

// ProtocolError represents a failure on the relay link: a handshake
// rejection, an out-of-protocol frame, or a lost connection.
type ProtocolError struct {
	// Code identifies the error category.
	Code ProtocolErrorCode

	// Message is a human-readable description.
	Message string

	// Federate is the peer involved, -1 when unknown.
	Federate int
}

// ProtocolErrorCode categorizes protocol errors.
type ProtocolErrorCode string

const (
	// ErrCodeRejectedFederationID: the federation identifier in the join
	// request does not match the relay's.
	ErrCodeRejectedFederationID ProtocolErrorCode = "REJECTED_FEDERATION_ID"

	// ErrCodeRejectedIDInUse: another connection already claimed the
	// federate number.
	ErrCodeRejectedIDInUse ProtocolErrorCode = "REJECTED_FEDERATE_ID_IN_USE"

	// ErrCodeRejectedIDOutOfRange: the federate number is not in the
	// topology.
	ErrCodeRejectedIDOutOfRange ProtocolErrorCode = "REJECTED_FEDERATE_ID_OUT_OF_RANGE"

	// ErrCodeRejectedUnexpected: the first frame of a connection was not
	// a join request.
	ErrCodeRejectedUnexpected ProtocolErrorCode = "REJECTED_UNEXPECTED_MESSAGE"

	// ErrCodeRejectedWrongServer: the peer attempted to join something
	// other than a relay.
	ErrCodeRejectedWrongServer ProtocolErrorCode = "REJECTED_WRONG_SERVER"

	// ErrCodeConnectionLost: the relay link failed mid-run.
	ErrCodeConnectionLost ProtocolErrorCode = "CONNECTION_LOST"

	// ErrCodeHandshakeFailed: the join or start-time exchange did not
	// complete.
	ErrCodeHandshakeFailed ProtocolErrorCode = "HANDSHAKE_FAILED"

	// ErrCodeUnexpectedMessage: a frame arrived that the current
	// protocol phase cannot accept.
	ErrCodeUnexpectedMessage ProtocolErrorCode = "UNEXPECTED_MESSAGE"

	// ErrCodeMalformedMessage: a frame violated the wire format.
	ErrCodeMalformedMessage ProtocolErrorCode = "MALFORMED_MESSAGE"
)

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Federate >= 0 {
		return fmt.Sprintf("%s: %s (federate %d)", e.Code, e.Message, e.Federate)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsProtocolError extracts a ProtocolError from err, if present.
func IsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// rejectionError maps a wire rejection reason to the error the joining
// side surfaces.
func rejectionError(reason byte) *ProtocolError {
	switch reason {
	case rejectFederationIDMismatch:
		return &ProtocolError{Code: ErrCodeRejectedFederationID, Message: "federation id does not match", Federate: -1}
	case rejectFederateIDInUse:
		return &ProtocolError{Code: ErrCodeRejectedIDInUse, Message: "federate id already joined", Federate: -1}
	case rejectFederateIDOutOfRange:
		return &ProtocolError{Code: ErrCodeRejectedIDOutOfRange, Message: "federate id not in topology", Federate: -1}
	case rejectUnexpectedMessage:
		return &ProtocolError{Code: ErrCodeRejectedUnexpected, Message: "join request expected", Federate: -1}
	case rejectWrongServer:
		return &ProtocolError{Code: ErrCodeRejectedWrongServer, Message: "peer is not a relay", Federate: -1}
	}
	return &ProtocolError{Code: ErrCodeHandshakeFailed, Message: fmt.Sprintf("rejected with unknown reason %d", reason), Federate: -1}
}

// ConfigError represents an invalid federation topology file.
type ConfigError struct {
	// Field locates the offending entry, dotted-path style
	// ("links[2].from").
	Field string

	// Message describes what is wrong.
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "topology: " + e.Message
	}
	return fmt.Sprintf("topology: %s: %s", e.Field, e.Message)
}

// IsConfigError extracts a ConfigError from err, if present.
func IsConfigError(err error) (*ConfigError, bool) {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
