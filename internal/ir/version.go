package ir

// Version constants for the IR schema and the runtime.
const (
	// IRVersion is the IR schema version.
	IRVersion = "1"

	// RuntimeVersion is the lockstep runtime version.
	RuntimeVersion = "0.1.0"
)
