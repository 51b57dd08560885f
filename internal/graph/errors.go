package graph

import (
	"errors"
	"fmt"
	"strings"
)

// BuildErrorCode identifies the category of a build failure.
type BuildErrorCode string

// Build error codes. All of them are fatal configuration errors
// reported before any execution begins.
const (
	CodeCycleDetected    BuildErrorCode = "CYCLE_DETECTED"
	CodeUnknownClass     BuildErrorCode = "UNKNOWN_CLASS"
	CodeUndeclaredRef    BuildErrorCode = "UNDECLARED_REFERENCE"
	CodeTypeMismatch     BuildErrorCode = "TYPE_MISMATCH"
	CodeWidthMismatch    BuildErrorCode = "WIDTH_MISMATCH"
	CodeDuplicateName    BuildErrorCode = "DUPLICATE_NAME"
	CodeNoMain           BuildErrorCode = "NO_MAIN"
	CodeInvalidDecl      BuildErrorCode = "INVALID_DECLARATION"
	CodeMultipleWriters  BuildErrorCode = "MULTIPLE_WRITERS"
	CodeLevelOverflow    BuildErrorCode = "LEVEL_OVERFLOW"
)

// BuildError is a fatal error in the program structure. Site carries
// the offending reactor/reaction/port identity so diagnostics can point
// at the declaration; Cycle lists the members when Code is
// CYCLE_DETECTED.
type BuildError struct {
	Code    BuildErrorCode
	Site    string
	Message string
	Cycle   []string
}

func (e *BuildError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Code)
	if e.Site != "" {
		fmt.Fprintf(&b, " %s:", e.Site)
	}
	fmt.Fprintf(&b, " %s", e.Message)
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, " (cycle: %s)", strings.Join(e.Cycle, " -> "))
	}
	return b.String()
}

func newBuildError(code BuildErrorCode, site, format string, args ...any) *BuildError {
	return &BuildError{Code: code, Site: site, Message: fmt.Sprintf(format, args...)}
}

// IsCycleError reports whether err is a BuildError with CYCLE_DETECTED.
func IsCycleError(err error) bool {
	var be *BuildError
	return errors.As(err, &be) && be.Code == CodeCycleDetected
}

// IsBuildError reports whether err is any BuildError, returning it.
func IsBuildError(err error) (*BuildError, bool) {
	var be *BuildError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
