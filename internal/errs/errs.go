// Package errs defines the error taxonomy shared by the log and
// metadata stores: a small set of kinds a caller can switch on instead
// of matching error strings.
package errs

import "fmt"

// Kind categorizes a failure the way a Raft log/metadata caller needs
// to react to it: recoverable (NotFound, OutOfRange), a rollover signal
// (SegmentFull), or fatal for the affected object (Corruption, Io).
type Kind int

const (
	// KindNotOpen is returned when an operation is attempted on a
	// segment or metadata store that hasn't been opened yet.
	KindNotOpen Kind = iota
	// KindNotFound is returned when a requested index has no entry.
	KindNotFound
	// KindOutOfRange is returned when an index falls outside the
	// addressable range of a segment or the whole log.
	KindOutOfRange
	// KindSegmentFull signals the log manager to roll to a new
	// segment; it is never surfaced past the log manager.
	KindSegmentFull
	// KindCorruption marks a framing/magic mismatch; fatal for the
	// affected segment or metadata file.
	KindCorruption
	// KindIo wraps an underlying filesystem error at create/map time.
	KindIo
	// KindInvalidArgument marks a caller error, such as a
	// non-contiguous append index.
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindNotOpen:
		return "not_open"
	case KindNotFound:
		return "not_found"
	case KindOutOfRange:
		return "out_of_range"
	case KindSegmentFull:
		return "segment_full"
	case KindCorruption:
		return "corruption"
	case KindIo:
		return "io"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across the log and
// metadata packages. It carries a Kind so callers can branch on cause
// without parsing messages, and an optional wrapped cause for Io and
// Corruption failures.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind, message string) *Error {
	return &Error{Op: op, Kind: kind, Message: message}
}

// Wrap builds an *Error around an existing cause.
func Wrap(op string, kind Kind, message string, cause error) *Error {
	return &Error{Op: op, Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}
