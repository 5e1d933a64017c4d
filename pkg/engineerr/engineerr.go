// Package engineerr defines the closed error taxonomy of the engine
// (spec.md §7). pkg/buffer, pkg/window, pkg/join, pkg/engine and pkg/query
// report their errors as these variants, constructed with a message and an
// optional wrapped cause, or as the sentinels below; a few paths (for
// example ExecutablePipeline.Setup and Stop) wrap a cause with fmt.Errorf
// instead.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error into the taxonomy of spec.md §7.
type Kind int

const (
	// KindBufferPoolExhausted: recoverable at the call site when a timeout
	// was used; otherwise propagates as a pipeline failure.
	KindBufferPoolExhausted Kind = iota
	// KindLateRecord: a record arrived with ts < lastWatermark. Not fatal;
	// dropped by default unless allowed lateness covers it.
	KindLateRecord
	// KindInvariantViolation: double-release, non-monotonic watermark,
	// impossible slice assignment. Fatal — transitions the query to ErrorState.
	KindInvariantViolation
	// KindUserStageError: a pipeline stage returned Error.
	KindUserStageError
	// KindConfigError: detected at setup only.
	KindConfigError
	// KindIoError: from sources/sinks.
	KindIoError
)

func (k Kind) String() string {
	switch k {
	case KindBufferPoolExhausted:
		return "BufferPoolExhausted"
	case KindLateRecord:
		return "LateRecord"
	case KindInvariantViolation:
		return "InvariantViolation"
	case KindUserStageError:
		return "UserStageError"
	case KindConfigError:
		return "ConfigError"
	case KindIoError:
		return "IoError"
	default:
		return "Unknown"
	}
}

// Error is the engine's single error type, tagged with a Kind so callers can
// branch on category with errors.As without string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Kind == kind
}

// Fatal reports whether errors of this kind transition the owning query to
// ErrorState (spec.md §7): InvariantViolation, UserStageError and IoError
// are fatal; ConfigError prevents the plan from ever starting; the rest are
// recoverable at the point of use.
func (k Kind) Fatal() bool {
	switch k {
	case KindInvariantViolation, KindUserStageError, KindIoError:
		return true
	default:
		return false
	}
}

// Sentinel errors for conditions that don't carry a dynamic message.
var (
	// ErrNotImplemented is returned for an aggregation function outside the
	// closed {Sum,Count,Min,Max,Avg} enum (spec.md §9 Open Question).
	ErrNotImplemented = errors.New("engine: not implemented")

	// ErrChildLimitExceeded is returned by BufferManager.AttachChild when the
	// child index would exceed the 32-bit index space (spec.md §4.1).
	ErrChildLimitExceeded = errors.New("engine: buffer child limit exceeded")

	// ErrChildIndexOutOfRange is returned by BufferManager.LoadChild for an
	// index that does not address an existing child (spec.md §4.1).
	ErrChildIndexOutOfRange = errors.New("engine: buffer child index out of range")

	// ErrDoubleRelease is returned when a TupleBuffer handle is released more
	// than once (spec.md §3 invariant).
	ErrDoubleRelease = errors.New("engine: buffer double release")

	// ErrTimeout names a buffer acquisition that timed out. Nothing in this
	// module returns it: BufferManager.GetBufferTimeout reports expiry
	// through its ok result instead.
	ErrTimeout = errors.New("engine: buffer acquisition timed out")
)
