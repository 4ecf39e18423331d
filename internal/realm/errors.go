package realm

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes realm errors.
type ErrorKind string

const (
	// KindInvalidState indicates the operation is illegal in the handle's current state.
	KindInvalidState ErrorKind = "INVALID_STATE"

	// KindIllegalArgument indicates a bad name, index or parameter.
	KindIllegalArgument ErrorKind = "ILLEGAL_ARGUMENT"

	// KindNameInUse indicates a schema object name collision.
	// Reported as an illegal argument at the boundary.
	KindNameInUse ErrorKind = "NAME_IN_USE"

	// KindSchemaMismatch indicates a migration is required but was not resolved.
	KindSchemaMismatch ErrorKind = "SCHEMA_MISMATCH"

	// KindInvalidSchemaVersion indicates the requested schema version is incompatible.
	KindInvalidSchemaVersion ErrorKind = "INVALID_SCHEMA_VERSION"

	// KindIoError indicates a file or OS failure.
	KindIoError ErrorKind = "IO_ERROR"

	// KindOutOfMemory indicates an allocation failure at the boundary.
	KindOutOfMemory ErrorKind = "OUT_OF_MEMORY"

	// KindUnexpected is the catch-all.
	KindUnexpected ErrorKind = "UNEXPECTED"
)

// Sentinels for migration and initialization callbacks. A callback returning an
// error that wraps one of these makes Open fail with the matching kind.
var (
	ErrSchemaMismatch       = errors.New("schema mismatch")
	ErrInvalidSchemaVersion = errors.New("invalid schema version")
)

// Error is the error type returned by realm operations.
type Error struct {
	// Kind identifies the error category.
	Kind ErrorKind

	// Message is the user-facing description.
	Message string

	// Path is the realm file, set for open-time failures.
	Path string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil && e.Err.Error() != e.Message {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a realm error, or KindUnexpected for any other error.
// Uses errors.As to handle wrapped errors.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnexpected
}

// IsInvalidState returns true if err is an invalid-state error.
func IsInvalidState(err error) bool { return isKind(err, KindInvalidState) }

// IsIllegalArgument returns true if err is an illegal-argument error.
// Name collisions count as illegal arguments.
func IsIllegalArgument(err error) bool {
	return isKind(err, KindIllegalArgument) || isKind(err, KindNameInUse)
}

// IsNameInUse returns true if err is a name collision.
func IsNameInUse(err error) bool { return isKind(err, KindNameInUse) }

// IsSchemaMismatch returns true if err reports a required migration.
func IsSchemaMismatch(err error) bool { return isKind(err, KindSchemaMismatch) }

// IsInvalidSchemaVersion returns true if err reports an incompatible schema version.
func IsInvalidSchemaVersion(err error) bool { return isKind(err, KindInvalidSchemaVersion) }

// IsIoError returns true if err is a file or OS failure.
func IsIoError(err error) bool { return isKind(err, KindIoError) }

func isKind(err error, kind ErrorKind) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: formatMessage(format, args...)}
}

func formatMessage(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

func invalidState(format string, args ...any) *Error {
	return newError(KindInvalidState, format, args...)
}

func illegalArgument(format string, args ...any) *Error {
	return newError(KindIllegalArgument, format, args...)
}

func ioError(err error, format string, args ...any) *Error {
	e := newError(KindIoError, format, args...)
	e.Err = err
	return e
}

// classifyCallbackError maps a migration or initialization callback failure
// onto the open error taxonomy. Exactly one classification happens: an error
// that already is a realm error passes through untouched, and anything that
// does not wrap a sentinel is returned as-is.
func classifyCallbackError(path string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	switch {
	case errors.Is(err, ErrSchemaMismatch):
		return &Error{Kind: KindSchemaMismatch, Message: err.Error(), Path: path, Err: err}
	case errors.Is(err, ErrInvalidSchemaVersion):
		return &Error{Kind: KindInvalidSchemaVersion, Message: err.Error(), Err: err}
	default:
		return err
	}
}
