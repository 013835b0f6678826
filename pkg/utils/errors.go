// Package utils provides shared utility helpers used across syncshell-mesh.
package utils

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Kind classifies an error the way callers across the mesh need to branch on,
// rather than matching on error strings. See spec §7.
type Kind int

const (
	// KindInvalidInput covers malformed input the caller supplied directly.
	KindInvalidInput Kind = iota
	// KindInvalidSignature covers verification failures on signed records.
	KindInvalidSignature
	// KindDuplicate covers attempted-duplicate creation or messages already seen.
	KindDuplicate
	// KindTransient covers I/O or backend failures that should be retried or
	// silently degraded, never treated as fatal.
	KindTransient
	// KindConflict covers an operation that is safely refused because of
	// concurrent state (e.g. channel replacement while still live).
	KindConflict
	// KindStorageCorruption covers a referenced hash missing its blob.
	KindStorageCorruption
	// KindFatal covers failures that are caller-visible but do not crash the process.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindDuplicate:
		return "duplicate"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindStorageCorruption:
		return "storage_corruption"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a machine-readable error carrying a Kind plus a short description,
// per spec §7 ("User-visible failures carry a machine-readable kind plus a
// short description").
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a Kind-tagged error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrapf constructs a Kind-tagged error that wraps an underlying cause.
func Wrapf(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
		return e.Kind == kind
	}
	return false
}
