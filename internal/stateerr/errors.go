// Package stateerr defines the error taxonomy shared by every layer of the
// state engine.
//
// All failures are returned to the immediate caller as *Error values carrying
// a Code. Callers match on the code with errors.Is against the sentinels
// (ErrConflict, ErrNotFound, ...) or with the Is* helpers, both of which see
// through fmt.Errorf("%w") wrapping.
package stateerr

import (
	"errors"
	"fmt"
)

// Code categorizes engine errors.
type Code string

const (
	// CodeNotFound indicates an unknown hash, commit or context.
	CodeNotFound Code = "NOT_FOUND"

	// CodeInvalidParent indicates a commit request naming an unknown parent.
	CodeInvalidParent Code = "INVALID_PARENT"

	// CodeConflict indicates the optimistic head swap lost a race.
	CodeConflict Code = "CONFLICT"

	// CodePermissionDenied indicates a boundary crossing the policy forbids.
	CodePermissionDenied Code = "PERMISSION_DENIED"

	// CodeIntegrity indicates a signature or content digest that does not verify.
	CodeIntegrity Code = "INTEGRITY"

	// CodeDecryption indicates a sealed payload that could not be opened.
	CodeDecryption Code = "DECRYPTION"

	// CodeCorrupt indicates stored bytes whose digest does not match their key.
	// A store that reports it is unusable for the rest of its lifetime.
	CodeCorrupt Code = "CORRUPT"
)

// Sentinels for errors.Is matching. Only the Code is compared.
var (
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrInvalidParent    = &Error{Code: CodeInvalidParent}
	ErrConflict         = &Error{Code: CodeConflict}
	ErrPermissionDenied = &Error{Code: CodePermissionDenied}
	ErrIntegrity        = &Error{Code: CodeIntegrity}
	ErrDecryption       = &Error{Code: CodeDecryption}
	ErrCorrupt          = &Error{Code: CodeCorrupt}
)

// Error is a typed engine failure.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the operation that failed ("object.get", "engine.apply", ...).
	Op string

	// Context is the context id involved, if any.
	Context string

	// Hash is the node or commit hash involved, if any.
	Hash string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Context != "" && e.Hash != "" {
		msg += fmt.Sprintf(" (context=%s, hash=%s)", e.Context, e.Hash)
	} else if e.Context != "" {
		msg += fmt.Sprintf(" (context=%s)", e.Context)
	} else if e.Hash != "" {
		msg += fmt.Sprintf(" (hash=%s)", e.Hash)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an Error with a formatted message.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around an underlying cause.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// NotFound creates a NOT_FOUND error for a hash.
func NotFound(op, hash string) *Error {
	return &Error{Code: CodeNotFound, Op: op, Hash: hash, Message: "no such object"}
}

// Conflict creates a CONFLICT error for a context whose head moved.
func Conflict(op, contextID, expected, actual string) *Error {
	return &Error{
		Code:    CodeConflict,
		Op:      op,
		Context: contextID,
		Message: fmt.Sprintf("head moved from %s to %s", displayHash(expected), displayHash(actual)),
	}
}

// PermissionDenied creates a PERMISSION_DENIED error.
func PermissionDenied(op, contextID, format string, args ...any) *Error {
	return &Error{Code: CodePermissionDenied, Op: op, Context: contextID, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the Code carried by err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidParent reports whether err carries CodeInvalidParent.
func IsInvalidParent(err error) bool { return errors.Is(err, ErrInvalidParent) }

// IsConflict reports whether err carries CodeConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsPermissionDenied reports whether err carries CodePermissionDenied.
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }

// IsIntegrity reports whether err carries CodeIntegrity.
func IsIntegrity(err error) bool { return errors.Is(err, ErrIntegrity) }

// IsDecryption reports whether err carries CodeDecryption.
func IsDecryption(err error) bool { return errors.Is(err, ErrDecryption) }

// IsCorrupt reports whether err carries CodeCorrupt.
func IsCorrupt(err error) bool { return errors.Is(err, ErrCorrupt) }

func displayHash(h string) string {
	if h == "" {
		return "<none>"
	}
	return h
}
