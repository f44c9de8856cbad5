// Package errs defines the structured error taxonomy shared by every
// bounded context. Callers switch on Kind, never on the message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error categories surfaced to callers of the
// CQRS core.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindNotFound            Kind = "NotFound"
	KindConflict            Kind = "Conflict"
	KindConcurrencyConflict Kind = "ConcurrencyConflict"
	KindDuplicateEvent      Kind = "DuplicateEvent"
	KindStorageFailure      Kind = "StorageFailure"
	KindBusFailure          Kind = "BusFailure"
	KindUnauthorized        Kind = "Unauthorized"
	KindForbidden           Kind = "Forbidden"
	KindInternal            Kind = "Internal"
)

// Error is the typed error object returned to every command/query caller.
type Error struct {
	Kind    Kind
	Code    string
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

// Is lets errors.Is(err, errs.ConcurrencyConflict) match any *Error of the
// same Kind, regardless of message/code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a new typed error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a Kind/Code/Message to an underlying cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Sentinel values usable with errors.Is for the common, code-less cases.
var (
	ConcurrencyConflict = &Error{Kind: KindConcurrencyConflict, Code: "concurrency_conflict", Message: "expected version did not match stored version"}
	DuplicateEvent      = &Error{Kind: KindDuplicateEvent, Code: "duplicate_event", Message: "aggregate_id/version already exists"}
	NotFound            = &Error{Kind: KindNotFound, Code: "not_found", Message: "resource not found"}
	AlreadyDeleted      = &Error{Kind: KindConflict, Code: "already_deleted", Message: "aggregate is already deleted"}
	NoChanges           = &Error{Kind: KindConflict, Code: "no_changes", Message: "command would produce no change"}
)

// KindOf returns the Kind of err if it is (or wraps) an *Error, else KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
