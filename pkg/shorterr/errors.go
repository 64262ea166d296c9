// Package shorterr defines the typed error variants shared by the
// creation and resolution pipelines.
//
// The teacher's packages differentiate failures with sentinel errors
// (repository.ErrNotFound) or wrapped fmt.Errorf chains; here we use a
// small Kind enum plus errors.Is/As so the creation pipeline's outer
// retry can branch on the error's type instead of sniffing its message
// for "duplicate key" or "idx_url_url_unique" substrings.
package shorterr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from the system's error design.
type Kind int

const (
	KindInvalidURL Kind = iota
	KindNotFound
	KindConflictURL
	KindConflictHash
	KindNoAvailableHash
	KindRateLimited
	KindIntegrity
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindInvalidURL:
		return "InvalidUrl"
	case KindNotFound:
		return "NotFound"
	case KindConflictURL:
		return "Conflict.Url"
	case KindConflictHash:
		return "Conflict.Hash"
	case KindNoAvailableHash:
		return "NoAvailableHash"
	case KindRateLimited:
		return "RateLimited"
	case KindIntegrity:
		return "IntegrityError"
	case KindTransient:
		return "TransientBackend"
	default:
		return "Unknown"
	}
}

// Error is a typed error carrying a Kind and an optional wrapped cause.
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

// New builds an *Error of the given kind. The per-kind constructors
// below are preferred over constructing *Error literals directly; test
// an error's kind with KindOf or Is.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func InvalidURL(message string) *Error   { return New(KindInvalidURL, message, nil) }
func NotFound(message string) *Error     { return New(KindNotFound, message, nil) }
func ConflictHash(message string) *Error { return New(KindConflictHash, message, nil) }
func NoAvailableHash(message string) *Error {
	return New(KindNoAvailableHash, message, nil)
}
func RateLimited(message string) *Error { return New(KindRateLimited, message, nil) }
func Integrity(message string, cause error) *Error {
	return New(KindIntegrity, message, cause)
}
func Transient(message string, cause error) *Error {
	return New(KindTransient, message, cause)
}

// KindOf reports the Kind of err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err's Kind equals kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
