// Package errs defines the error taxonomy shared by every pairwire
// component. All classified errors unwrap to ErrCore so callers can
// catch broadly (errors.Is(err, errs.ErrCore)) or narrowly by kind.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation decisions: transient
// connection errors are retried, crypto errors never are.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindProtocol
	KindCrypto
	KindValidation
	KindStorage
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrCore is the root of the taxonomy.
var ErrCore = errors.New("pairwire core error")

// ErrRestoreOverride is returned when a store restore would clobber
// in-memory data. This indicates a programming error and must never
// be swallowed.
var ErrRestoreOverride = &Error{
	Kind: KindValidation,
	Msg:  "restore would override existing in-memory records",
}

// Error is a classified error, optionally wrapping a cause.
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

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrCore
}

// Is lets errors.Is match both the root sentinel and errors of the
// same kind.
func (e *Error) Is(target error) bool {
	if target == ErrCore {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
	}
	return false
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// IsKind reports whether err (or anything it wraps) carries the kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		err = e.Err
		if err == nil {
			return false
		}
	}
	return false
}

// NotFoundError is returned for lookups of keys that were never set.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no matching key: %s", e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrCore }

// RecentlyDeletedError is returned for lookups of keys found in the
// tombstone buffer, so callers can tell "was deleted" from "never
// existed".
type RecentlyDeletedError struct {
	Key string
}

func (e *RecentlyDeletedError) Error() string {
	return fmt.Sprintf("record was recently deleted: %s", e.Key)
}

func (e *RecentlyDeletedError) Unwrap() error { return ErrCore }
