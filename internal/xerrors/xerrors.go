// Package xerrors defines the typed error kinds shared by every graphchan
// subsystem. It generalizes pkg/utils.Wrap: an error keeps its full cause
// chain for errors.Is/errors.As while carrying a Kind the caller can route
// on (drop, retry, surface, abort).
package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
type Kind int

const (
	// NotFound marks a missing-row read or unknown identifier.
	NotFound Kind = iota + 1
	// BadRequest marks malformed caller input: bad friend-code, empty
	// body, invalid UUID, missing field.
	BadRequest
	// AuthFailure marks an AEAD tag mismatch, a key unwrap failure or a
	// missing member key.
	AuthFailure
	// IntegrityViolation marks a foreign-key violation or checksum
	// mismatch.
	IntegrityViolation
	// Conflict marks a duplicate blob or a thread-hash fork.
	Conflict
	// Blocked marks a moderation denial. Not a failure to the producer;
	// inbound handlers treat it as normal control flow.
	Blocked
	// Transient marks I/O errors, overlay disconnects and timeouts.
	// Gossip redelivers, so these are logged and dropped.
	Transient
	// Fatal marks unrecoverable startup errors: migration failure,
	// corrupted identity file.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case BadRequest:
		return "bad request"
	case AuthFailure:
		return "auth failure"
	case IntegrityViolation:
		return "integrity violation"
	case Conflict:
		return "conflict"
	case Blocked:
		return "blocked"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Error is the concrete error type carried across subsystem boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind with a human-readable message.
// Messages must not contain secret material (keys, plaintext).
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. It returns nil if err is nil,
// mirroring utils.Wrap.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of err, unwrapping as needed. Errors without a
// kind report 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
