package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a protocol failure so callers can decide whether to retry.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindUnauthorized
	KindInvalidConfiguration
	KindInvalidCiphertext
	KindCompetitionInactive
	KindRecordNotPending
	KindAlreadyVoted
	KindRecordNotVerified
	KindAlreadyIssued
	KindAuthorizationExpired
	KindInvalidTransition
	// KindUnavailable marks transient collaborator faults (timeouts, cancellation).
	KindUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindNotFound:             "not_found",
	KindUnauthorized:         "unauthorized",
	KindInvalidConfiguration: "invalid_configuration",
	KindInvalidCiphertext:    "invalid_ciphertext",
	KindCompetitionInactive:  "competition_inactive",
	KindRecordNotPending:     "record_not_pending",
	KindAlreadyVoted:         "already_voted",
	KindRecordNotVerified:    "record_not_verified",
	KindAlreadyIssued:        "already_issued",
	KindAuthorizationExpired: "authorization_expired",
	KindInvalidTransition:    "invalid_transition",
	KindUnavailable:          "unavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinel errors, one per kind. Match with errors.Is.
var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrUnauthorized         = &Error{Kind: KindUnauthorized}
	ErrInvalidConfiguration = &Error{Kind: KindInvalidConfiguration}
	ErrInvalidCiphertext    = &Error{Kind: KindInvalidCiphertext}
	ErrCompetitionInactive  = &Error{Kind: KindCompetitionInactive}
	ErrRecordNotPending     = &Error{Kind: KindRecordNotPending}
	ErrAlreadyVoted         = &Error{Kind: KindAlreadyVoted}
	ErrRecordNotVerified    = &Error{Kind: KindRecordNotVerified}
	ErrAlreadyIssued        = &Error{Kind: KindAlreadyIssued}
	ErrAuthorizationExpired = &Error{Kind: KindAuthorizationExpired}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrUnavailable          = &Error{Kind: KindUnavailable}
)

// Error is the typed failure returned by every protocol operation.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "validateRecord"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that errors.Is(err, ErrAlreadyVoted) matches any
// *Error carrying KindAlreadyVoted.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds an *Error. The message is formatted only when args are given.
func E(kind Kind, op string, format string, args ...interface{}) error {
	var cause error
	if format != "" {
		cause = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Wrap attaches kind and op to an existing error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromContext converts a context failure into an Unavailable error. Other
// errors are returned unchanged.
func FromContext(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(KindUnavailable, op, err)
	}
	return err
}

// KindOf extracts the kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Retryable reports whether err is a transient collaborator failure. Rule
// violations are never retryable.
func Retryable(err error) bool {
	return KindOf(err) == KindUnavailable
}
