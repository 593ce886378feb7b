// Package common defines the domain error kinds shared by every layer of the
// publication engine. Callers should use errors.Is to match them; the HTTP
// layer maps kinds to status codes and error numbers.
package common

import "fmt"

// Kind is a stable, machine-readable error class.
type Kind string

const (
	KindInvalidTransition       Kind = "invalid_transition"
	KindForbiddenGroup          Kind = "forbidden_group"
	KindIntegrityConflict       Kind = "integrity_conflict"
	KindTrackingFieldTamper     Kind = "tracking_field_tamper"
	KindFloatRejected           Kind = "float_rejected"
	KindCollectionInUse         Kind = "collection_in_use"
	KindSignerUnavailable       Kind = "signer_unavailable"
	KindSignerMalformedResponse Kind = "signer_malformed_response"
	KindCertificateExpiringSoon Kind = "certificate_expiring_soon"
	KindNotFound                Kind = "not_found"
	KindBadRequest              Kind = "bad_request"
	KindConflict                Kind = "conflict"
	KindRetryable               Kind = "retryable"
	KindUnauthorized            Kind = "unauthorized"
	KindForbidden               Kind = "forbidden"
	KindAlreadyExists           Kind = "already_exists"
	KindReadOnly                Kind = "read_only"
)

// Error carries a Kind plus a human readable message and optional details
// that end up in the error envelope.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Kind == t.Kind
}

// WithMessage returns a new Error with the same Kind but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Kind: e.Kind, Message: msg, Details: e.Details}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithDetails returns a copy carrying the given details.
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Details: details}
}

var (
	ErrInvalidTransition       = &Error{Kind: KindInvalidTransition}
	ErrForbiddenGroup          = &Error{Kind: KindForbiddenGroup}
	ErrIntegrityConflict       = &Error{Kind: KindIntegrityConflict}
	ErrTrackingFieldTamper     = &Error{Kind: KindTrackingFieldTamper}
	ErrFloatRejected           = &Error{Kind: KindFloatRejected}
	ErrCollectionInUse         = &Error{Kind: KindCollectionInUse}
	ErrSignerUnavailable       = &Error{Kind: KindSignerUnavailable}
	ErrSignerMalformedResponse = &Error{Kind: KindSignerMalformedResponse}
	ErrCertificateExpiringSoon = &Error{Kind: KindCertificateExpiringSoon}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrBadRequest              = &Error{Kind: KindBadRequest}
	ErrConflict                = &Error{Kind: KindConflict}
	ErrRetryable               = &Error{Kind: KindRetryable}
	ErrUnauthorized            = &Error{Kind: KindUnauthorized}
	ErrForbidden               = &Error{Kind: KindForbidden}
	ErrAlreadyExists           = &Error{Kind: KindAlreadyExists}
	ErrReadOnly                = &Error{Kind: KindReadOnly}
)

// KindOf returns the kind of the first *Error found in err's chain, or ""
// for errors outside the domain.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
