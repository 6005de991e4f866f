package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures so the orchestrator can decide between aborting,
// warning or retrying.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindProvisioning        Kind = "ProvisioningError"
	KindProvisioningWarning Kind = "ProvisioningWarning"
	KindRemoteTransport     Kind = "RemoteTransportError"
	KindRemoteAuth          Kind = "RemoteAuthError"
	KindRemoteNonZeroExit   Kind = "RemoteNonZeroExit"
	KindTechniqueNotFound   Kind = "TechniqueNotFoundWarning"
	KindRosterIncomplete    Kind = "RosterIncomplete"
	KindUnexpected          Kind = "UnexpectedError"
)

// Fatal reports whether an error of this kind aborts the whole run.
func (k Kind) Fatal() bool {
	switch k {
	case KindValidation, KindProvisioning, KindUnexpected:
		return true
	}
	return false
}

// Retryable reports whether a remote call failing with this kind may be
// attempted again.
func (k Kind) Retryable() bool {
	return k == KindRemoteTransport || k == KindRemoteNonZeroExit
}

type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k})
// works as a category test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the category of err, or KindUnexpected for errors that
// were never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// IsKind reports whether err carries the given category anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
