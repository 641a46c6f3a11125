package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies every error the engine surfaces to its callers.
type Kind string

const (
	KindValidation              Kind = "validation"
	KindConflict                Kind = "conflict"
	KindInvalidState            Kind = "invalid_state"
	KindNotFound                Kind = "not_found"
	KindQuotaExceeded           Kind = "quota_exceeded"
	KindGenerationFailed        Kind = "generation_failed"
	KindExecutionInfrastructure Kind = "execution_infrastructure"
	KindHealingFailed           Kind = "healing_failed"
	KindTimeout                 Kind = "timeout"
	KindCancelled               Kind = "cancelled"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrValidation              = &Error{Kind: KindValidation}
	ErrConflict                = &Error{Kind: KindConflict}
	ErrInvalidState            = &Error{Kind: KindInvalidState}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrQuotaExceeded           = &Error{Kind: KindQuotaExceeded}
	ErrGenerationFailed        = &Error{Kind: KindGenerationFailed}
	ErrExecutionInfrastructure = &Error{Kind: KindExecutionInfrastructure}
	ErrHealingFailed           = &Error{Kind: KindHealingFailed}
	ErrTimeout                 = &Error{Kind: KindTimeout}
	ErrCancelled               = &Error{Kind: KindCancelled}
)

type Error struct {
	Kind      Kind
	Op        string
	ProjectID string
	// Reason is the human-readable explanation also stored on the project.
	Reason string
	// RetryAfter is set on quota errors when the agent supplied a hint.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ProjectID != "" {
		msg = fmt.Sprintf("%s (project %s)", msg, e.ProjectID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil && e.Reason == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.ProjectID == ""
}

// KindOf reports the engine classification of err, or "" for errors that did
// not originate in the engine (storage outages and the like).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, op, projectID, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, ProjectID: projectID, Reason: reason, Err: err}
}

func validationError(op, projectID, format string, args ...any) *Error {
	return newError(KindValidation, op, projectID, fmt.Sprintf(format, args...), nil)
}

func invalidState(op, projectID, format string, args ...any) *Error {
	return newError(KindInvalidState, op, projectID, fmt.Sprintf(format, args...), nil)
}
