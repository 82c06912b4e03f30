package restoration

import (
	"errors"
	"fmt"
	"strings"
)

// Repository outcomes shared by the store and the orchestrator.
var (
	ErrNotFound        = errors.New("request not found")
	ErrVersionConflict = errors.New("request version conflict")
	ErrProjectBusy     = errors.New("project already has an open restoration request")
)

// Kind classifies restoration failures.
type Kind string

const (
	KindValidation             Kind = "ValidationError"
	KindUnsupportedCombination Kind = "UnsupportedRestorationCombination"
	KindApprovalRejected       Kind = "ApprovalRejected"
	KindProviderTransient      Kind = "ProviderTransientError"
	KindProvider               Kind = "ProviderError"
	KindInvalidTransition      Kind = "InvalidTransition"
	KindStaleOverrun           Kind = "StaleOverrun"
	KindProjectBusy            Kind = "ProjectBusy"
	KindNotFound               Kind = "NotFound"
	KindIntegrity              Kind = "IntegrityCheckFailed"
	KindCancelled              Kind = "Cancelled"
	KindInterrupted            Kind = "Interrupted"
)

// Violation is one field-level validation problem.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// Error is a classified restoration error with a human-readable cause.
type Error struct {
	Kind       Kind
	Message    string
	Violations []Violation
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Violations) > 0 {
		parts := make([]string, len(e.Violations))
		for i, v := range e.Violations {
			parts[i] = v.String()
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with a message.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrProjectBusy):
		return KindProjectBusy
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
