package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrValidation        = errors.New("validation failed")
)

type Kind int

const (
	KindInvalidTransition Kind = iota + 1
	KindPermissionDenied
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindInvalidTransition:
		return "invalid_transition"
	case KindPermissionDenied:
		return "permission_denied"
	case KindValidation:
		return "validation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by every rejected transition. errors.Is matches it
// against the sentinel for its Kind.
type Error struct {
	Kind    Kind
	Action  Action
	State   State
	Rule    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindInvalidTransition:
		return ErrInvalidTransition
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindValidation:
		return ErrValidation
	default:
		return nil
	}
}

func invalidTransition(a Action, s State, msg string) *Error {
	return &Error{Kind: KindInvalidTransition, Action: a, State: s, Message: msg}
}

func permissionDenied(a Action, s State, msg string) *Error {
	return &Error{Kind: KindPermissionDenied, Action: a, State: s, Message: msg}
}

func validationFailed(rule, msg string) *Error {
	return &Error{Kind: KindValidation, Rule: rule, Message: msg}
}

// AsError extracts the workflow error from err, if any.
func AsError(err error) (*Error, bool) {
	var wfErr *Error
	if errors.As(err, &wfErr) {
		return wfErr, true
	}
	return nil, false
}
