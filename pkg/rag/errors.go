package rag

import (
	"errors"
	"strings"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrPrecondition  = errors.New("precondition failed")
	ErrProvider      = errors.New("provider error")
	ErrConfiguration = errors.New("configuration error")
)

// Error carries the failing operation, its kind and an optional cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

// NewError builds an *Error. cause may be nil.
func NewError(kind error, op, msg string, cause error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Message returns the human-readable part without the operation prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Kind != nil {
			return e.Kind.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func validationError(op, msg string) error {
	return NewError(ErrValidation, op, msg, nil)
}

func providerError(op, msg string, cause error) error {
	return NewError(ErrProvider, op, msg, cause)
}
