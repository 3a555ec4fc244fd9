package primitives

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by a primitive matches exactly one of
// them with errors.Is.
var (
	ErrGeneric              = errors.New("coordination store failure")
	ErrWaitTimeout          = errors.New("wait timed out")
	ErrPeerUnreachable      = errors.New("peer is not a group member")
	ErrPeerError            = errors.New("peer reported an error")
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// Error carries the kind, the failing operation and the underlying cause.
type Error struct {
	Kind error
	Op   string
	// Message is the remote handler's message for ErrPeerError.
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// wrap classifies a store error as ErrGeneric unless it already carries a kind.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: ErrGeneric, Op: op, Err: err}
}
