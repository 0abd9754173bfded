package result

import (
	"errors"
	"fmt"
)

// Error kinds used across the transport and executor layers.
const (
	KindUnreachable = "unreachable"
	KindAuth        = "auth"
	KindTimeout     = "timeout"
	KindTransport   = "transport"
	KindCancelled   = "cancelled"
	KindPlan        = "plan"
)

// Error is the structured error every failing Result carries. It is the
// minimal shape the core requires from an error: a message, a kind, and an
// optional details map.
type Error struct {
	Kind    string
	Msg     string
	Details map[string]any
}

func (e *Error) Error() string { return e.Msg }

// DetailsMap returns the details mapping, or nil when there is none.
func (e *Error) DetailsMap() map[string]any { return e.Details }

func NewError(kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func NewErrorf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithDetails attaches a details map and returns the error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// ConnectError tags a connection failure with one of the connect kinds:
// unreachable, auth, or timeout.
func ConnectError(kind string, err error) *Error {
	return &Error{Kind: kind, Msg: err.Error()}
}

// FromErr normalizes an arbitrary error into a structured Error. Structured
// errors pass through; everything else becomes a transport-kind failure.
func FromErr(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: KindTransport, Msg: err.Error()}
}

// InvalidStatusError reports an embedded _error.status outside
// {success, failure}. It marks structurally corrupt result data produced by
// an upstream task or plan, and is surfaced to the caller rather than being
// coerced into an ordinary failure.
type InvalidStatusError struct {
	Status any
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid result status %v, must be success or failure", e.Status)
}

// Kind satisfies the structured-error contract.
func (e *InvalidStatusError) ErrKind() string { return "invalid-result-status" }
