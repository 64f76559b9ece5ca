// Package orcherr defines the error-kind taxonomy shared by the discovery
// registry, resilient client, and workflow engine.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide whether to retry,
// surface immediately, or treat it as fatal to a workflow.
type Kind string

const (
	Validation         Kind = "Validation"
	NotFound           Kind = "NotFound"
	Overloaded         Kind = "Overloaded"
	Timeout            Kind = "Timeout"
	NetworkUnavailable Kind = "NetworkUnavailable"
	Http5xx            Kind = "Http5xx"
	Remote             Kind = "Remote"
	CircuitOpen        Kind = "CircuitOpen"
	ConnectionClosed   Kind = "ConnectionClosed"
	PoolShutdown       Kind = "PoolShutdown"
	Deadlock           Kind = "Deadlock"
	Cancelled          Kind = "Cancelled"
)

// retryable is the set of kinds the resilient client's retry loop will
// re-attempt (spec §4.2). CircuitOpen and Remote are deliberately absent.
var retryable = map[Kind]bool{
	NetworkUnavailable: true,
	Http5xx:            true,
	Timeout:            true,
}

// Error is the concrete error type carrying a Kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match on Kind alone via a sentinel-style comparison:
// errors.Is(err, orcherr.New(orcherr.Timeout, "")) treats any *Error with
// the same Kind as equal, independent of Message/Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the Kind from err, walking wrapped errors. Returns ""
// if err is not (and does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether err's Kind is in the retry policy's set.
func Retryable(err error) bool {
	return retryable[KindOf(err)]
}
