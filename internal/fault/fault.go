// Package fault defines the error kinds the core propagates between layers.
// Each kind has a fixed retry posture: providers and channels are retryable,
// tool, policy, config and memory failures are not.
package fault

import (
	"errors"
	"fmt"
)

// Kind labels the layer an error belongs to.
type Kind string

const (
	KindProvider Kind = "provider"
	KindTool     Kind = "tool"
	KindPolicy   Kind = "policy"
	KindChannel  Kind = "channel"
	KindConfig   Kind = "config"
	KindMemory   Kind = "memory"
)

// Error is the typed error carried across layer boundaries.
type Error struct {
	Kind      Kind
	Message   string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Provider wraps err as a retryable provider failure.
func Provider(message string, err error) *Error {
	return &Error{Kind: KindProvider, Message: message, Err: err, Retryable: true}
}

// Tool wraps err as a non-retryable tool failure; it is embedded into the
// terminating tool.call.end event rather than propagated.
func Tool(message string, err error) *Error {
	return &Error{Kind: KindTool, Message: message, Err: err}
}

// Policy builds the non-retryable denial carrying the rule reason verbatim.
func Policy(reason string) *Error {
	return &Error{Kind: KindPolicy, Message: reason}
}

// Channel wraps err as a retryable delivery failure.
func Channel(message string, err error) *Error {
	return &Error{Kind: KindChannel, Message: message, Err: err, Retryable: true}
}

// Config marks a configuration problem; fatal at startup in prod.
func Config(message string, err error) *Error {
	return &Error{Kind: KindConfig, Message: message, Err: err}
}

// Memory marks an indexing or search failure; callers degrade to empty
// results and log.
func Memory(message string, err error) *Error {
	return &Error{Kind: KindMemory, Message: message, Err: err}
}

// KindOf returns the fault kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether err may be retried. Errors without a fault kind
// are not retryable.
func Retryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
