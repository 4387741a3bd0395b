// Package kiroerr defines the typed error kinds shared across the
// credential, refresh, translation, and orchestration layers, so that an
// eventual HTTP shell can map any of them to a wire response without
// re-deriving a status code from a bare error string.
package kiroerr

import (
	"errors"
	"fmt"
)

// Kind distinguishes the error classes the core is required to tell
// apart: decode failures, transient upstream problems, auth failures,
// rejected requests, policy exhaustion, and configuration mistakes.
type Kind int

const (
	KindDecodeError Kind = iota
	KindTransientUpstream
	KindAuthInvalid
	KindUpstreamRejected
	KindPolicyExhausted
	KindConfigError
)

func (k Kind) String() string {
	switch k {
	case KindDecodeError:
		return "decode_error"
	case KindTransientUpstream:
		return "transient_upstream"
	case KindAuthInvalid:
		return "auth_invalid"
	case KindUpstreamRejected:
		return "upstream_rejected"
	case KindPolicyExhausted:
		return "policy_exhausted"
	case KindConfigError:
		return "config_error"
	default:
		return "unknown"
	}
}

// Error is the common shape for every error these packages return.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int // 0 if not applicable (e.g. pure decode errors)
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the Orchestrator should attempt another
// credential/attempt for this error, per the propagation rules: decode
// and transient errors are retried, auth errors trigger a refresh-then-
// retry, rejected and exhausted errors are terminal.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindDecodeError, KindTransientUpstream, KindAuthInvalid:
		return true
	default:
		return false
	}
}

// Is reports whether err is (or wraps) an *Error of the given kind, so
// callers outside this package can branch on classification without
// reaching into the concrete type themselves.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func WithStatus(kind Kind, message string, httpStatus int) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatus}
}

// AnthropicEnvelope is the wire shape UpstreamRejected and PolicyExhausted
// errors translate to for the client, per the Anthropic error contract.
type AnthropicEnvelope struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ToAnthropicEnvelope builds the client-facing error body.
func (e *Error) ToAnthropicEnvelope() AnthropicEnvelope {
	env := AnthropicEnvelope{Type: "error"}
	env.Error.Type = anthropicErrorType(e.Kind)
	env.Error.Message = e.Message
	return env
}

func anthropicErrorType(k Kind) string {
	switch k {
	case KindUpstreamRejected:
		return "invalid_request_error"
	case KindPolicyExhausted:
		return "overloaded_error"
	case KindAuthInvalid:
		return "authentication_error"
	default:
		return "api_error"
	}
}
