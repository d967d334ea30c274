package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors for recovery decisions.
type ErrorKind string

const (
	// ErrFlowInvalid indicates a flow definition failed validation.
	ErrFlowInvalid ErrorKind = "FLOW_INVALID"
	// ErrFlowNotFound indicates the requested flow does not exist in scope.
	ErrFlowNotFound ErrorKind = "FLOW_NOT_FOUND"
	// ErrAgentUnknown indicates the referenced agent is not registered.
	ErrAgentUnknown ErrorKind = "AGENT_UNKNOWN"
	// ErrAgentConflict indicates a cross-scope agent_id collision on register.
	ErrAgentConflict ErrorKind = "AGENT_CONFLICT"
	// ErrAgentBreakerOpen indicates the per-agent circuit breaker is open.
	ErrAgentBreakerOpen ErrorKind = "AGENT_BREAKER_OPEN"
	// ErrAgentTimeout indicates an agent call exceeded its timeout.
	ErrAgentTimeout ErrorKind = "AGENT_TIMEOUT"
	// ErrAgentNetwork indicates a transport-level failure calling an agent.
	ErrAgentNetwork ErrorKind = "AGENT_NETWORK"
	// ErrAgentContract indicates a structurally invalid agent response.
	ErrAgentContract ErrorKind = "AGENT_CONTRACT"
	// ErrAgentStatus indicates a non-2xx agent response.
	ErrAgentStatus ErrorKind = "AGENT_STATUS"
	// ErrExpression indicates a control-flow expression failed to evaluate.
	ErrExpression ErrorKind = "EXPRESSION_ERROR"
	// ErrCancelled indicates the execution was cancelled by a client.
	ErrCancelled ErrorKind = "CANCELLED"
	// ErrDeadlineExceeded indicates the execution deadline elapsed.
	ErrDeadlineExceeded ErrorKind = "DEADLINE_EXCEEDED"
	// ErrSaturated indicates the dispatch queue rejected new work.
	ErrSaturated ErrorKind = "SATURATED"
	// ErrStoreUnavailable indicates the execution store failed a write.
	ErrStoreUnavailable ErrorKind = "STORE_UNAVAILABLE"
	// ErrNotFound indicates the resource does not exist in the caller's scope.
	ErrNotFound ErrorKind = "NOT_FOUND"
	// ErrAlreadyTerminal indicates an operation on a finished execution.
	ErrAlreadyTerminal ErrorKind = "ALREADY_TERMINAL"
	// ErrInvalidTransition indicates an illegal execution status transition.
	ErrInvalidTransition ErrorKind = "INVALID_TRANSITION"
	// ErrInternal indicates an unclassified engine failure.
	ErrInternal ErrorKind = "INTERNAL_ERROR"
)

// Error is the structured error carried through the engine. Kind drives
// retry and propagation policy; HTTPStatus is set for agent call failures.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	NodeID     string    `json:"node_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status observed on an agent call.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNode records the node the error originated from.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// IsRetryable reports whether err carries a retryable engine error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf extracts the error kind, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// RetryableHTTPStatus reports whether an agent HTTP status is retryable:
// 408, 425, 429 and all 5xx. Other 4xx are permanent.
func RetryableHTTPStatus(status int) bool {
	switch status {
	case 408, 425, 429:
		return true
	}
	return status >= 500
}
