// Package noemaerr defines the error taxonomy shared across the storage,
// provider, and MCP layers. Classification mirrors the sentinel-plus-
// classifier-function shape the rest of the stack uses for its own
// provider-error taxonomy: typed sentinels wrapped with %w, unwrapped
// with errors.Is/errors.As, never stringly-typed.
package noemaerr

import "errors"

var (
	// ErrNotFound marks a missing entity, blob, tool, or conversation.
	ErrNotFound = errors.New("noema: not found")
	// ErrValidation marks malformed arguments or schema violations.
	ErrValidation = errors.New("noema: validation failed")
	// ErrTransport marks a network failure or non-2xx response. Retriable.
	ErrTransport = errors.New("noema: transport error")
	// ErrProtocol marks a malformed streamed payload.
	ErrProtocol = errors.New("noema: protocol error")
	// ErrToolExecution marks a tool server returning an error result.
	ErrToolExecution = errors.New("noema: tool execution failed")
	// ErrStorage marks a non-recoverable SQLite failure.
	ErrStorage = errors.New("noema: storage error")
	// ErrCancelled marks a cooperatively cancelled task.
	ErrCancelled = errors.New("noema: cancelled")
)

// ToolExecutionError wraps a tool-call failure with the tool name that
// produced it. It is packaged as a ToolResult shown to the model, not
// raised to the user, per the propagation policy.
type ToolExecutionError struct {
	ToolName string
	Cause    error
}

func (e *ToolExecutionError) Error() string {
	return "tool " + e.ToolName + " failed: " + e.Cause.Error()
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// TransportError carries the HTTP status and response body so callers
// can decide whether a retry is worthwhile.
type TransportError struct {
	StatusCode int
	Body       string
	Cause      error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "transport error"
}

func (e *TransportError) Unwrap() error { return ErrTransport }

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsTransport(err error) bool     { return errors.Is(err, ErrTransport) }
func IsProtocol(err error) bool      { return errors.Is(err, ErrProtocol) }
func IsToolExecution(err error) bool { return errors.Is(err, ErrToolExecution) }
func IsStorage(err error) bool       { return errors.Is(err, ErrStorage) }
func IsCancelled(err error) bool     { return errors.Is(err, ErrCancelled) }

// NotFound wraps ErrNotFound with context, keeping it matchable via
// errors.Is(err, ErrNotFound).
func NotFound(what string) error {
	return &taggedError{msg: what, tag: ErrNotFound}
}

func Validation(what string) error {
	return &taggedError{msg: what, tag: ErrValidation}
}

func Storage(what string, cause error) error {
	return &taggedError{msg: what, tag: ErrStorage, cause: cause}
}

type taggedError struct {
	msg   string
	tag   error
	cause error
}

func (e *taggedError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *taggedError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.tag, e.cause}
	}
	return []error{e.tag}
}
