package conduit

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for conduit. Use errors.Is to check.
var (
	ErrToolNotFound = errors.New("tool not found")
	ErrTimeout      = errors.New("tool execution timeout")
	ErrValidation   = errors.New("validation failed")
	ErrShutdown     = errors.New("registry is shutting down")
	ErrNoOutput     = errors.New("model produced no output")
)

// ClientError is an error that should be sent back to the LLM for self-correction
// (e.g. invalid JSON, schema validation failure, bad enum value).
// Err optionally wraps a sentinel (e.g. ErrValidation) for errors.Is/errors.As.
type ClientError struct {
	Reason string
	// Retryable is set by the application. When true, the caller may retry the
	// same call without changing arguments (e.g. transient rate limit).
	Retryable bool
	Err       error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("invalid tool input: %s", e.Reason)
}

func (e *ClientError) Unwrap() error { return e.Err }

// SystemError represents an internal failure (panic, unserializable result, etc.).
// The LLM should not see the underlying error message or stack.
type SystemError struct {
	Err error
}

func (e *SystemError) Error() string {
	return "internal system error during tool execution"
}

func (e *SystemError) Unwrap() error { return e.Err }

// ConfigurationError reports an invalid combination of options. It is raised before
// any transport call and is never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "conduit: invalid configuration: " + e.Reason
}

// ToolLoopLimitExceeded is returned when the model keeps requesting tools past
// the configured number of tool turns. PartialText is whatever text accompanied
// the last response.
type ToolLoopLimitExceeded struct {
	TurnsTaken  int
	MaxTurns    int
	PartialText string
}

func (e *ToolLoopLimitExceeded) Error() string {
	return fmt.Sprintf("conduit: tool loop limit exceeded (max_tool_turns=%d, turns_taken=%d)", e.MaxTurns, e.TurnsTaken)
}

// TransportError wraps a provider failure (network, auth, malformed response).
// StatusCode is zero when no HTTP response was received.
type TransportError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transport error (status %d): %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: transport error: %s", e.Provider, msg)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SchemaError is returned when a Type cannot be projected onto a JSON Schema
// accepted by strict structured outputs.
type SchemaError struct {
	Path   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("conduit: schema error at %s: %s", e.Path, e.Reason)
}

// CoercionError is returned when a decoded value does not fit the requested Type.
// Raw holds the model text the value was parsed from, when available.
type CoercionError struct {
	Path   string
	Reason string
	Raw    string
	Err    error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("conduit: cannot coerce %s: %s", e.Path, e.Reason)
}

func (e *CoercionError) Unwrap() error { return e.Err }

// IsClientError returns true if err is or wraps a ClientError.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// IsSystemError returns true if err is or wraps a SystemError.
func IsSystemError(err error) bool {
	var se *SystemError
	return errors.As(err, &se)
}

// wrapJSONParseError returns a ClientError for JSON unmarshal failures.
func wrapJSONParseError(err error) error {
	return &ClientError{Reason: "json parse error: " + err.Error(), Err: ErrValidation}
}

// panicError wraps a recovered panic value for SystemError; used by Registry and WithRecovery middleware.
type panicError struct{ p any }

func (e *panicError) Error() string {
	return "panic: " + fmt.Sprint(e.p)
}

// ToolOutcome classifies the error of a tool call for logs and metrics.
// A nil error is "ok".
func ToolOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrToolNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case IsClientError(err):
		return "invalid_input"
	case IsSystemError(err):
		return "system_error"
	default:
		return "error"
	}
}
