package conduit

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientError(t *testing.T) {
	err := &ClientError{Reason: "bad enum", Err: ErrValidation}
	assert.Equal(t, "invalid tool input: bad enum", err.Error())
	assert.ErrorIs(t, err, ErrValidation)
	assert.True(t, IsClientError(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsSystemError(err))
}

func TestSystemError_HidesCause(t *testing.T) {
	cause := errors.New("db password leaked")
	err := &SystemError{Err: cause}
	assert.NotContains(t, err.Error(), "password")
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsSystemError(err))
}

func TestToolLoopLimitExceeded_Message(t *testing.T) {
	err := &ToolLoopLimitExceeded{TurnsTaken: 3, MaxTurns: 2, PartialText: "still thinking"}
	assert.Contains(t, err.Error(), "max_tool_turns=2")
	assert.Contains(t, err.Error(), "turns_taken=3")
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &TransportError{Provider: "openai", Err: cause}
	assert.Equal(t, "openai: transport error: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)

	err = &TransportError{Provider: "anthropic", StatusCode: 401, Message: "invalid x-api-key"}
	assert.Equal(t, "anthropic: transport error (status 401): invalid x-api-key", err.Error())
}

func TestCoercionError_Unwrap(t *testing.T) {
	err := &CoercionError{Path: "$", Reason: "empty output", Err: ErrNoOutput}
	require.ErrorIs(t, err, ErrNoOutput)
	assert.Contains(t, err.Error(), "empty output")
}

func TestToolOutcome(t *testing.T) {
	for want, err := range map[string]error{
		"ok":            nil,
		"not_found":     ErrToolNotFound,
		"timeout":       fmt.Errorf("%w after 1s", ErrTimeout),
		"shutdown":      ErrShutdown,
		"invalid_input": &ClientError{Reason: "bad", Err: ErrValidation},
		"system_error":  &SystemError{Err: errors.New("db down")},
		"error":         errors.New("boom"),
	} {
		assert.Equal(t, want, ToolOutcome(err), want)
	}
}
