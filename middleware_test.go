package conduit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	inner := &funcTool{name: "log_me", execute: func(context.Context, []byte) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	}}
	wrapped := WithLogging(logger)(inner)
	out, err := wrapped.Execute(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"ok":true}`), out)
	logStr := buf.String()
	assert.Contains(t, logStr, "tool call finished")
	assert.Contains(t, logStr, "tool=log_me")
	assert.Contains(t, logStr, "outcome=ok")
	assert.NotContains(t, logStr, "run_id")
}

func TestWithLogging_Outcomes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	reg := NewRegistry()
	reg.Use(WithLogging(logger))
	reg.Register(&funcTool{name: "picky", execute: func(context.Context, []byte) ([]byte, error) {
		return nil, &ClientError{Reason: "sku is required", Err: ErrValidation}
	}})
	reg.Register(&funcTool{name: "broken", execute: func(context.Context, []byte) ([]byte, error) {
		return nil, &SystemError{Err: errors.New("db down")}
	}})

	ctx := withRunID(context.Background(), "run-1")
	assert.False(t, reg.ExecuteOne(ctx, ToolCall{ID: "c1", Name: "picky"}).OK)
	assert.False(t, reg.ExecuteOne(ctx, ToolCall{ID: "c2", Name: "broken"}).OK)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "level=WARN")
	assert.Contains(t, lines[0], "call_id=c1")
	assert.Contains(t, lines[0], "run_id=run-1")
	assert.Contains(t, lines[0], "outcome=invalid_input")
	assert.Contains(t, lines[1], "level=ERROR")
	assert.Contains(t, lines[1], "call_id=c2")
	assert.Contains(t, lines[1], "outcome=system_error")
}

func TestWithRecovery(t *testing.T) {
	inner := &funcTool{name: "panic_me", execute: func(context.Context, []byte) ([]byte, error) {
		panic("test panic")
	}}
	wrapped := WithRecovery()(inner)
	res, err := wrapped.Execute(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Nil(t, res)
	var sysErr *SystemError
	require.ErrorAs(t, err, &sysErr)
	assert.Contains(t, sysErr.Err.Error(), "panic")
	assert.Contains(t, sysErr.Err.Error(), "panic_me")
}

func TestWithTimeoutMiddleware(t *testing.T) {
	inner := &funcTool{name: "slow", execute: func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	wrapped := WithTimeoutMiddleware(5 * time.Millisecond)(inner)
	res, err := wrapped.Execute(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "timeout", ToolOutcome(err))
	tm, ok := wrapped.(ToolMetadata)
	require.True(t, ok)
	assert.Equal(t, 5*time.Millisecond, tm.Timeout())
}

// Calling Use twice rewraps from raw tools, so middlewares are not applied twice.
func TestRegistry_Use_NoDoubleWrap(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	reg := NewRegistry()
	reg.Register(echoTool("double"))
	reg.Use(WithRecovery())
	reg.Use(WithLogging(logger))
	res := reg.ExecuteOne(context.Background(), ToolCall{ID: "1", Name: "double", Args: map[string]any{"x": 3.0}})
	require.True(t, res.OK)
	require.Equal(t, 1, strings.Count(buf.String(), "tool call finished"))
	assert.JSONEq(t, `{"x":3}`, string(res.Value))
}

func TestRegistry_Use_AppliesToLaterTools(t *testing.T) {
	reg := NewRegistry(WithRecoverPanics(false))
	reg.Use(WithRecovery())
	reg.Register(&funcTool{name: "p", execute: func(context.Context, []byte) ([]byte, error) {
		panic("late")
	}})
	res := reg.ExecuteOne(context.Background(), ToolCall{Name: "p"})
	assert.False(t, res.OK)
	assert.True(t, IsSystemError(res.Err))
}
