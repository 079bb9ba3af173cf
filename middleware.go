package conduit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Middleware wraps a Tool with cross-cutting behavior (logging, recovery, timeout).
type Middleware func(Tool) Tool

type ctxKey int

const (
	runIDKey ctxKey = iota
	callIDKey
)

// RunID returns the id of the Run or Stream call executing ctx, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// CallID returns the id of the tool call executing ctx, or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey).(string)
	return id
}

func withRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

func withCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey, id)
}

// WithLogging returns a middleware that logs each tool call with its run and
// call ids, duration and outcome (see ToolOutcome). Successful calls log at
// Info, invalid input at Warn, everything else at Error.
func WithLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Tool) Tool {
		return &loggingTool{toolBase: toolBase{next: next}, logger: logger}
	}
}

// WithRecovery returns a middleware that recovers panics and returns SystemError.
func WithRecovery() Middleware {
	return func(next Tool) Tool {
		return &recoveryTool{toolBase{next: next}}
	}
}

// WithTimeoutMiddleware returns a middleware that enforces a per-tool timeout. The registry reads
// it through ToolMetadata, so it replaces the registry default for the wrapped tool.
func WithTimeoutMiddleware(d time.Duration) Middleware {
	return func(next Tool) Tool {
		return &timeoutTool{toolBase: toolBase{next: next}, timeout: d}
	}
}

// toolBase forwards Tool and ToolMetadata to the wrapped tool, so the registry
// still sees per-tool timeouts and tags through any number of middlewares.
type toolBase struct{ next Tool }

func (b *toolBase) Name() string               { return b.next.Name() }
func (b *toolBase) Description() string        { return b.next.Description() }
func (b *toolBase) Parameters() map[string]any { return b.next.Parameters() }

func (b *toolBase) meta() ToolMetadata {
	if tm, ok := b.next.(ToolMetadata); ok {
		return tm
	}
	return noMetadata{}
}

func (b *toolBase) Timeout() time.Duration { return b.meta().Timeout() }
func (b *toolBase) Tags() []string         { return b.meta().Tags() }
func (b *toolBase) Version() string        { return b.meta().Version() }
func (b *toolBase) IsDangerous() bool      { return b.meta().IsDangerous() }

type noMetadata struct{}

func (noMetadata) Timeout() time.Duration { return 0 }
func (noMetadata) Tags() []string         { return nil }
func (noMetadata) Version() string        { return "" }
func (noMetadata) IsDangerous() bool      { return false }

type loggingTool struct {
	toolBase
	logger *slog.Logger
}

func (m *loggingTool) Execute(ctx context.Context, args []byte) ([]byte, error) {
	logger := m.logger.With("tool", m.next.Name(), "call_id", CallID(ctx))
	if id := RunID(ctx); id != "" {
		logger = logger.With("run_id", id)
	}
	logger.DebugContext(ctx, "tool call started", "args_bytes", len(args))
	start := time.Now()
	res, err := m.next.Execute(ctx, args)
	dur := time.Since(start)
	outcome := ToolOutcome(err)
	switch {
	case err == nil:
		logger.InfoContext(ctx, "tool call finished", "outcome", outcome, "duration", dur, "result_bytes", len(res))
		return res, nil
	case IsClientError(err):
		logger.WarnContext(ctx, "tool call rejected", "outcome", outcome, "duration", dur, "error", err)
	default:
		logger.ErrorContext(ctx, "tool call failed", "outcome", outcome, "duration", dur, "error", err)
	}
	return nil, err
}

type recoveryTool struct{ toolBase }

func (r *recoveryTool) Execute(ctx context.Context, args []byte) (res []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = &SystemError{Err: fmt.Errorf("tool %s: %w", r.next.Name(), &panicError{p: p})}
		}
	}()
	return r.next.Execute(ctx, args)
}

type timeoutTool struct {
	toolBase
	timeout time.Duration
}

func (t *timeoutTool) Timeout() time.Duration {
	if t.timeout > 0 {
		return t.timeout
	}
	return t.toolBase.Timeout()
}

// Execute reports an expired deadline as ErrTimeout, like the registry does.
func (t *timeoutTool) Execute(ctx context.Context, args []byte) ([]byte, error) {
	if t.timeout <= 0 {
		return t.next.Execute(ctx, args)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	out, err := t.next.Execute(ctx, args)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, t.timeout, err)
	}
	return out, err
}

// wrap applies middlewares so that the first one is outermost.
func wrap(t Tool, middlewares []Middleware) Tool {
	for i := len(middlewares) - 1; i >= 0; i-- {
		t = middlewares[i](t)
	}
	return t
}

// Use replaces the middleware chain and rewraps every registered tool from its
// unwrapped form, so calling Use twice never double-wraps. Tools registered
// later get the same chain.
func (r *Registry) Use(middlewares ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = middlewares
	for name, raw := range r.rawTools {
		r.tools[name] = wrap(raw, middlewares)
	}
}
