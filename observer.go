package conduit

import (
	"context"
	"time"
)

// Observer receives run lifecycle events. Implementations must be safe for concurrent
// use: ToolExecuted is called from the tool worker goroutines.
type Observer interface {
	TurnCompleted(ctx context.Context, provider string, turn int, toolCalls int)
	ToolExecuted(ctx context.Context, result ToolResult, d time.Duration)
	Finalized(ctx context.Context, provider string)
	LoopLimitExceeded(ctx context.Context, provider string, turns int)
	RunCompleted(ctx context.Context, provider string, d time.Duration, err error)
}

// NopObserver ignores all events. Embed it to implement only some callbacks.
type NopObserver struct{}

func (NopObserver) TurnCompleted(context.Context, string, int, int)            {}
func (NopObserver) ToolExecuted(context.Context, ToolResult, time.Duration)    {}
func (NopObserver) Finalized(context.Context, string)                          {}
func (NopObserver) LoopLimitExceeded(context.Context, string, int)             {}
func (NopObserver) RunCompleted(context.Context, string, time.Duration, error) {}

// chainAfterExecute runs fn after any previously configured after-execution hook.
func chainAfterExecute(fn func(context.Context, ToolCall, ToolResult, time.Duration)) RegistryOption {
	return func(o *registryOptions) {
		prev := o.onAfter
		o.onAfter = func(ctx context.Context, call ToolCall, res ToolResult, d time.Duration) {
			if prev != nil {
				prev(ctx, call, res, d)
			}
			fn(ctx, call, res, d)
		}
	}
}
