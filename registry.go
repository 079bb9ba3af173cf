package conduit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Registry holds tools and executes them with timeout and optional panic recovery.
type Registry struct {
	tools       map[string]Tool // wrapped with middlewares, used by Execute
	rawTools    map[string]Tool // unwrapped, used by Use() to re-apply middlewares from scratch
	opts        registryOptions
	done        chan struct{}
	running     sync.WaitGroup
	mu          sync.Mutex
	middlewares []Middleware
}

// NewRegistry creates a Registry with the given options.
func NewRegistry(opts ...RegistryOption) *Registry {
	o := registryOptions{
		timeout:        5 * time.Second,
		maxConcurrency: DefaultMaxConcurrency,
		recoverPanics:  true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry{
		tools:    make(map[string]Tool),
		rawTools: make(map[string]Tool),
		opts:     o,
		done:     make(chan struct{}),
	}
}

// Register adds a tool. Stored middlewares (see Use) are applied to the tool before registration.
// If a tool with the same name already exists, it is replaced. Safe for concurrent use.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	r.rawTools[name] = t
	r.tools[name] = wrap(t, r.middlewares)
}

// GetAllTools returns all registered tools sorted by name for deterministic order.
func (r *Registry) GetAllTools() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Declarations returns the provider-facing description of every registered tool, sorted by name.
func (r *Registry) Declarations() []ToolDeclaration {
	tools := r.GetAllTools()
	out := make([]ToolDeclaration, len(tools))
	for i, t := range tools {
		out[i] = ToolDeclaration{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}
	}
	return out
}

// Resolve returns the tool with the given name (after middlewares are applied), or (nil, false) if not found.
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// ExecuteOne runs one tool call. It never returns an error: unknown tools, invalid
// arguments, handler failures, timeouts and panics all become a ToolResult with OK false,
// whose Error is the text shown to the model.
func (r *Registry) ExecuteOne(ctx context.Context, call ToolCall) ToolResult {
	start := time.Now()
	res := ToolResult{CallID: call.ID, ToolName: call.Name}
	out, err := r.execute(ctx, call)
	if err != nil {
		res.Err = err
		res.Error = toolErrorText(call, err)
	} else {
		res.OK = true
		res.Value = out
	}
	if r.opts.onAfter != nil {
		r.opts.onAfter(ctx, call, res, time.Since(start))
	}
	return res
}

// ExecuteBatch runs calls concurrently with at most min(len(calls), limit) in flight
// and returns results in call order. limit < 1 selects the registry default.
// Batches of zero or one call run inline.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []ToolCall, limit int) []ToolResult {
	results := make([]ToolResult, len(calls))
	if len(calls) <= 1 {
		for i, call := range calls {
			results[i] = r.ExecuteOne(ctx, call)
		}
		return results
	}
	if limit < 1 {
		limit = r.opts.maxConcurrency
	}
	// Tool failures are results, not errors, so the group context is never cancelled.
	var g errgroup.Group
	g.SetLimit(min(len(calls), limit))
	for i, call := range calls {
		g.Go(func() error {
			results[i] = r.ExecuteOne(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Registry) execute(ctx context.Context, call ToolCall) (out []byte, err error) {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return nil, ErrShutdown
	default:
	}
	tool, ok := r.tools[call.Name]
	if !ok {
		r.mu.Unlock()
		return nil, ErrToolNotFound
	}
	r.running.Add(1)
	r.mu.Unlock()
	defer r.running.Done()

	args := []byte("{}")
	if call.Args != nil {
		if args, err = json.Marshal(call.Args); err != nil {
			return nil, wrapJSONParseError(err)
		}
	}

	timeout := r.opts.timeout
	if tm, ok := tool.(ToolMetadata); ok && tm.Timeout() > 0 {
		timeout = tm.Timeout()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if r.opts.recoverPanics {
		defer func() {
			if p := recover(); p != nil {
				out = nil
				err = &SystemError{Err: &panicError{p: p}}
			}
		}()
	}
	ctx = withCallID(ctx, call.ID)
	if r.opts.onBefore != nil {
		r.opts.onBefore(ctx, call)
	}

	out, err = tool.Execute(ctx, args)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err == nil && len(out) == 0 {
		out = []byte("null")
	}
	return out, err
}

// toolErrorText is the message the model sees for a failed call. Handler errors are
// passed through verbatim; SystemError hides its cause.
func toolErrorText(call ToolCall, err error) string {
	if errors.Is(err, ErrToolNotFound) {
		return fmt.Sprintf("Tool '%s' not available", call.Name)
	}
	return err.Error()
}

// Shutdown closes the registry for new calls and waits for in-flight executions or ctx to cancel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return nil
	default:
		close(r.done)
	}
	r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
