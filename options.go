package conduit

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// toolOptions hold optional tool settings (timeout, strict, tags, etc.).
type toolOptions struct {
	strict    bool
	timeout   time.Duration
	tags      []string
	version   string
	dangerous bool
}

// ToolOption configures a tool (e.g. WithStrict, WithTimeout).
type ToolOption func(*toolOptions)

func applyToolOptions(opts []ToolOption) toolOptions {
	var o toolOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithStrict sets strict mode for the parameter schema: additionalProperties: false
// for all objects, and all properties become required.
func WithStrict() ToolOption {
	return func(o *toolOptions) {
		o.strict = true
	}
}

// WithTimeout sets a per-tool timeout that overrides the registry default.
func WithTimeout(d time.Duration) ToolOption {
	return func(o *toolOptions) {
		o.timeout = d
	}
}

// WithTags sets tool tags (metadata for discovery).
func WithTags(tags ...string) ToolOption {
	return func(o *toolOptions) {
		o.tags = tags
	}
}

// WithVersion sets the tool version.
func WithVersion(version string) ToolOption {
	return func(o *toolOptions) {
		o.version = version
	}
}

// WithDangerous marks the tool as dangerous (callers may require confirmation).
func WithDangerous() ToolOption {
	return func(o *toolOptions) {
		o.dangerous = true
	}
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	timeout        time.Duration
	maxConcurrency int
	recoverPanics  bool
	onBefore       func(context.Context, ToolCall)
	onAfter        func(context.Context, ToolCall, ToolResult, time.Duration)
}

// DefaultMaxConcurrency is the batch concurrency cap used when none is configured.
const DefaultMaxConcurrency = 10

// WithDefaultTimeout sets the default execution timeout for tools. Zero disables it.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(o *registryOptions) {
		o.timeout = d
	}
}

// WithMaxConcurrency sets the default concurrency cap of ExecuteBatch.
// Values below 1 are ignored.
func WithMaxConcurrency(n int) RegistryOption {
	return func(o *registryOptions) {
		if n >= 1 {
			o.maxConcurrency = n
		}
	}
}

// WithRecoverPanics enables panic recovery in tool execution (returns SystemError).
func WithRecoverPanics(enable bool) RegistryOption {
	return func(o *registryOptions) {
		o.recoverPanics = enable
	}
}

// WithOnBeforeExecute sets a hook called before each tool execution.
func WithOnBeforeExecute(fn func(context.Context, ToolCall)) RegistryOption {
	return func(o *registryOptions) {
		o.onBefore = fn
	}
}

// WithOnAfterExecute sets a hook called after each tool execution, including
// calls to unknown tools.
func WithOnAfterExecute(fn func(context.Context, ToolCall, ToolResult, time.Duration)) RegistryOption {
	return func(o *registryOptions) {
		o.onAfter = fn
	}
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	maxToolTurns    int
	toolConcurrency int
	autoFinalize    bool
	strict          bool
	system          string
	logger          *slog.Logger
	tracer          trace.Tracer
	observer        Observer
	middlewares     []Middleware
	registryOpts    []RegistryOption
	configErr       error
}

// Defaults applied by New.
const (
	DefaultMaxToolTurns = 2
)

func defaultOptions() options {
	return options{
		maxToolTurns:    DefaultMaxToolTurns,
		toolConcurrency: DefaultMaxConcurrency,
		autoFinalize:    true,
		strict:          true,
	}
}

// WithMaxToolTurns sets how many tool-calling turns a run may take before it fails
// with ToolLoopLimitExceeded. Zero forbids any tool turn.
func WithMaxToolTurns(n int) Option {
	return func(o *options) {
		if n < 0 {
			o.configErr = &ConfigurationError{Reason: "max tool turns must not be negative"}
			return
		}
		o.maxToolTurns = n
	}
}

// WithToolConcurrency caps how many tool calls of one turn run concurrently. Must be at least 1.
func WithToolConcurrency(n int) Option {
	return func(o *options) {
		if n < 1 {
			o.configErr = &ConfigurationError{Reason: "tool concurrency must be at least 1"}
			return
		}
		o.toolConcurrency = n
	}
}

// WithAutoFinalize enables or disables the finalization turn for incomplete structured answers.
func WithAutoFinalize(enable bool) Option {
	return func(o *options) {
		o.autoFinalize = enable
	}
}

// WithStrictOutput selects strict schema derivation for structured outputs (default true).
func WithStrictOutput(enable bool) Option {
	return func(o *options) {
		o.strict = enable
	}
}

// WithSystem sets default system instructions for every run.
func WithSystem(system string) Option {
	return func(o *options) {
		o.system = system
	}
}

// WithLogger sets the logger. nil means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer used for run, turn and tool spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithObserver registers callbacks for run lifecycle events.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithToolMiddleware applies middlewares to every tool of a run.
func WithToolMiddleware(mw ...Middleware) Option {
	return func(o *options) {
		o.middlewares = append(o.middlewares, mw...)
	}
}

// WithRegistryOptions passes options to the per-run tool Registry.
func WithRegistryOptions(opts ...RegistryOption) Option {
	return func(o *options) {
		o.registryOpts = append(o.registryOpts, opts...)
	}
}

func (o *options) resolve() {
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("conduit")
	}
	if o.observer == nil {
		o.observer = NopObserver{}
	}
}
