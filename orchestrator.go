package conduit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Orchestrator drives conversations with one Transport. It is safe for concurrent
// use; every call to Run, Complete or Stream owns its own conversation state.
type Orchestrator struct {
	transport Transport
	opts      options
}

// RunRequest describes one logical request.
type RunRequest struct {
	Prompt string
	// System overrides the orchestrator's default system instructions when set.
	System string
	// History is prior conversation placed before Prompt.
	History []Message
	Tools   []Tool
	// Output requests a structured answer. Nil means free text.
	Output     *Type
	OutputName string
}

// New creates an Orchestrator for transport.
func New(transport Transport, opts ...Option) *Orchestrator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.resolve()
	return &Orchestrator{transport: transport, opts: o}
}

// Transport returns the transport the orchestrator sends turns to.
func (o *Orchestrator) Transport() Transport { return o.transport }

// run is the state of one Run or Stream call.
type run struct {
	o           *Orchestrator
	state       *conversationState
	reg         *Registry
	toolsActive bool
	output      *Type
	logger      *slog.Logger
	provider    string
	id          string
	usage       Usage
}

func (o *Orchestrator) newRun(req RunRequest) (*run, error) {
	if o.opts.configErr != nil {
		return nil, o.opts.configErr
	}
	if o.transport == nil {
		return nil, &ConfigurationError{Reason: "transport must not be nil"}
	}
	provider := o.transport.Name()
	regOpts := append([]RegistryOption{WithMaxConcurrency(o.opts.toolConcurrency)}, o.opts.registryOpts...)
	regOpts = append(regOpts, chainAfterExecute(func(ctx context.Context, _ ToolCall, res ToolResult, d time.Duration) {
		o.opts.observer.ToolExecuted(ctx, res, d)
	}))
	reg := NewRegistry(regOpts...)
	reg.Use(o.opts.middlewares...)
	for _, t := range req.Tools {
		if t == nil {
			return nil, &ConfigurationError{Reason: "tool must not be nil"}
		}
		reg.Register(t)
	}
	system := o.opts.system
	if req.System != "" {
		system = req.System
	}
	state := &conversationState{
		system:  system,
		history: append(append([]Message(nil), req.History...), Message{Role: RoleUser, Content: req.Prompt}),
	}
	r := &run{
		o:           o,
		state:       state,
		reg:         reg,
		toolsActive: len(req.Tools) > 0,
		output:      req.Output,
		provider:    provider,
		id:          uuid.NewString(),
	}
	r.logger = o.opts.logger.With("run_id", r.id, "provider", provider)
	if r.toolsActive {
		state.tools = reg.Declarations()
	}
	if req.Output != nil {
		schema, _, err := ObjectSchema(req.Output, o.opts.strict)
		if err != nil {
			return nil, err
		}
		state.outputSchema = schema
		state.outputName = req.OutputName
		if state.outputName == "" {
			state.outputName = req.Output.Name()
		}
	}
	return r, nil
}

// Run drives one request to a final answer. Tool calls are executed and fed back
// until the model answers in text. If the model keeps calling tools past the
// configured limit, Run returns *ToolLoopLimitExceeded together with the partial
// result. Transport failures abort the run as *TransportError.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (res FinalResult, err error) {
	r, err := o.newRun(req)
	if err != nil {
		return FinalResult{}, err
	}
	start := time.Now()
	ctx = withRunID(ctx, r.id)
	ctx, span := o.opts.tracer.Start(ctx, "conduit.run", trace.WithAttributes(
		attribute.String("conduit.provider", r.provider),
		attribute.Int("conduit.tools", len(req.Tools)),
		attribute.Bool("conduit.structured", req.Output != nil),
	))
	defer func() {
		endSpan(span, err)
		o.opts.observer.RunCompleted(ctx, r.provider, time.Since(start), err)
	}()

	var text string
	for {
		if err := ctx.Err(); err != nil {
			return r.result(""), err
		}
		resp, err := r.send(ctx, r.toolsActive)
		if err != nil {
			return r.result(""), err
		}
		final, err := r.handle(ctx, resp)
		if err != nil {
			return r.result(resp.Text), err
		}
		if final {
			text = resp.Text
			break
		}
	}

	res = r.result(text)
	if r.output != nil && o.opts.autoFinalize && NeedsFinalization(r.output, text) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		r.logger.WarnContext(ctx, "structured answer incomplete, finalizing", "turns", r.state.turns)
		o.opts.observer.Finalized(ctx, r.provider)
		r.state.appendUser(finalizeInstruction)
		resp, err := r.send(ctx, false)
		if err != nil {
			return res, err
		}
		r.state.recordResponse(resp, false)
		res = r.result(resp.Text)
		res.Finalized = true
		span.SetAttributes(attribute.Bool("conduit.finalized", true))
	}
	return res, nil
}

func (r *run) result(text string) FinalResult {
	return FinalResult{Text: text, Turns: r.state.turns, ExceededLimit: r.state.exceeded, Usage: r.usage}
}

// send issues one turn to the transport.
func (r *run) send(ctx context.Context, withTools bool) (*Response, error) {
	req := r.state.request(withTools)
	ctx, span := r.o.opts.tracer.Start(ctx, "conduit.turn", trace.WithAttributes(
		attribute.Int("conduit.turn", r.state.turns+1),
		attribute.Bool("conduit.tools_enabled", len(req.Tools) > 0),
	))
	resp, err := r.o.transport.Send(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("transport returned no response")
	}
	if err != nil {
		err = r.transportError(err)
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("conduit.tool_calls", len(resp.ToolCalls)))
	span.End()
	r.addUsage(resp.Usage)
	return resp, nil
}

func (r *run) addUsage(u Usage) {
	r.usage.InputTokens += u.InputTokens
	r.usage.OutputTokens += u.OutputTokens
}

func (r *run) transportError(err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Provider: r.provider, Err: err}
}

// handle applies one response to the conversation. It reports final when the
// response is the candidate answer; otherwise the requested tools have been
// executed and their results appended.
func (r *run) handle(ctx context.Context, resp *Response) (final bool, err error) {
	if len(resp.ToolCalls) == 0 || !r.toolsActive {
		r.state.recordResponse(resp, false)
		r.o.opts.observer.TurnCompleted(ctx, r.provider, r.state.turns, 0)
		r.logger.DebugContext(ctx, "turn finished with text", "turn", r.state.turns, "text_len", len(resp.Text))
		return true, nil
	}
	resp.ToolCalls = normalizeCalls(resp.ToolCalls)
	r.state.recordResponse(resp, true)
	r.state.turns++
	r.o.opts.observer.TurnCompleted(ctx, r.provider, r.state.turns, len(resp.ToolCalls))
	r.logger.DebugContext(ctx, "turn requested tools", "turn", r.state.turns, "tool_calls", len(resp.ToolCalls))
	if r.state.turns > r.o.opts.maxToolTurns {
		r.state.exceeded = true
		r.logger.WarnContext(ctx, "tool loop limit exceeded", "turns", r.state.turns, "max_tool_turns", r.o.opts.maxToolTurns)
		r.o.opts.observer.LoopLimitExceeded(ctx, r.provider, r.state.turns)
		return false, &ToolLoopLimitExceeded{
			TurnsTaken:  r.state.turns,
			MaxTurns:    r.o.opts.maxToolTurns,
			PartialText: resp.Text,
		}
	}
	ctx, span := r.o.opts.tracer.Start(ctx, "conduit.tools", trace.WithAttributes(
		attribute.Int("conduit.tool_calls", len(resp.ToolCalls)),
	))
	results := r.reg.ExecuteBatch(ctx, resp.ToolCalls, r.o.opts.toolConcurrency)
	failed := 0
	for _, res := range results {
		if !res.OK {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("conduit.tool_failures", failed))
	span.End()
	r.state.appendResults(results)
	return false, nil
}

// Complete runs prompt and returns the answer: the text when output is nil,
// otherwise the value parsed and coerced into output (see Parse).
func (o *Orchestrator) Complete(ctx context.Context, prompt string, tools []Tool, output *Type) (any, error) {
	res, err := o.Run(ctx, RunRequest{Prompt: prompt, Tools: tools, Output: output})
	if err != nil {
		return nil, err
	}
	if output == nil {
		if res.Text == "" {
			return nil, fmt.Errorf("conduit: %w", ErrNoOutput)
		}
		return res.Text, nil
	}
	return Parse(output, res.Text)
}

// CompleteAs runs prompt with the output shape described by T and decodes the answer into T.
func CompleteAs[T any](ctx context.Context, o *Orchestrator, prompt string, tools ...Tool) (T, error) {
	var zero T
	t, err := Describe[T]()
	if err != nil {
		return zero, err
	}
	v, err := o.Complete(ctx, prompt, tools, t)
	if err != nil {
		return zero, err
	}
	return As[T](v)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
