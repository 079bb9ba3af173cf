package conduit

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reconstructor accumulates the events of one streamed turn into a Response.
// Argument fragments are buffered per call id in the order calls were first seen;
// a fragment without a call id belongs to the most recently announced call.
type Reconstructor struct {
	order  []string
	calls  map[string]*callBuffer
	chunks []string
	token  string
	finish string
	usage  Usage
}

type callBuffer struct {
	id   string
	name string
	args strings.Builder
}

// NewReconstructor returns an empty Reconstructor.
func NewReconstructor() *Reconstructor {
	return &Reconstructor{calls: make(map[string]*callBuffer)}
}

// Add folds one event into the turn.
func (r *Reconstructor) Add(ev StreamEvent) {
	switch ev.Kind {
	case EventTextDelta:
		if ev.Text != "" {
			r.chunks = append(r.chunks, ev.Text)
		}
	case EventToolCallDelta:
		id := ev.CallID
		if id == "" && len(r.order) > 0 {
			id = r.order[len(r.order)-1]
		}
		buf, ok := r.calls[id]
		if !ok {
			buf = &callBuffer{id: id}
			r.calls[id] = buf
			r.order = append(r.order, id)
		}
		if ev.Name != "" {
			buf.name = ev.Name
		}
		buf.args.WriteString(ev.ArgsFragment)
	case EventDone:
		if ev.ContinuationToken != "" {
			r.token = ev.ContinuationToken
		}
		if ev.FinishReason != "" {
			r.finish = ev.FinishReason
		}
		r.usage.InputTokens += ev.Usage.InputTokens
		r.usage.OutputTokens += ev.Usage.OutputTokens
	}
}

// Chunks returns the text deltas received so far, in arrival order.
func (r *Reconstructor) Chunks() []string { return append([]string(nil), r.chunks...) }

// ToolCalls parses each call's accumulated arguments with DecodeArgs.
func (r *Reconstructor) ToolCalls() []ToolCall {
	if len(r.order) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(r.order))
	for _, id := range r.order {
		buf := r.calls[id]
		calls = append(calls, ToolCall{ID: buf.id, Name: buf.name, Args: DecodeArgs(buf.args.String())})
	}
	return calls
}

// Response returns the turn as if it had been received in one piece.
func (r *Reconstructor) Response() *Response {
	return &Response{
		Text:              strings.Join(r.chunks, ""),
		ToolCalls:         r.ToolCalls(),
		ContinuationToken: r.token,
		FinishReason:      r.finish,
		Usage:             r.usage,
	}
}

// Stream runs req and yields text chunks as they arrive. Without tools, deltas
// are forwarded as-is. With tools, each turn is buffered; turns that end in tool
// calls are executed like in Run and their text is discarded, and only the text
// of the final turn is yielded. Errors are yielded once as the last element.
//
// Stream fails before any transport call with *ConfigurationError when req asks
// for structured output, when the transport cannot stream, or when tools are set
// and the transport cannot stream tool calls.
func (o *Orchestrator) Stream(ctx context.Context, req RunRequest) (iter.Seq2[string, error], error) {
	if req.Output != nil {
		return nil, &ConfigurationError{Reason: "streaming supports text-only requests; structured output cannot be streamed"}
	}
	st, ok := o.transport.(StreamTransport)
	if !ok {
		name := "<nil>"
		if o.transport != nil {
			name = o.transport.Name()
		}
		return nil, &ConfigurationError{Reason: "transport " + name + " does not support streaming"}
	}
	if len(req.Tools) > 0 && !st.SupportsStreamingTools() {
		return nil, &ConfigurationError{Reason: "transport " + st.Name() + " does not support tools while streaming"}
	}
	r, err := o.newRun(req)
	if err != nil {
		return nil, err
	}
	return func(yield func(string, error) bool) {
		start := time.Now()
		ctx := withRunID(ctx, r.id)
		ctx, span := o.opts.tracer.Start(ctx, "conduit.stream", trace.WithAttributes(
			attribute.String("conduit.provider", r.provider),
			attribute.Int("conduit.tools", len(req.Tools)),
		))
		err := r.stream(ctx, st, yield)
		endSpan(span, err)
		o.opts.observer.RunCompleted(ctx, r.provider, time.Since(start), err)
		if err != nil && !errors.Is(err, errStopped) {
			yield("", err)
		}
	}, nil
}

// errStopped marks that the consumer stopped iterating.
var errStopped = errors.New("stream consumer stopped")

func (r *run) stream(ctx context.Context, st StreamTransport, yield func(string, error) bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		es, err := st.SendStream(ctx, r.state.request(r.toolsActive))
		if err != nil {
			return r.transportError(err)
		}
		rec := NewReconstructor()
		err = drain(es, func(ev StreamEvent) bool {
			rec.Add(ev)
			if !r.toolsActive && ev.Kind == EventTextDelta && ev.Text != "" {
				return yield(ev.Text, nil)
			}
			return true
		})
		if err != nil {
			if errors.Is(err, errStopped) {
				return err
			}
			return r.transportError(err)
		}
		resp := rec.Response()
		r.addUsage(resp.Usage)
		final, err := r.handle(ctx, resp)
		if err != nil {
			return err
		}
		if !final {
			continue
		}
		if r.toolsActive {
			for _, chunk := range rec.Chunks() {
				if !yield(chunk, nil) {
					return errStopped
				}
			}
		}
		r.logger.DebugContext(ctx, "stream finished", "turns", r.state.turns,
			"input_tokens", r.usage.InputTokens, "output_tokens", r.usage.OutputTokens)
		return nil
	}
}

// drain reads es to the end, passing each event to fn, and closes it.
func drain(es EventStream, fn func(StreamEvent) bool) (err error) {
	defer func() {
		if cerr := es.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for {
		ev, err := es.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(ev) {
			return errStopped
		}
	}
}
