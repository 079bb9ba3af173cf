// Package anthropic implements conduit.Transport on the Anthropic Messages API
// through the official SDK. The API is stateless, so every turn replays the
// full history; output schemas are delivered as system prompt instructions.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/skosovsky/conduit"
	"github.com/skosovsky/conduit/internal/apierr"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Transport sends turns with anthropic.Client.
type Transport struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature *float64
}

// Option configures a Transport.
type Option func(*settings)

type settings struct {
	model       string
	maxTokens   int64
	temperature *float64
	request     []option.RequestOption
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithMaxTokens sets max_tokens for each turn. The API requires a value; 4096 is used by default.
func WithMaxTokens(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxTokens = int64(n)
		}
	}
}

func WithTemperature(v float64) Option {
	return func(s *settings) { s.temperature = &v }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.request = append(s.request, option.WithBaseURL(url)) }
}

// WithRequestOptions passes SDK request options (retries, HTTP client, headers) to the client.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(s *settings) { s.request = append(s.request, opts...) }
}

// New returns a Messages API transport.
func New(apiKey string, opts ...Option) *Transport {
	s := settings{model: string(anthropic.ModelClaudeHaiku4_5), maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(&s)
	}
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, s.request...)
	return &Transport{
		client:      anthropic.NewClient(reqOpts...),
		model:       s.model,
		maxTokens:   s.maxTokens,
		temperature: s.temperature,
	}
}

func (t *Transport) Name() string { return providerName }

// SupportsStreamingTools reports true: tool_use input is streamed as input_json_delta.
func (t *Transport) SupportsStreamingTools() bool { return true }

func (t *Transport) Send(ctx context.Context, req *conduit.Request) (*conduit.Response, error) {
	msg, err := t.client.Messages.New(ctx, t.params(req))
	if err != nil {
		return nil, transportError(err)
	}
	out := &conduit.Response{
		FinishReason: string(msg.StopReason),
		Usage:        conduit.Usage{InputTokens: int(msg.Usage.InputTokens), OutputTokens: int(msg.Usage.OutputTokens)},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, conduit.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: conduit.DecodeArgs(string(block.Input)),
			})
		}
	}
	out.Text = text.String()
	return out, nil
}

func (t *Transport) SendStream(ctx context.Context, req *conduit.Request) (conduit.EventStream, error) {
	stream := t.client.Messages.NewStreaming(ctx, t.params(req))
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, transportError(err)
	}
	return &eventStream{stream: stream, blocks: make(map[int64]string)}, nil
}

func (t *Transport) params(req *conduit.Request) anthropic.MessageNewParams {
	p := anthropic.MessageNewParams{
		Model:     anthropic.Model(t.model),
		MaxTokens: t.maxTokens,
		Messages:  convertMessages(req.History),
	}
	if system := systemPrompt(req); system != "" {
		p.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		p.Tools = convertTools(req.Tools)
		if req.ToolChoice == conduit.ToolChoiceAuto {
			p.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}
	if t.temperature != nil {
		p.Temperature = anthropic.Float(*t.temperature)
	}
	return p
}

func systemPrompt(req *conduit.Request) string {
	if req.OutputSchema == nil {
		return req.System
	}
	schema, _ := json.Marshal(req.OutputSchema)
	instr := "When you give your final answer, respond with only a JSON object that matches this JSON schema:\n" + string(schema)
	if req.System == "" {
		return instr
	}
	return req.System + "\n\n" + instr
}

// convertMessages maps history onto Messages API turns. The API requires roles
// to alternate: consecutive tool results and user texts (for example after an
// empty assistant turn) are merged into a single user message.
func convertMessages(history []conduit.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for i := 0; i < len(history); {
		m := history[i]
		switch m.Role {
		case conduit.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, c := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, c.Args, c.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
			i++
		case conduit.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for i < len(history) && history[i].Role == conduit.RoleTool {
				blocks = append(blocks, anthropic.NewToolResultBlock(history[i].ToolCallID, history[i].Content, history[i].IsError))
				i++
			}
			out = appendUser(out, blocks...)
		default:
			out = appendUser(out, anthropic.NewTextBlock(m.Content))
			i++
		}
	}
	return out
}

func appendUser(out []anthropic.MessageParam, blocks ...anthropic.ContentBlockParamUnion) []anthropic.MessageParam {
	if n := len(out); n > 0 && out[n-1].Role == anthropic.MessageParamRoleUser {
		out[n-1].Content = append(out[n-1].Content, blocks...)
		return out
	}
	return append(out, anthropic.NewUserMessage(blocks...))
}

func convertTools(decls []conduit.ToolDeclaration) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(decls))
	for _, d := range decls {
		schema := anthropic.ToolInputSchemaParam{Properties: d.Parameters["properties"]}
		if req, ok := d.Parameters["required"].([]string); ok {
			schema.Required = req
		} else if req, ok := d.Parameters["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		extra := map[string]any{}
		for _, k := range []string{"additionalProperties", "$defs"} {
			if v, ok := d.Parameters[k]; ok {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			schema.ExtraFields = extra
		}
		tp := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if d.Description != "" {
			tp.OfTool.Description = param.NewOpt(d.Description)
		}
		out = append(out, tp)
	}
	return out
}

func transportError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apierr.New(providerName, apiErr.StatusCode, apiErr.RawJSON(), err)
	}
	return &conduit.TransportError{Provider: providerName, Err: err}
}

// eventStream maps SDK stream events onto conduit.StreamEvent.
type eventStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	// blocks maps content block indexes to tool_use ids.
	blocks map[int64]string
	finish string
	done   bool
}

func (s *eventStream) Recv() (conduit.StreamEvent, error) {
	for !s.done && s.stream.Next() {
		ev := s.stream.Current()
		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				s.blocks[ev.Index] = ev.ContentBlock.ID
				return conduit.StreamEvent{Kind: conduit.EventToolCallDelta, CallID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}, nil
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				return conduit.StreamEvent{Kind: conduit.EventTextDelta, Text: ev.Delta.Text}, nil
			case "input_json_delta":
				return conduit.StreamEvent{Kind: conduit.EventToolCallDelta, CallID: s.blocks[ev.Index], ArgsFragment: ev.Delta.PartialJSON}, nil
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				s.finish = string(ev.Delta.StopReason)
			}
		case "message_stop":
			s.done = true
			return conduit.StreamEvent{Kind: conduit.EventDone, FinishReason: s.finish}, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return conduit.StreamEvent{}, transportError(err)
	}
	return conduit.StreamEvent{}, io.EOF
}

func (s *eventStream) Close() error {
	return s.stream.Close()
}

var _ conduit.StreamTransport = (*Transport)(nil)
