// Package openai implements conduit.Transport for the OpenAI Responses API on
// the official SDK. Turns after the first reference the previous response id,
// so only new messages are sent.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/skosovsky/conduit"
	"github.com/skosovsky/conduit/internal/apierr"
)

const (
	providerName = "openai"
	defaultModel = "gpt-4o-mini"
)

// Transport talks to the Responses API.
type Transport struct {
	client      openai.Client
	model       string
	temperature *float64
	maxTokens   int64
}

// Option configures a Transport.
type Option func(*settings)

type settings struct {
	model       string
	temperature *float64
	maxTokens   int64
	request     []option.RequestOption
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithBaseURL overrides the API base URL (e.g. for a proxy).
func WithBaseURL(url string) Option {
	return func(s *settings) { s.request = append(s.request, option.WithBaseURL(url)) }
}

// WithTemperature sets the sampling temperature. It is not sent to reasoning models.
func WithTemperature(v float64) Option {
	return func(s *settings) { s.temperature = &v }
}

// WithMaxTokens caps the output tokens of each turn.
func WithMaxTokens(n int) Option {
	return func(s *settings) { s.maxTokens = int64(n) }
}

// WithHTTPClient sets the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.request = append(s.request, option.WithHTTPClient(c)) }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(s *settings) { s.request = append(s.request, option.WithHeaderAdd(key, value)) }
}

// WithRequestOptions passes SDK request options (retries, middleware) to the client.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(s *settings) { s.request = append(s.request, opts...) }
}

// New returns a Responses API transport.
func New(apiKey string, opts ...Option) *Transport {
	s := settings{model: defaultModel}
	for _, opt := range opts {
		opt(&s)
	}
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, s.request...)
	return &Transport{
		client:      openai.NewClient(reqOpts...),
		model:       s.model,
		temperature: s.temperature,
		maxTokens:   s.maxTokens,
	}
}

func (t *Transport) Name() string { return providerName }

// SupportsStreamingTools reports true: function call arguments are streamed per item.
func (t *Transport) SupportsStreamingTools() bool { return true }

// Send issues one non-streaming turn.
func (t *Transport) Send(ctx context.Context, req *conduit.Request) (*conduit.Response, error) {
	resp, err := t.client.Responses.New(ctx, t.params(req))
	if err != nil {
		return nil, transportError(err)
	}
	if resp.Error.Message != "" {
		return nil, &conduit.TransportError{Provider: providerName, Message: resp.Error.Message}
	}
	return convertResponse(resp), nil
}

// SendStream issues one streaming turn.
func (t *Transport) SendStream(ctx context.Context, req *conduit.Request) (conduit.EventStream, error) {
	stream := t.client.Responses.NewStreaming(ctx, t.params(req))
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, transportError(err)
	}
	return &eventStream{stream: stream, callOf: make(map[string]string)}, nil
}

func (t *Transport) params(req *conduit.Request) responses.ResponseNewParams {
	p := responses.ResponseNewParams{Model: shared.ResponsesModel(t.model)}
	if req.System != "" {
		p.Instructions = openai.String(req.System)
	}
	messages := req.History
	if req.ContinuationToken != "" {
		p.PreviousResponseID = openai.String(req.ContinuationToken)
		messages = req.Delta
	}
	p.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: inputItems(messages)}
	if len(req.Tools) > 0 {
		p.Tools = make([]responses.ToolUnionParam, 0, len(req.Tools))
		for _, d := range req.Tools {
			tp := responses.ToolParamOfFunction(d.Name, d.Parameters, false)
			if d.Description != "" {
				tp.OfFunction.Description = openai.String(d.Description)
			}
			p.Tools = append(p.Tools, tp)
		}
		if req.ToolChoice == conduit.ToolChoiceAuto {
			p.ToolChoice = responses.ResponseNewParamsToolChoiceUnion{
				OfToolChoiceMode: param.NewOpt(responses.ToolChoiceOptionsAuto),
			}
		}
	}
	if req.OutputSchema != nil {
		p.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   schemaName(req.OutputName),
					Schema: req.OutputSchema,
					Strict: openai.Bool(true),
				},
			},
		}
	}
	if t.temperature != nil && !IsReasoningModel(t.model) {
		p.Temperature = openai.Float(*t.temperature)
	}
	if t.maxTokens > 0 {
		p.MaxOutputTokens = openai.Int(t.maxTokens)
	}
	return p
}

func inputItems(messages []conduit.Message) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case conduit.RoleTool:
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, m.Content))
		case conduit.RoleAssistant:
			if m.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, c := range m.ToolCalls {
				args, err := json.Marshal(c.Args)
				if err != nil || c.Args == nil {
					args = []byte("{}")
				}
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(string(args), c.ID, c.Name))
			}
		case conduit.RoleSystem:
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleSystem))
		default:
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleUser))
		}
	}
	return items
}

var reasoningPrefixes = []string{"gpt-5", "o1", "o3", "o4"}

// IsReasoningModel reports whether model rejects the temperature parameter.
func IsReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, p := range reasoningPrefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// schemaName returns a json_schema format name accepted by the API.
func schemaName(name string) string {
	name = invalidNameChars.ReplaceAllString(name, "_")
	if name == "" {
		return "output"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func convertResponse(r *responses.Response) *conduit.Response {
	out := &conduit.Response{
		ContinuationToken: r.ID,
		FinishReason:      string(r.Status),
		Usage:             conduit.Usage{InputTokens: int(r.Usage.InputTokens), OutputTokens: int(r.Usage.OutputTokens)},
	}
	var text strings.Builder
	for _, item := range r.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					text.WriteString(c.Text)
				}
			}
		case "function_call":
			out.ToolCalls = append(out.ToolCalls, conduit.ToolCall{
				ID:   callID(item.CallID, item.ID),
				Name: item.Name,
				Args: conduit.DecodeArgs(item.Arguments),
			})
		}
	}
	out.Text = text.String()
	return out
}

func callID(callID, itemID string) string {
	if callID != "" {
		return callID
	}
	return itemID
}

func transportError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apierr.New(providerName, apiErr.StatusCode, apiErr.RawJSON(), err)
	}
	return &conduit.TransportError{Provider: providerName, Err: err}
}

// eventStream maps Responses API stream events onto conduit.StreamEvent.
// Argument deltas reference the output item id, which is mapped to the call id
// announced by response.output_item.added.
type eventStream struct {
	stream *ssestream.Stream[responses.ResponseStreamEventUnion]
	callOf map[string]string
	done   bool
}

func (s *eventStream) Recv() (conduit.StreamEvent, error) {
	for !s.done && s.stream.Next() {
		ev := s.stream.Current()
		switch ev.Type {
		case "response.output_text.delta":
			return conduit.StreamEvent{Kind: conduit.EventTextDelta, Text: ev.Delta.OfString}, nil
		case "response.output_item.added":
			if ev.Item.Type != "function_call" {
				continue
			}
			id := callID(ev.Item.CallID, ev.Item.ID)
			s.callOf[ev.Item.ID] = id
			return conduit.StreamEvent{
				Kind:         conduit.EventToolCallDelta,
				CallID:       id,
				Name:         ev.Item.Name,
				ArgsFragment: ev.Item.Arguments,
			}, nil
		case "response.function_call_arguments.delta":
			id, ok := s.callOf[ev.ItemID]
			if !ok {
				id = ev.ItemID
			}
			return conduit.StreamEvent{Kind: conduit.EventToolCallDelta, CallID: id, ArgsFragment: ev.Delta.OfString}, nil
		case "response.completed", "response.incomplete":
			s.done = true
			return conduit.StreamEvent{
				Kind:              conduit.EventDone,
				ContinuationToken: ev.Response.ID,
				FinishReason:      string(ev.Response.Status),
				Usage: conduit.Usage{
					InputTokens:  int(ev.Response.Usage.InputTokens),
					OutputTokens: int(ev.Response.Usage.OutputTokens),
				},
			}, nil
		case "response.failed":
			msg := ev.Response.Error.Message
			if msg == "" {
				msg = "response failed"
			}
			return conduit.StreamEvent{}, &conduit.TransportError{Provider: providerName, Message: msg}
		case "error":
			msg := ev.Message
			if msg == "" {
				msg = "stream failed"
			}
			return conduit.StreamEvent{}, &conduit.TransportError{Provider: providerName, Message: msg}
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
