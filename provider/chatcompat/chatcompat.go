// Package chatcompat implements conduit.Transport for OpenAI-compatible Chat
// Completions endpoints (Ollama, DeepSeek, Gemini, vLLM, gateways). The endpoint
// keeps no server-side state, so every turn replays the full history.
package chatcompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/skosovsky/conduit"
	"github.com/skosovsky/conduit/internal/apierr"
)

const (
	DefaultBaseURL  = "https://api.openai.com/v1"
	OllamaBaseURL   = "http://localhost:11434/v1"
	DeepSeekBaseURL = "https://api.deepseek.com/v1"
	GeminiBaseURL   = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// Transport talks to a /chat/completions endpoint.
type Transport struct {
	name        string
	client      openai.Client
	model       string
	temperature *float64
	maxTokens   int64
	jsonSchema  bool
}

// Option configures a Transport.
type Option func(*settings)

type settings struct {
	name        string
	baseURL     string
	model       string
	temperature *float64
	maxTokens   int64
	jsonSchema  bool
	request     []option.RequestOption
}

// WithName sets the provider name used in errors and logs.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = strings.TrimRight(url, "/") }
}

func WithTemperature(v float64) Option {
	return func(s *settings) { s.temperature = &v }
}

func WithMaxTokens(n int) Option {
	return func(s *settings) { s.maxTokens = int64(n) }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.request = append(s.request, option.WithHTTPClient(c)) }
}

func WithHeader(key, value string) Option {
	return func(s *settings) { s.request = append(s.request, option.WithHeaderAdd(key, value)) }
}

// WithRequestOptions passes SDK request options (retries, middleware) to the client.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(s *settings) { s.request = append(s.request, opts...) }
}

// WithJSONSchema controls whether output schemas are sent as a json_schema
// response_format. When disabled the schema is appended to the system prompt,
// for servers that only accept {"type":"json_object"}.
func WithJSONSchema(enable bool) Option {
	return func(s *settings) { s.jsonSchema = enable }
}

// New returns a Chat Completions transport. An empty apiKey sends no
// Authorization header.
func New(apiKey string, opts ...Option) *Transport {
	s := settings{name: "chat", baseURL: DefaultBaseURL, model: "gpt-4o-mini", jsonSchema: true}
	for _, opt := range opts {
		opt(&s)
	}
	reqOpts := []option.RequestOption{option.WithBaseURL(s.baseURL)}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	} else {
		// Drop a key the SDK picked up from OPENAI_API_KEY.
		reqOpts = append(reqOpts, option.WithHeaderDel("authorization"))
	}
	return &Transport{
		name:        s.name,
		client:      openai.NewClient(append(reqOpts, s.request...)...),
		model:       s.model,
		temperature: s.temperature,
		maxTokens:   s.maxTokens,
		jsonSchema:  s.jsonSchema,
	}
}

// NewOllama returns a transport for a local Ollama server.
func NewOllama(model string, opts ...Option) *Transport {
	return New("", append([]Option{WithName("ollama"), WithBaseURL(OllamaBaseURL), WithModel(model)}, opts...)...)
}

// NewDeepSeek returns a transport for the DeepSeek API. DeepSeek accepts only
// json_object response formats.
func NewDeepSeek(apiKey string, opts ...Option) *Transport {
	base := []Option{WithName("deepseek"), WithBaseURL(DeepSeekBaseURL), WithModel("deepseek-chat"), WithJSONSchema(false)}
	return New(apiKey, append(base, opts...)...)
}

// NewGemini returns a transport for Gemini through its OpenAI-compatible endpoint.
func NewGemini(apiKey string, opts ...Option) *Transport {
	base := []Option{WithName("gemini"), WithBaseURL(GeminiBaseURL), WithModel("gemini-2.0-flash")}
	return New(apiKey, append(base, opts...)...)
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) SupportsStreamingTools() bool { return true }

func (t *Transport) Send(ctx context.Context, req *conduit.Request) (*conduit.Response, error) {
	resp, err := t.client.Chat.Completions.New(ctx, t.params(req))
	if err != nil {
		return nil, t.transportError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &conduit.TransportError{Provider: t.name, StatusCode: http.StatusOK, Message: "response has no choices"}
	}
	return convertCompletion(resp), nil
}

func (t *Transport) SendStream(ctx context.Context, req *conduit.Request) (conduit.EventStream, error) {
	p := t.params(req)
	p.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := t.client.Chat.Completions.NewStreaming(ctx, p)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, t.transportError(err)
	}
	return newEventStream(t, stream), nil
}

func (t *Transport) params(req *conduit.Request) openai.ChatCompletionNewParams {
	system := req.System
	if req.OutputSchema != nil && !t.jsonSchema {
		schema, _ := json.Marshal(req.OutputSchema)
		system = strings.TrimSpace(system + "\n\nRespond with a JSON object matching this schema:\n" + string(schema))
	}
	p := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(t.model),
		Messages: chatMessages(system, req.History),
	}
	if len(req.Tools) > 0 {
		p.Tools = make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, d := range req.Tools {
			fn := shared.FunctionDefinitionParam{Name: d.Name, Parameters: shared.FunctionParameters(d.Parameters)}
			if d.Description != "" {
				fn.Description = openai.String(d.Description)
			}
			p.Tools[i] = openai.ChatCompletionToolParam{Function: fn}
		}
		if req.ToolChoice != "" {
			p.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(req.ToolChoice)}
		}
	}
	if req.OutputSchema != nil {
		if t.jsonSchema {
			name := req.OutputName
			if name == "" {
				name = "output"
			}
			p.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
					JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
						Name:   name,
						Schema: req.OutputSchema,
						Strict: openai.Bool(true),
					},
				},
			}
		} else {
			p.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			}
		}
	}
	if t.temperature != nil {
		p.Temperature = openai.Float(*t.temperature)
	}
	if t.maxTokens > 0 {
		p.MaxTokens = openai.Int(t.maxTokens)
	}
	return p
}

func chatMessages(system string, history []conduit.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range history {
		switch m.Role {
		case conduit.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case conduit.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case conduit.RoleAssistant:
			out = append(out, assistantMessage(m))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// assistantMessage leaves content unset for a turn that only calls tools.
func assistantMessage(m conduit.Message) openai.ChatCompletionMessageParamUnion {
	msg := openai.ChatCompletionAssistantMessageParam{}
	if m.Content != "" || len(m.ToolCalls) == 0 {
		msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)}
	}
	for _, c := range m.ToolCalls {
		args, err := json.Marshal(c.Args)
		if err != nil || c.Args == nil {
			args = []byte("{}")
		}
		msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: c.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      c.Name,
				Arguments: string(args),
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}

func convertCompletion(c *openai.ChatCompletion) *conduit.Response {
	choice := c.Choices[0]
	out := &conduit.Response{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        conduit.Usage{InputTokens: int(c.Usage.PromptTokens), OutputTokens: int(c.Usage.CompletionTokens)},
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, conduit.ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: conduit.DecodeArgs(call.Function.Arguments),
		})
	}
	return out
}

func (t *Transport) transportError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apierr.New(t.name, apiErr.StatusCode, apiErr.RawJSON(), err)
	}
	return &conduit.TransportError{Provider: t.name, Err: err}
}

var _ conduit.StreamTransport = (*Transport)(nil)
