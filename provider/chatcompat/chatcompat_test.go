package chatcompat_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skosovsky/conduit"
	"github.com/skosovsky/conduit/provider/chatcompat"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type server struct {
	mu      sync.Mutex
	bodies  []map[string]any
	auth    []string
	replies []string
}

func (s *server) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		s.mu.Lock()
		idx := len(s.bodies)
		s.bodies = append(s.bodies, body)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()
		if strings.HasPrefix(s.replies[idx], "data:") {
			w.Header().Set("Content-Type", "text/event-stream")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		_, _ = io.WriteString(w, s.replies[idx])
	}))
	t.Cleanup(srv.Close)
	return srv
}

// noRetry disables SDK retries so each scripted reply is consumed once.
var noRetry = chatcompat.WithRequestOptions(option.WithMaxRetries(0))

func (s *server) body(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[i]
}

func TestSend_ReplaysHistory(t *testing.T) {
	s := &server{replies: []string{`{
		"choices": [{"message": {"content": null, "tool_calls": [
			{"id": "call_9", "type": "function", "function": {"name": "lookup", "arguments": "{\"sku\":\"A1\"}"}}
		]}, "finish_reason": "tool_calls"}],
		"usage": {"prompt_tokens": 30, "completion_tokens": 4}
	}`}}
	srv := s.start(t)
	tr := chatcompat.New("key", chatcompat.WithBaseURL(srv.URL), noRetry, chatcompat.WithModel("m1"), chatcompat.WithMaxTokens(100))

	resp, err := tr.Send(context.Background(), &conduit.Request{
		System: "sys",
		History: []conduit.Message{
			{Role: conduit.RoleUser, Content: "find A1"},
			{Role: conduit.RoleAssistant, ToolCalls: []conduit.ToolCall{{ID: "c0", Name: "lookup", Args: map[string]any{"sku": "A0"}}}},
			{Role: conduit.RoleTool, Content: "none", ToolCallID: "c0", ToolName: "lookup", IsError: true},
		},
		ContinuationToken: "ignored",
		Tools:             []conduit.ToolDeclaration{{Name: "lookup", Parameters: map[string]any{"type": "object"}}},
		ToolChoice:        conduit.ToolChoiceAuto,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Text)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, conduit.Usage{InputTokens: 21, OutputTokens: 8}, resp.Usage)
	assert.Equal(t, []conduit.ToolCall{{ID: "call_9", Name: "lookup", Args: map[string]any{"sku": "A1"}}}, resp.ToolCalls)
	assert.Equal(t, conduit.Usage{InputTokens: 30, OutputTokens: 4}, resp.Usage)

	body := s.body(0)
	assert.Equal(t, "m1", body["model"])
	assert.NotContains(t, body, "previous_response_id")
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 4)
	assert.Equal(t, map[string]any{"role": "system", "content": "sys"}, msgs[0])
	assistant := msgs[2].(map[string]any)
	assert.Nil(t, assistant["content"])
	call := assistant["tool_calls"].([]any)[0].(map[string]any)
	assert.Equal(t, "c0", call["id"])
	assert.JSONEq(t, `{"sku":"A0"}`, call["function"].(map[string]any)["arguments"].(string))
	tool := msgs[3].(map[string]any)
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "c0", tool["tool_call_id"])
	assert.Equal(t, "none", tool["content"])
	assert.Equal(t, "auto", body["tool_choice"])
	assert.InDelta(t, 100, body["max_tokens"], 0)
}

func TestSend_ResponseFormat(t *testing.T) {
	schema := map[string]any{"type": "object", "properties": map[string]any{"n": map[string]any{"type": "integer"}}}

	s := &server{replies: []string{`{"choices":[{"message":{"content":"{\"n\":1}"}}]}`, `{"choices":[{"message":{"content":"{\"n\":1}"}}]}`}}
	srv := s.start(t)

	strict := chatcompat.New("", chatcompat.WithBaseURL(srv.URL), noRetry)
	resp, err := strict.Send(context.Background(), &conduit.Request{OutputSchema: schema, OutputName: "Count"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, resp.Text)
	format := s.body(0)["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
	assert.Equal(t, "Count", format["json_schema"].(map[string]any)["name"])

	loose := chatcompat.NewDeepSeek("k", chatcompat.WithBaseURL(srv.URL), noRetry)
	assert.Equal(t, "deepseek", loose.Name())
	_, err = loose.Send(context.Background(), &conduit.Request{System: "sys", OutputSchema: schema})
	require.NoError(t, err)
	body := s.body(1)
	assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
	sys := body["messages"].([]any)[0].(map[string]any)["content"].(string)
	assert.Contains(t, sys, `"integer"`)
}

func TestSend_NoChoices(t *testing.T) {
	s := &server{replies: []string{`{"choices":[]}`}}
	srv := s.start(t)
	tr := chatcompat.NewOllama("llama3", chatcompat.WithBaseURL(srv.URL), noRetry)

	_, err := tr.Send(context.Background(), &conduit.Request{})
	var te *conduit.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "ollama", te.Provider)
	assert.Empty(t, s.auth[0])
}

func TestSendStream_IndexedToolCalls(t *testing.T) {
	s := &server{replies: []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"Look\"}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"name\":\"a\",\"arguments\":\"{\\\"x\\\":\"}}]}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":1,\"id\":\"real\",\"function\":{\"name\":\"b\",\"arguments\":\"{}\"}}]}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"1}\"}}]}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n" +
			"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":21,\"completion_tokens\":8}}\n\n" +
			"data: [DONE]\n\n",
	}}
	srv := s.start(t)
	tr := chatcompat.New("", chatcompat.WithBaseURL(srv.URL), noRetry)

	es, err := tr.SendStream(context.Background(), &conduit.Request{})
	require.NoError(t, err)
	defer es.Close()

	rec := conduit.NewReconstructor()
	for {
		ev, err := es.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		rec.Add(ev)
	}
	resp := rec.Response()
	assert.Equal(t, "Look", resp.Text)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, conduit.Usage{InputTokens: 21, OutputTokens: 8}, resp.Usage)
	assert.Equal(t, []conduit.ToolCall{
		{ID: "call_0", Name: "a", Args: map[string]any{"x": float64(1)}},
		{ID: "real", Name: "b", Args: map[string]any{}},
	}, resp.ToolCalls)
	body := s.body(0)
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, map[string]any{"include_usage": true}, body["stream_options"])
}

func TestSendStream_UsageOnDone(t *testing.T) {
	s := &server{replies: []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"hi\"},\"finish_reason\":\"stop\"}]}\n\n" +
			"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":1}}\n\n" +
			"data: [DONE]\n\n",
	}}
	srv := s.start(t)
	tr := chatcompat.New("", chatcompat.WithBaseURL(srv.URL), noRetry)

	es, err := tr.SendStream(context.Background(), &conduit.Request{History: []conduit.Message{{Role: conduit.RoleUser, Content: "x"}}})
	require.NoError(t, err)
	defer es.Close()
	var done []conduit.StreamEvent
	for {
		ev, err := es.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if ev.Kind == conduit.EventDone {
			done = append(done, ev)
		}
	}
	require.Len(t, done, 1)
	assert.Equal(t, "stop", done[0].FinishReason)
	assert.Equal(t, conduit.Usage{InputTokens: 5, OutputTokens: 1}, done[0].Usage)
}

func TestSend_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	t.Cleanup(srv.Close)
	tr := chatcompat.NewDeepSeek("k", chatcompat.WithBaseURL(srv.URL), noRetry)

	_, err := tr.Send(context.Background(), &conduit.Request{History: []conduit.Message{{Role: conduit.RoleUser, Content: "x"}}})
	var te *conduit.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "deepseek", te.Provider)
	assert.Equal(t, http.StatusTooManyRequests, te.StatusCode)
	assert.Equal(t, "rate limit exceeded: slow down", te.Message)
}

func TestNewGemini(t *testing.T) {
	s := &server{replies: []string{`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`}}
	srv := s.start(t)

	tr := chatcompat.NewGemini("g-key", chatcompat.WithBaseURL(srv.URL), noRetry)
	assert.Equal(t, "gemini", tr.Name())
	resp, err := tr.Send(context.Background(), &conduit.Request{History: []conduit.Message{{Role: conduit.RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, "Bearer g-key", s.auth[0])
	assert.Equal(t, "gemini-2.0-flash", s.body(0)["model"])
}

func TestOrchestrator_StructuredOutput(t *testing.T) {
	s := &server{replies: []string{`{"choices":[{"message":{"content":"` + "```json\\n{\\\"total\\\": \\\"12\\\"}\\n```" + `"}}]}`}}
	srv := s.start(t)

	orch := conduit.New(chatcompat.New("", chatcompat.WithBaseURL(srv.URL), noRetry))
	out, err := orch.Complete(context.Background(), "sum", nil, conduit.Record("Sum", conduit.Required("total", conduit.Integer())))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": int64(12)}, out)
}
