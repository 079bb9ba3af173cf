package conduit

import (
	"context"
	"encoding/json"
	"time"
)

// Role tags a Message in conversation history.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Tool is the contract for an LLM-callable instrument.
// It is provider-agnostic (no knowledge of OpenAI, Anthropic, etc.).
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a valid JSON Schema as map (compatible with LLM tool definitions).
	Parameters() map[string]any
	// Execute runs the tool with JSON arguments and returns the JSON-encoded result.
	// The error message of a failed call is shown to the model verbatim unless it is a SystemError.
	Execute(ctx context.Context, argsJSON []byte) ([]byte, error)
}

// ToolMetadata is implemented by tools created with NewTool and provides optional per-tool settings.
// Registry uses Timeout() to override default execution timeout when set.
type ToolMetadata interface {
	Timeout() time.Duration
	Tags() []string
	Version() string
	IsDangerous() bool
}

// ToolCall is a single execution request as produced by the model.
// ID may be empty for providers without explicit call ids.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult is the outcome of one ToolCall. Exactly one of Value (OK) or Error (!OK) is meaningful.
type ToolResult struct {
	CallID   string
	ToolName string
	OK       bool
	Value    json.RawMessage
	Error    string
	// Err is the original error for hooks and metrics; it never leaves the process.
	Err error
}

// Output returns the payload fed back to the model: the error text for failed calls,
// the bare string for string results and the JSON encoding otherwise.
func (r ToolResult) Output() string {
	if !r.OK {
		return r.Error
	}
	var s string
	if err := json.Unmarshal(r.Value, &s); err == nil {
		return s
	}
	return string(r.Value)
}

// Message is one entry of conversation history.
type Message struct {
	Role      Role
	Content   string
	ToolCalls []ToolCall
	// ToolCallID and ToolName identify the call a RoleTool message answers.
	ToolCallID string
	ToolName   string
	IsError    bool
}

// ToolDeclaration is the provider-facing description of a Tool.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolChoiceAuto lets the model decide whether to call tools.
const ToolChoiceAuto = "auto"

// Request is the provider-neutral request built from ConversationState for one turn.
type Request struct {
	System string
	// History is the full transcript. Delta is the suffix not yet acknowledged by
	// the provider; transports that honour ContinuationToken send only Delta.
	History           []Message
	Delta             []Message
	ContinuationToken string
	Tools             []ToolDeclaration
	ToolChoice        string
	// OutputSchema is an object-rooted JSON Schema the final answer must satisfy.
	OutputSchema map[string]any
	OutputName   string
}

// Usage is token accounting reported by the provider, when available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the provider-neutral view of one provider reply.
type Response struct {
	Text              string
	ToolCalls         []ToolCall
	ContinuationToken string
	FinishReason      string
	Usage             Usage
}

// Transport sends one turn to a concrete provider.
type Transport interface {
	Name() string
	Send(ctx context.Context, req *Request) (*Response, error)
}

// StreamTransport is implemented by transports that can stream a turn.
type StreamTransport interface {
	Transport
	SendStream(ctx context.Context, req *Request) (EventStream, error)
	// SupportsStreamingTools reports whether tool calls can be reconstructed from the stream.
	SupportsStreamingTools() bool
}

// EventStream yields events of one streamed turn. Recv returns io.EOF after the last event.
type EventStream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// StreamEventKind classifies a StreamEvent.
type StreamEventKind int

const (
	// EventTextDelta carries a fragment of assistant text.
	EventTextDelta StreamEventKind = iota + 1
	// EventToolCallDelta announces a call or carries a fragment of its JSON arguments.
	EventToolCallDelta
	// EventDone carries turn metadata (continuation token, finish reason, usage).
	EventDone
)

// StreamEvent is one incremental event of a streamed turn. For EventToolCallDelta,
// CallID identifies the call; Name is set on the first event for that call.
type StreamEvent struct {
	Kind              StreamEventKind
	Text              string
	CallID            string
	Name              string
	ArgsFragment      string
	ContinuationToken string
	FinishReason      string
	Usage             Usage
}

// FinalResult is the outcome of a run before coercion into the requested Type.
type FinalResult struct {
	Text string
	// Turns is the number of tool turns executed.
	Turns     int
	Finalized bool
	// ExceededLimit is set on the partial result returned with *ToolLoopLimitExceeded.
	ExceededLimit bool
	Usage         Usage
}
