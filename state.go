package conduit

import "github.com/google/uuid"

// finalizeInstruction is appended as a user turn when a structured answer is incomplete.
const finalizeInstruction = "Return only the final JSON object that satisfies the required output schema, " +
	"with every required field filled in. Do not call tools and do not add any other text."

// conversationState is owned by a single run and never shared.
type conversationState struct {
	system  string
	history []Message
	// acked is the number of history messages the provider holds under token.
	acked        int
	token        string
	turns        int
	tools        []ToolDeclaration
	outputSchema map[string]any
	outputName   string
	exceeded     bool
}

func (s *conversationState) request(withTools bool) *Request {
	req := &Request{
		System:            s.system,
		History:           s.history,
		Delta:             s.history[s.acked:],
		ContinuationToken: s.token,
		OutputSchema:      s.outputSchema,
		OutputName:        s.outputName,
	}
	if withTools && len(s.tools) > 0 {
		req.Tools = s.tools
		req.ToolChoice = ToolChoiceAuto
	}
	return req
}

// recordResponse appends the assistant turn. keepCalls is false when tools are
// inactive, since unanswered calls would make the next request invalid.
func (s *conversationState) recordResponse(resp *Response, keepCalls bool) {
	msg := Message{Role: RoleAssistant, Content: resp.Text}
	if keepCalls {
		msg.ToolCalls = resp.ToolCalls
	}
	s.history = append(s.history, msg)
	if resp.ContinuationToken != "" {
		s.token = resp.ContinuationToken
		s.acked = len(s.history)
	} else {
		s.token = ""
		s.acked = 0
	}
}

func (s *conversationState) appendResults(results []ToolResult) {
	for _, r := range results {
		s.history = append(s.history, Message{
			Role:       RoleTool,
			Content:    r.Output(),
			ToolCallID: r.CallID,
			ToolName:   r.ToolName,
			IsError:    !r.OK,
		})
	}
}

func (s *conversationState) appendUser(text string) {
	s.history = append(s.history, Message{Role: RoleUser, Content: text})
}

// normalizeCalls assigns ids to calls from providers that omit them and replaces nil args.
func normalizeCalls(calls []ToolCall) []ToolCall {
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = "call_" + uuid.NewString()
		}
		if c.Args == nil {
			c.Args = map[string]any{}
		}
		out[i] = c
	}
	return out
}
