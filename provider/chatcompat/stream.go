package chatcompat

import (
	"fmt"
	"io"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/skosovsky/conduit"
)

// eventStream maps chat completion chunks onto conduit.StreamEvent. Tool call
// deltas are keyed by index; ids missing from the server are synthesized. Usage
// arrives in a trailing chunk without choices and is reported on EventDone.
type eventStream struct {
	t       *Transport
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	ids     map[int64]string
	pending []conduit.StreamEvent
	finish  string
	usage   conduit.Usage
	done    bool
}

func newEventStream(t *Transport, stream *ssestream.Stream[openai.ChatCompletionChunk]) *eventStream {
	return &eventStream{t: t, stream: stream, ids: make(map[int64]string)}
}

func (s *eventStream) Recv() (conduit.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return conduit.StreamEvent{}, io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return conduit.StreamEvent{}, s.t.transportError(err)
			}
			s.done = true
			s.pending = append(s.pending, conduit.StreamEvent{
				Kind:         conduit.EventDone,
				FinishReason: s.finish,
				Usage:        s.usage,
			})
			continue
		}
		s.queue(s.stream.Current())
	}
}

func (s *eventStream) queue(c openai.ChatCompletionChunk) {
	if c.Usage.PromptTokens > 0 || c.Usage.CompletionTokens > 0 {
		s.usage = conduit.Usage{InputTokens: int(c.Usage.PromptTokens), OutputTokens: int(c.Usage.CompletionTokens)}
	}
	for _, choice := range c.Choices {
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, conduit.StreamEvent{Kind: conduit.EventTextDelta, Text: choice.Delta.Content})
		}
		for _, call := range choice.Delta.ToolCalls {
			id, known := s.ids[call.Index]
			if !known {
				id = call.ID
				if id == "" {
					id = fmt.Sprintf("call_%d", call.Index)
				}
				s.ids[call.Index] = id
			}
			s.pending = append(s.pending, conduit.StreamEvent{
				Kind:         conduit.EventToolCallDelta,
				CallID:       id,
				Name:         call.Function.Name,
				ArgsFragment: call.Function.Arguments,
			})
		}
		if choice.FinishReason != "" {
			s.finish = choice.FinishReason
		}
	}
}

func (s *eventStream) Close() error {
	return s.stream.Close()
}
