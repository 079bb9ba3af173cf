package testutil

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"

	"github.com/skosovsky/conduit"
)

// ErrScriptExhausted is returned when a scripted transport receives more turns than scripted.
var ErrScriptExhausted = errors.New("testutil: transport script exhausted")

// ScriptedTransport replays a fixed sequence of responses and records every request.
// Streams holds the event sequences replayed by SendStream.
type ScriptedTransport struct {
	NameVal        string
	Responses      []*conduit.Response
	Streams        [][]conduit.StreamEvent
	Err            error
	StreamingTools bool

	mu       sync.Mutex
	requests []*conduit.Request
	sent     int
	streamed int
}

// Name returns NameVal or "scripted".
func (s *ScriptedTransport) Name() string {
	if s.NameVal != "" {
		return s.NameVal
	}
	return "scripted"
}

// Send returns the next scripted response.
func (s *ScriptedTransport) Send(_ context.Context, req *conduit.Request) (*conduit.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, snapshot(req))
	if s.Err != nil {
		return nil, s.Err
	}
	if s.sent >= len(s.Responses) {
		return nil, ErrScriptExhausted
	}
	resp := *s.Responses[s.sent]
	s.sent++
	return &resp, nil
}

// SendStream returns the next scripted event sequence.
func (s *ScriptedTransport) SendStream(_ context.Context, req *conduit.Request) (conduit.EventStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, snapshot(req))
	if s.Err != nil {
		return nil, s.Err
	}
	if s.streamed >= len(s.Streams) {
		return nil, ErrScriptExhausted
	}
	events := s.Streams[s.streamed]
	s.streamed++
	return &SliceStream{Events: events}, nil
}

// SupportsStreamingTools returns StreamingTools.
func (s *ScriptedTransport) SupportsStreamingTools() bool { return s.StreamingTools }

// Calls returns how many turns were sent, streamed or not.
func (s *ScriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns copies of the requests received so far.
func (s *ScriptedTransport) Requests() []*conduit.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

func snapshot(req *conduit.Request) *conduit.Request {
	c := *req
	c.History = slices.Clone(req.History)
	c.Delta = slices.Clone(req.Delta)
	c.Tools = slices.Clone(req.Tools)
	return &c
}

// SliceStream is an EventStream over a fixed slice. If Err is set it is returned
// after the events instead of io.EOF.
type SliceStream struct {
	Events []conduit.StreamEvent
	Err    error
	Closed bool
	pos    int
}

// Recv returns the next event, then Err or io.EOF.
func (s *SliceStream) Recv() (conduit.StreamEvent, error) {
	if s.pos >= len(s.Events) {
		if s.Err != nil {
			return conduit.StreamEvent{}, s.Err
		}
		return conduit.StreamEvent{}, io.EOF
	}
	ev := s.Events[s.pos]
	s.pos++
	return ev, nil
}

// Close marks the stream closed.
func (s *SliceStream) Close() error {
	s.Closed = true
	return nil
}

var (
	_ conduit.StreamTransport = (*ScriptedTransport)(nil)
	_ conduit.EventStream     = (*SliceStream)(nil)
)
