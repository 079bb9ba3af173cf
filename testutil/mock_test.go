package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skosovsky/conduit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMockTool(t *testing.T) {
	m := &MockTool{
		NameVal:   "test_tool",
		DescVal:   "For tests",
		ParamsVal: map[string]any{"type": "object"},
		ExecuteFn: func(_ context.Context, _ []byte) ([]byte, error) {
			return []byte(`{"done":true}`), nil
		},
	}
	assert.Equal(t, "test_tool", m.Name())
	assert.Equal(t, "For tests", m.Description())
	assert.Equal(t, map[string]any{"type": "object"}, m.Parameters())
	out, err := m.Execute(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	var v struct {
		Done bool `json:"done"`
	}
	require.NoError(t, json.Unmarshal(out, &v))
	assert.True(t, v.Done)
}

func TestNewTestRegistry(t *testing.T) {
	m := &MockTool{NameVal: "m", ExecuteFn: func(_ context.Context, _ []byte) ([]byte, error) {
		return []byte(`{}`), nil
	}}
	reg := NewTestRegistry(m)
	require.NotNil(t, reg)
	all := reg.GetAllTools()
	require.Len(t, all, 1)
	assert.Equal(t, "m", all[0].Name())
	res := reg.ExecuteOne(context.Background(), conduit.ToolCall{ID: "1", Name: "m"})
	require.True(t, res.OK, res.Error)
}

func TestScriptedTransport(t *testing.T) {
	tr := &ScriptedTransport{Responses: []*conduit.Response{{Text: "one"}}}
	resp, err := tr.Send(context.Background(), &conduit.Request{})
	require.NoError(t, err)
	assert.Equal(t, "one", resp.Text)
	_, err = tr.Send(context.Background(), &conduit.Request{})
	require.ErrorIs(t, err, ErrScriptExhausted)
	assert.Equal(t, 2, tr.Calls())
}

func TestSliceStream(t *testing.T) {
	boom := errors.New("boom")
	s := &SliceStream{Events: []conduit.StreamEvent{{Kind: conduit.EventTextDelta, Text: "a"}}, Err: boom}
	ev, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Text)
	_, err = s.Recv()
	require.ErrorIs(t, err, boom)

	s = &SliceStream{}
	_, err = s.Recv()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, s.Close())
	assert.True(t, s.Closed)
}
