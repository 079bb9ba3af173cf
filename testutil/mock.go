// Package testutil provides test helpers for conduit: a mock tool and scripted transports.
package testutil

import (
	"context"

	"github.com/skosovsky/conduit"
)

// MockTool is a configurable Tool implementation for tests.
type MockTool struct {
	NameVal   string
	DescVal   string
	ParamsVal map[string]any
	ExecuteFn func(ctx context.Context, args []byte) ([]byte, error)
}

// Name returns the tool name.
func (m *MockTool) Name() string {
	if m.NameVal != "" {
		return m.NameVal
	}
	return "mock"
}

// Description returns the tool description.
func (m *MockTool) Description() string {
	return m.DescVal
}

// Parameters returns the parameters schema (or an empty object schema).
func (m *MockTool) Parameters() map[string]any {
	if m.ParamsVal != nil {
		return m.ParamsVal
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// Execute runs ExecuteFn if set, otherwise returns JSON null.
func (m *MockTool) Execute(ctx context.Context, args []byte) ([]byte, error) {
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, args)
	}
	return []byte("null"), nil
}

var _ conduit.Tool = (*MockTool)(nil)
