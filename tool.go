package conduit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// tool is the internal implementation of Tool built by NewTool, NewToolFromType, or NewDynamicTool.
type tool struct {
	name        string
	description string
	schema      map[string]any
	execute     func(context.Context, []byte) ([]byte, error)
	opts        toolOptions
}

// NewTool builds a Tool from a typed function. The parameter schema is derived
// from T; Execute validates the arguments against it (and Validatable, when T
// implements it), runs fn, then marshals the result.
// Returns an error if schema generation fails (e.g. unsupported type).
func NewTool[T any, R any](
	name, description string,
	fn func(ctx context.Context, args T) (R, error),
	opts ...ToolOption,
) (Tool, error) {
	o := applyToolOptions(opts)
	dec, err := newArgDecoder[T](o.strict)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	execute := func(ctx context.Context, argsJSON []byte) ([]byte, error) {
		args, err := dec.decode(argsJSON)
		if err != nil {
			return nil, err
		}
		res, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return marshalResult(res)
	}
	return &tool{
		name:        name,
		description: description,
		schema:      dec.parameters(),
		execute:     execute,
		opts:        o,
	}, nil
}

// NewToolFromType builds a Tool whose parameters are described by a record Type.
// Arguments are coerced with Coerce before fn runs, so fn receives only declared
// fields with defaults applied. Coercion failures become ClientError.
func NewToolFromType(
	name, description string,
	params *Type,
	fn func(ctx context.Context, args map[string]any) (any, error),
	opts ...ToolOption,
) (Tool, error) {
	if params == nil || params.kind != KindRecord {
		return nil, fmt.Errorf("tool %q: parameters must be a record type", name)
	}
	if fn == nil {
		return nil, fmt.Errorf("tool %q: handler must not be nil", name)
	}
	o := applyToolOptions(opts)
	schema, err := Derive(params, o.strict)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	execute := func(ctx context.Context, argsJSON []byte) ([]byte, error) {
		var raw any
		if err := json.Unmarshal(argsJSON, &raw); err != nil {
			return nil, wrapJSONParseError(err)
		}
		args, err := Coerce(params, raw)
		if err != nil {
			return nil, &ClientError{Reason: err.Error(), Err: ErrValidation}
		}
		res, err := fn(ctx, args.(map[string]any))
		if err != nil {
			return nil, err
		}
		return marshalResult(res)
	}
	return &tool{
		name:        name,
		description: description,
		schema:      schema,
		execute:     execute,
		opts:        o,
	}, nil
}

// NewDynamicTool creates a Tool from a raw JSON Schema map and a function that receives
// validated JSON. Useful for runtime API integration (e.g. OpenAPI/Swagger).
// schemaMap and fn must be non-nil. The provided schemaMap is not mutated; a defensive
// copy is made before any modifications (e.g. WithStrict).
func NewDynamicTool(
	name, description string,
	schemaMap map[string]any,
	fn func(ctx context.Context, argsJSON []byte) ([]byte, error),
	opts ...ToolOption,
) (Tool, error) {
	o := applyToolOptions(opts)
	if schemaMap == nil {
		return nil, errors.New("dynamic schema map must not be nil")
	}
	if fn == nil {
		return nil, errors.New("dynamic tool handler must not be nil")
	}
	schemaCopy, err := cloneSchema(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("failed to deep copy schema map: %w", err)
	}
	if o.strict {
		applyStrictMode(schemaCopy)
	}
	stripSchemaIDs(schemaCopy)
	compiled, err := compileRawSchema(schemaCopy)
	if err != nil {
		return nil, fmt.Errorf("failed to compile dynamic schema: %w", err)
	}
	execute := func(ctx context.Context, argsJSON []byte) ([]byte, error) {
		var v any
		if err := json.Unmarshal(argsJSON, &v); err != nil {
			return nil, wrapJSONParseError(err)
		}
		if err := validateAgainstSchema(compiled, v); err != nil {
			return nil, err
		}
		return fn(ctx, argsJSON)
	}
	return &tool{
		name:        name,
		description: description,
		schema:      schemaCopy,
		execute:     execute,
		opts:        o,
	}, nil
}

func (t *tool) Name() string        { return t.name }
func (t *tool) Description() string { return t.description }

// Parameters returns a shallow copy of the JSON Schema (top-level keys only).
// Nested maps (e.g. under "properties") are shared; callers must not mutate them.
func (t *tool) Parameters() map[string]any { return maps.Clone(t.schema) }

func (t *tool) Execute(ctx context.Context, argsJSON []byte) ([]byte, error) {
	return t.execute(ctx, argsJSON)
}

func (t *tool) Timeout() time.Duration { return t.opts.timeout }
func (t *tool) Tags() []string         { return append([]string(nil), t.opts.tags...) }
func (t *tool) Version() string        { return t.opts.version }
func (t *tool) IsDangerous() bool      { return t.opts.dangerous }

// marshalResult encodes a handler result; encoding failures are internal errors.
func marshalResult(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &SystemError{Err: err}
	}
	return b, nil
}

var (
	_ Tool         = (*tool)(nil)
	_ ToolMetadata = (*tool)(nil)
)
