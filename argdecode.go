package conduit

import (
	"bytes"
	"encoding/json"
	"maps"
	"reflect"

	"github.com/google/jsonschema-go/jsonschema"
)

// Validatable is implemented by argument structs that need checks the schema
// cannot express. Validate runs after the arguments passed the schema and were
// decoded. A returned ClientError is passed through; any other error is wrapped
// as ErrValidation.
type Validatable interface {
	Validate() error
}

// schemaValidator is satisfied by *jsonschema.Resolved.
type schemaValidator interface {
	Validate(v any) error
}

// argDecoder turns the raw arguments of a call into T for NewTool. Arguments go
// through the JSON syntax check, the schema derived from T, then Validatable.
// Every rejection is a ClientError so the model can correct the call.
type argDecoder[T any] struct {
	schema   map[string]any
	resolved *jsonschema.Resolved
}

func newArgDecoder[T any](strict bool) (*argDecoder[T], error) {
	schema, resolved, err := generateSchema[T](strict)
	if err != nil {
		return nil, err
	}
	return &argDecoder[T]{schema: schema, resolved: resolved}, nil
}

// parameters returns a shallow copy of the derived schema.
func (d *argDecoder[T]) parameters() map[string]any {
	return maps.Clone(d.schema)
}

func (d *argDecoder[T]) decode(raw []byte) (T, error) {
	var zero T
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return zero, wrapJSONParseError(err)
	}
	if err := validateAgainstSchema(d.resolved, generic); err != nil {
		return zero, err
	}
	var args T
	if err := json.Unmarshal(raw, &args); err != nil {
		return zero, wrapJSONParseError(err)
	}
	if err := validateArgs(&args); err != nil {
		return zero, err
	}
	return args, nil
}

// validateAgainstSchema checks an already decoded value against a compiled schema.
func validateAgainstSchema(validate schemaValidator, v any) error {
	if err := validate.Validate(v); err != nil {
		return &ClientError{Reason: "invalid arguments: " + err.Error(), Err: ErrValidation}
	}
	return nil
}

// validateArgs runs Validatable on *args, or on args itself when only the value
// (or the pointed-to value for pointer T) implements it.
func validateArgs[T any](args *T) error {
	var target Validatable
	switch v := any(*args).(type) {
	case Validatable:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return nil
		}
		target = v
	default:
		if pv, ok := any(args).(Validatable); ok {
			target = pv
		}
	}
	if target == nil {
		return nil
	}
	err := target.Validate()
	if err == nil || IsClientError(err) {
		return err
	}
	return &ClientError{Reason: err.Error(), Err: ErrValidation}
}
