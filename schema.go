package conduit

import (
	"encoding/json"
	"errors"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// valueKey is the property used to wrap non-object outputs, since providers require an object root.
const valueKey = "value"

type schemaCacheKey struct {
	t      *Type
	strict bool
}

var schemaCache sync.Map // schemaCacheKey -> map[string]any

// Derive projects t onto a JSON Schema. In strict mode every record property is
// required and optional properties are made nullable instead; otherwise only
// Required fields are listed. Every object carries additionalProperties: false.
// Open-ended maps (and any map in strict mode) and Any are rejected with SchemaError.
// The result is cached per t; it is a shallow copy and nested maps must not be mutated.
func Derive(t *Type, strict bool) (map[string]any, error) {
	if t == nil {
		return nil, &SchemaError{Path: "$", Reason: "nil type"}
	}
	key := schemaCacheKey{t: t, strict: strict}
	if v, ok := schemaCache.Load(key); ok {
		return maps.Clone(v.(map[string]any)), nil
	}
	s, err := derive(t, strict, "$")
	if err != nil {
		return nil, err
	}
	v, _ := schemaCache.LoadOrStore(key, s)
	return maps.Clone(v.(map[string]any)), nil
}

// ObjectSchema derives t and wraps non-record types as {"value": <schema>} so the
// root is always an object. wrapped reports whether Parse must unwrap "value".
func ObjectSchema(t *Type, strict bool) (schema map[string]any, wrapped bool, err error) {
	s, err := Derive(t, strict)
	if err != nil {
		return nil, false, err
	}
	if t.kind == KindRecord {
		return s, false, nil
	}
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{valueKey: s},
		"required":             []any{valueKey},
		"additionalProperties": false,
	}, true, nil
}

func derive(t *Type, strict bool, path string) (map[string]any, error) {
	var out map[string]any
	switch t.kind {
	case KindString, KindInteger, KindNumber, KindBoolean:
		out = map[string]any{"type": t.kind.String()}
	case KindEnum:
		if len(t.values) == 0 {
			return nil, &SchemaError{Path: path, Reason: "enum has no values"}
		}
		enum := make([]any, len(t.values))
		for i, v := range t.values {
			enum[i] = v
		}
		out = map[string]any{"type": "string", "enum": enum}
	case KindRecord:
		props := make(map[string]any, len(t.fields))
		required := make([]any, 0, len(t.fields))
		for _, f := range t.fields {
			if f.Type == nil {
				return nil, &SchemaError{Path: path + "." + f.Name, Reason: "field has nil type"}
			}
			fs, err := derive(f.Type, strict, path+"."+f.Name)
			if err != nil {
				return nil, err
			}
			if strict && !f.Required && f.Type.kind != KindOptional {
				fs = nullable(fs)
			}
			if f.Description != "" {
				fs["description"] = f.Description
			}
			props[f.Name] = fs
			if strict || f.Required {
				required = append(required, f.Name)
			}
		}
		out = map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		}
		if t.name != "" {
			out["title"] = t.name
		}
	case KindList:
		if t.elem == nil {
			return nil, &SchemaError{Path: path, Reason: "list has nil element type"}
		}
		items, err := derive(t.elem, strict, path+"[]")
		if err != nil {
			return nil, err
		}
		out = map[string]any{"type": "array", "items": items}
	case KindMap:
		if t.elem == nil || t.elem.kind == KindAny {
			return nil, &SchemaError{Path: path, Reason: "open-ended dict outputs are not supported; declare a Record instead"}
		}
		if strict {
			return nil, &SchemaError{Path: path, Reason: "strict structured outputs require named fields; maps are not supported"}
		}
		if t.key != nil && t.key.kind != KindString && t.key.kind != KindEnum {
			return nil, &SchemaError{Path: path, Reason: "map keys must be strings"}
		}
		value, err := derive(t.elem, strict, path+"{}")
		if err != nil {
			return nil, err
		}
		out = map[string]any{"type": "object", "additionalProperties": value}
		if t.key != nil && t.key.kind == KindEnum {
			names, err := derive(t.key, strict, path+"{key}")
			if err != nil {
				return nil, err
			}
			out["propertyNames"] = names
		}
	case KindOptional:
		if t.elem == nil {
			return nil, &SchemaError{Path: path, Reason: "optional has nil inner type"}
		}
		inner, err := derive(t.elem, strict, path)
		if err != nil {
			return nil, err
		}
		out = nullable(inner)
	case KindUnion:
		if len(t.variants) == 0 {
			return nil, &SchemaError{Path: path, Reason: "union has no variants"}
		}
		anyOf := make([]any, 0, len(t.variants))
		for _, v := range t.variants {
			vs, err := derive(v, strict, path)
			if err != nil {
				return nil, err
			}
			anyOf = append(anyOf, vs)
		}
		out = map[string]any{"anyOf": anyOf}
	case KindAny:
		return nil, &SchemaError{Path: path, Reason: "unconstrained values cannot be expressed as a strict schema"}
	default:
		return nil, &SchemaError{Path: path, Reason: "unknown type kind"}
	}
	if t.description != "" {
		out["description"] = t.description
	}
	return out, nil
}

func nullable(s map[string]any) map[string]any {
	return map[string]any{"anyOf": []any{s, map[string]any{"type": "null"}}}
}

var (
	customTypesMu sync.RWMutex
	customTypes   = make(map[reflect.Type]*jsonschema.Schema)
)

// RegisterType registers a custom Go type to be mapped to a JSON Schema type/format in schemas
// generated for NewTool arguments. emptyInstance must not be nil and jsonType must not be empty.
// Call RegisterType at application startup before the first NewTool.
func RegisterType(emptyInstance any, jsonType, format string) {
	if emptyInstance == nil {
		panic("conduit: RegisterType emptyInstance must not be nil")
	}
	if jsonType == "" {
		panic("conduit: RegisterType jsonType must not be empty")
	}
	t := reflect.TypeOf(emptyInstance)
	s := &jsonschema.Schema{Type: jsonType, Format: format}
	customTypesMu.Lock()
	defer customTypesMu.Unlock()
	customTypes[t] = s
}

func buildTypeSchemas() map[reflect.Type]*jsonschema.Schema {
	customTypesMu.RLock()
	defer customTypesMu.RUnlock()
	out := make(map[reflect.Type]*jsonschema.Schema, len(customTypes))
	for t, s := range customTypes {
		if s != nil {
			out[t] = s.CloneSchemas()
		}
	}
	return out
}

// generateSchema produces a JSON Schema map and a resolved validator for type T.
// It is called once when building a Tool.
func generateSchema[T any](strict bool) (map[string]any, *jsonschema.Resolved, error) {
	opts := &jsonschema.ForOptions{TypeSchemas: buildTypeSchemas()}
	schema, err := jsonschema.For[T](opts)
	if err != nil {
		return nil, nil, err
	}
	if schema == nil {
		return nil, nil, errNilSchema
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, nil, err
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(data, &schemaMap); err != nil {
		return nil, nil, err
	}
	enrichSchemaFromStructTags(schemaMap, reflect.TypeOf(*new(T)))
	if strict {
		applyStrictMode(schemaMap)
	}
	stripSchemaIDs(schemaMap)
	resolved, err := compileRawSchema(schemaMap)
	if err != nil {
		return nil, nil, err
	}
	return schemaMap, resolved, nil
}

// enrichSchemaFromStructTags adds description and enum from struct tags to root-level properties.
func enrichSchemaFromStructTags(schemaMap map[string]any, typ reflect.Type) {
	if schemaMap == nil || typ == nil {
		return
	}
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return
	}
	props, ok := schemaMap["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return
	}
	for field := range typ.Fields() {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if desc := field.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		if enum := splitEnumTag(field.Tag.Get("enum")); len(enum) > 0 {
			values := make([]any, len(enum))
			for i, v := range enum {
				values[i] = v
			}
			prop["enum"] = values
		}
	}
}

func splitEnumTag(tag string) []string {
	if tag == "" {
		return nil
	}
	parts := strings.Split(tag, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// walkSchema recursively visits every map node in the schema tree (including $defs and definitions).
func walkSchema(schemaMap map[string]any, visit func(map[string]any)) {
	if schemaMap == nil {
		return
	}
	visit(schemaMap)
	for _, val := range schemaMap {
		switch v := val.(type) {
		case map[string]any:
			walkSchema(v, visit)
		case []any:
			for _, item := range v {
				if m2, ok := item.(map[string]any); ok {
					walkSchema(m2, visit)
				}
			}
		}
	}
}

// applyStrictMode sets additionalProperties: false for every object in the schema and
// marks all of its properties required.
func applyStrictMode(schemaMap map[string]any) {
	walkSchema(schemaMap, func(n map[string]any) {
		props, ok := n["properties"].(map[string]any)
		if !ok {
			return
		}
		n["additionalProperties"] = false
		keys := slices.Sorted(maps.Keys(props))
		if len(keys) == 0 {
			return
		}
		required := make([]any, len(keys))
		for i, k := range keys {
			required[i] = k
		}
		n["required"] = required
	})
}

var errNilSchema = errors.New("schema reflection returned nil")

// compileRawSchema compiles a raw JSON Schema map into a resolved validator. The map is not mutated.
func compileRawSchema(schemaMap map[string]any) (*jsonschema.Resolved, error) {
	data, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s.Resolve(nil)
}

// stripSchemaIDs removes id and $id from schema so resolution does not depend on them.
func stripSchemaIDs(schemaMap map[string]any) {
	walkSchema(schemaMap, func(n map[string]any) {
		delete(n, "id")
		delete(n, "$id")
	})
}

// cloneSchema deep-copies a decoded JSON schema map via a JSON round trip.
func cloneSchema(schemaMap map[string]any) (map[string]any, error) {
	data, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
