package conduit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

var (
	truthy = []string{"true", "1", "yes", "y", "t", "on"}
	falsy  = []string{"false", "0", "no", "n", "f", "off"}
)

// Coerce converts a decoded JSON value into the shape described by t. Records keep
// only declared fields (unknown keys are dropped) and fill defaults; numeric strings
// become numbers and truthy strings become booleans. Optional and Union try their
// candidates in declared order and keep the first that fits. Mismatches are reported
// as *CoercionError with the path of the offending value.
//
// Results use map[string]any for records and maps, []any for lists, int64 for
// integers and float64 for numbers.
func Coerce(t *Type, v any) (any, error) {
	return coerce(t, v, "$")
}

func coerce(t *Type, v any, path string) (any, error) {
	if t == nil {
		return nil, &CoercionError{Path: path, Reason: "nil type"}
	}
	switch t.kind {
	case KindAny:
		return v, nil
	case KindOptional:
		if v == nil {
			return nil, nil
		}
		return coerce(t.elem, v, path)
	case KindUnion:
		for _, variant := range t.variants {
			if out, err := coerce(variant, v, path); err == nil {
				return out, nil
			}
		}
		return nil, mismatch(path, "one of the union variants", v)
	case KindString:
		return coerceString(v, path)
	case KindInteger:
		return coerceInteger(v, path)
	case KindNumber:
		return coerceNumber(v, path)
	case KindBoolean:
		return coerceBoolean(v, path)
	case KindEnum:
		s, err := coerceString(v, path)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(t.values, s.(string)) {
			return nil, &CoercionError{Path: path, Reason: fmt.Sprintf("%q is not one of %v", s, t.values)}
		}
		return s, nil
	case KindRecord:
		return coerceRecord(t, v, path)
	case KindList:
		items, ok := v.([]any)
		if !ok {
			return nil, mismatch(path, "array", v)
		}
		out := make([]any, len(items))
		for i, item := range items {
			c, err := coerce(t.elem, item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case KindMap:
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, mismatch(path, "object", v)
		}
		out := make(map[string]any, len(obj))
		for k, item := range obj {
			if t.key != nil && t.key.kind == KindEnum && !slices.Contains(t.key.values, k) {
				return nil, &CoercionError{Path: path, Reason: fmt.Sprintf("key %q is not one of %v", k, t.key.values)}
			}
			if t.elem == nil {
				out[k] = item
				continue
			}
			c, err := coerce(t.elem, item, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	default:
		return nil, &CoercionError{Path: path, Reason: "unknown type kind"}
	}
}

func coerceRecord(t *Type, v any, path string) (any, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, mismatch(path, "object", v)
	}
	out := make(map[string]any, len(t.fields))
	for _, f := range t.fields {
		fpath := path + "." + f.Name
		raw, present := obj[f.Name]
		if !present || (raw == nil && f.HasDefault) {
			switch {
			case f.HasDefault:
				out[f.Name] = f.Default
			case f.Required && f.Type.kind != KindOptional:
				return nil, &CoercionError{Path: fpath, Reason: "missing required field"}
			default:
				out[f.Name] = nil
			}
			continue
		}
		if raw == nil && !f.Required && f.Type.kind != KindOptional {
			// Strict schemas encode absent optional fields as null.
			out[f.Name] = nil
			continue
		}
		c, err := coerce(f.Type, raw, fpath)
		if err != nil {
			return nil, err
		}
		out[f.Name] = c
	}
	return out, nil
}

func coerceString(v any, path string) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case json.Number:
		return x.String(), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	}
	return nil, mismatch(path, "string", v)
}

func coerceInteger(v any, path string) (any, error) {
	var f float64
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		f = x
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		parsed, err := x.Float64()
		if err != nil {
			return nil, mismatch(path, "integer", v)
		}
		f = parsed
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, mismatch(path, "integer", v)
		}
		f = parsed
	default:
		return nil, mismatch(path, "integer", v)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, &CoercionError{Path: path, Reason: fmt.Sprintf("%v is not a whole number", v)}
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, &CoercionError{Path: path, Reason: fmt.Sprintf("%v is out of the int64 range", v)}
	}
	return int64(f), nil
}

func coerceNumber(v any, path string) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, mismatch(path, "number", v)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, mismatch(path, "number", v)
		}
		return f, nil
	}
	return nil, mismatch(path, "number", v)
}

func coerceBoolean(v any, path string) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		if slices.Contains(truthy, s) {
			return true, nil
		}
		if slices.Contains(falsy, s) {
			return false, nil
		}
	case float64:
		if x == 1 || x == 0 {
			return x == 1, nil
		}
	case int:
		if x == 1 || x == 0 {
			return x == 1, nil
		}
	case int64:
		if x == 1 || x == 0 {
			return x == 1, nil
		}
	}
	return nil, mismatch(path, "boolean", v)
}

func mismatch(path, want string, got any) *CoercionError {
	return &CoercionError{Path: path, Reason: fmt.Sprintf("expected %s, got %s", want, jsonKind(got))}
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, json.Number, int, int64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Parse decodes model text into the shape described by t. It trims whitespace
// and Markdown code fences, unwraps the {"value": ...} envelope used for
// non-record outputs and falls back to the raw text for scalar types when the
// text is not JSON. Empty text yields a *CoercionError wrapping ErrNoOutput.
// The model text is preserved in CoercionError.Raw.
func Parse(t *Type, text string) (any, error) {
	body := stripFences(text)
	if body == "" {
		return nil, &CoercionError{Path: "$", Reason: "empty output", Raw: text, Err: ErrNoOutput}
	}
	v, err := decodeOutput(t, body)
	if err != nil {
		if !isScalar(t) {
			return nil, &CoercionError{Path: "$", Reason: "invalid JSON: " + err.Error(), Raw: text, Err: err}
		}
		v = body
	}
	out, err := Coerce(t, v)
	if err != nil {
		var ce *CoercionError
		if errors.As(err, &ce) {
			ce.Raw = text
		}
		return nil, err
	}
	return out, nil
}

// RequiredKeysSatisfied reports whether every required record field in t is
// present in v, recursing into nested records, lists, maps and optional values.
// Scalar values must be coercible to their kind, so a union variant only
// matches a value of a compatible shape.
func RequiredKeysSatisfied(t *Type, v any) bool {
	if t == nil {
		return true
	}
	switch t.kind {
	case KindRecord:
		obj, ok := v.(map[string]any)
		if !ok {
			return false
		}
		for _, f := range t.fields {
			fv, present := obj[f.Name]
			if !present {
				if f.Required && !f.HasDefault {
					return false
				}
				continue
			}
			if fv == nil {
				if f.Required && f.Type.kind != KindOptional {
					return false
				}
				continue
			}
			if !RequiredKeysSatisfied(f.Type, fv) {
				return false
			}
		}
		return true
	case KindList:
		items, ok := v.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if !RequiredKeysSatisfied(t.elem, item) {
				return false
			}
		}
		return true
	case KindMap:
		obj, ok := v.(map[string]any)
		if !ok {
			return false
		}
		for _, item := range obj {
			if !RequiredKeysSatisfied(t.elem, item) {
				return false
			}
		}
		return true
	case KindOptional:
		return v == nil || RequiredKeysSatisfied(t.elem, v)
	case KindUnion:
		for _, variant := range t.variants {
			if RequiredKeysSatisfied(variant, v) {
				return true
			}
		}
		return false
	case KindString, KindInteger, KindNumber, KindBoolean, KindEnum:
		_, err := coerce(t, v, "$")
		return err == nil
	default:
		return true
	}
}

// NeedsFinalization reports whether text fails to carry a complete answer for t:
// it is empty, is not decodable JSON for a structured type, or misses a required key.
func NeedsFinalization(t *Type, text string) bool {
	body := stripFences(text)
	if body == "" {
		return true
	}
	v, err := decodeOutput(t, body)
	if err != nil {
		return !isScalar(t)
	}
	return !RequiredKeysSatisfied(t, v)
}

// As converts a value produced by Coerce or Parse into T through its JSON encoding.
func As[T any](v any) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, &CoercionError{Path: "$", Reason: err.Error(), Raw: string(data), Err: err}
	}
	return out, nil
}

// decodeOutput decodes body as JSON and unwraps the value envelope for non-record types.
func decodeOutput(t *Type, body string) (any, error) {
	var v any
	err := json.Unmarshal([]byte(body), &v)
	if err != nil && !isScalar(t) {
		// Tolerate prose around a single JSON document.
		if inner, ok := extractJSON(body); ok {
			err = json.Unmarshal([]byte(inner), &v)
		}
	}
	if err != nil {
		return nil, err
	}
	if t.kind != KindRecord {
		if obj, ok := v.(map[string]any); ok && len(obj) == 1 {
			if inner, ok := obj[valueKey]; ok {
				return inner, nil
			}
		}
	}
	return v, nil
}

func isScalar(t *Type) bool {
	switch t.kind {
	case KindString, KindInteger, KindNumber, KindBoolean, KindEnum:
		return true
	case KindOptional:
		return isScalar(t.elem)
	}
	return false
}

// stripFences trims whitespace and a surrounding Markdown code fence.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractJSON returns the outermost {...} or [...] span of s.
func extractJSON(s string) (string, bool) {
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(s, pair[0])
		end := strings.LastIndexByte(s, pair[1])
		if start >= 0 && end > start {
			return s[start : end+1], true
		}
	}
	return "", false
}
