package conduit

import (
	"encoding/json"
	"strings"
)

// DecodeArgs decodes a tool-call argument payload. Truncated payloads are repaired
// by closing open strings, arrays and objects; anything still undecodable, or a
// payload that is not an object, yields an empty map.
func DecodeArgs(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err == nil && out != nil {
		return out
	}
	if repaired, ok := closeJSON(raw); ok {
		out = nil
		if err := json.Unmarshal([]byte(repaired), &out); err == nil && out != nil {
			return out
		}
	}
	if i := strings.LastIndexByte(raw, '}'); i >= 0 {
		out = nil
		if err := json.Unmarshal([]byte(raw[:i+1]), &out); err == nil && out != nil {
			return out
		}
	}
	return map[string]any{}
}

// closeJSON appends the closers missing from a truncated JSON document.
func closeJSON(raw string) (string, bool) {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return "", false
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) == 0 && !inString {
		return "", false
	}
	var b strings.Builder
	b.WriteString(raw)
	if inString {
		b.WriteByte('"')
	}
	s := strings.TrimRight(b.String(), " \t\r\n")
	s = strings.TrimSuffix(s, ",")
	s = strings.TrimSuffix(s, ":")
	b.Reset()
	b.WriteString(s)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String(), true
}
