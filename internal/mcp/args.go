package mcp

import (
	"encoding/json"
	"math"
)

// Args is a decoded tools/call arguments object.
type Args map[string]any

// DecodeArgs parses raw tool arguments. Empty input yields an empty map.
func DecodeArgs(raw json.RawMessage) (Args, *Error) {
	args := Args{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, Errorf(CodeInvalidParams, "invalid arguments: %v", err)
	}
	return args, nil
}

func (a Args) String(k string) (string, bool) {
	if v, ok := a[k]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

func (a Args) Int(k string, def int) int {
	if v, ok := a[k]; ok {
		switch vv := v.(type) {
		case float64:
			if vv > math.MaxInt32 {
				return math.MaxInt32
			}
			return int(vv)
		case int:
			return vv
		}
	}
	return def
}

func (a Args) Bool(k string, def bool) bool {
	if v, ok := a[k]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Strings accepts []any from JSON callers and keeps only the strings.
func (a Args) Strings(k string) []string {
	switch vv := a[k].(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, it := range vv {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
