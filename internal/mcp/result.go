package mcp

import "encoding/json"

// Content is one block of tool output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the MCP tools/call result shape.
type ToolResult struct {
	Content           []Content      `json:"content"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
	Meta              map[string]any `json:"_meta,omitempty"`
}

// NewToolResult wraps a handler value. Strings become a single text block;
// anything else is rendered as JSON text and kept as structured content.
func NewToolResult(v any) *ToolResult {
	switch val := v.(type) {
	case *ToolResult:
		return val
	case ToolResult:
		return &val
	case string:
		return &ToolResult{Content: []Content{{Type: "text", Text: val}}}
	case nil:
		return &ToolResult{Content: []Content{}}
	}
	text, err := json.Marshal(v)
	if err != nil {
		return &ToolResult{Content: []Content{{Type: "text", Text: "unserializable result"}}, IsError: true}
	}
	return &ToolResult{Content: []Content{{Type: "text", Text: string(text)}}, StructuredContent: v}
}
