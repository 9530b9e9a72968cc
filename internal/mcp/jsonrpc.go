package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC protocol version tag carried by every message.
const Version = "2.0"

// ProtocolVersion is the MCP revision advertised when the host does not ask for one.
const ProtocolVersion = "2024-11-05"

// Error codes. The -32000 band is reserved for implementation-defined errors.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeToolError          = -32000
	CodeSubordinateTimeout = -32001
	CodeNotInitialized     = -32002
	CodeShuttingDown       = -32003
	// CodeFallbackDegraded is a warning, never sent as a response error.
	CodeFallbackDegraded = -32010
)

var null = []byte("null")

// Message is the JSON-RPC envelope used for requests, notifications and responses.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HasID reports whether the message carries a non-null correlation id.
func (m *Message) HasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, null)
}

func (m *Message) IsRequest() bool      { return m.Method != "" && m.HasID() }
func (m *Message) IsNotification() bool { return m.Method != "" && !m.HasID() }

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds a protocol error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of e carrying data.
func (e *Error) WithData(data any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

var errNotObject = errors.New("message is not a json object")

// ParseMessage decodes one framed message. The framer guarantees valid JSON,
// so the only failure left is a value that is not an object.
func ParseMessage(raw []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotObject
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("invalid json-rpc frame: %w", err)
	}
	return &msg, nil
}

// PeekID extracts only the id and method of a raw message. It is used on
// forwarded traffic that is otherwise relayed untouched.
func PeekID(raw []byte) (id json.RawMessage, method string, ok bool) {
	var head struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, "", false
	}
	return head.ID, head.Method, true
}

// IDKey canonicalizes an id for use as a map key. String and numeric ids
// with the same digits stay distinct because the quotes are kept.
func IDKey(id json.RawMessage) string {
	return string(bytes.TrimSpace(id))
}

// NewResult builds a success response. A nil result is sent as an empty object
// so the response always carries exactly one of result or error.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	raw := json.RawMessage("{}")
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Message{JSONRPC: Version, ID: responseID(id), Result: raw}, nil
}

// NewErrorResponse builds an error response; a missing id is sent as null.
func NewErrorResponse(id json.RawMessage, e *Error) *Message {
	return &Message{JSONRPC: Version, ID: responseID(id), Error: e}
}

func responseID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return json.RawMessage(null)
	}
	return id
}

// Helpers
func decodeParams[T any](raw []byte, dst *T) *Error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &Error{Code: CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}
	return nil
}
