package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrInvalidTool    = errors.New("tool requires a name and a handler")
	ErrDuplicateTool  = errors.New("tool already registered")
	ErrRegistrySealed = errors.New("tool registry is sealed")
	ErrToolNotFound   = errors.New("tool not found")
)

// Handler executes a tool with raw JSON arguments and returns a result or a protocol error.
type Handler func(ctx context.Context, args json.RawMessage) (any, *Error)

// Tool is a registered tool: its descriptor plus the handler that owns it.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// Descriptor is the capability-discovery view of a tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func (t Tool) Descriptor() Descriptor {
	return Descriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
}

type registryEntry struct {
	tool   Tool
	schema *gojsonschema.Schema
}

// Registry maps tool names to handlers. It accepts registrations until it is
// sealed, which happens when the connection becomes ready; after that it is
// read-only and safe for concurrent dispatch.
type Registry struct {
	mu      sync.RWMutex
	entries []*registryEntry
	byName  map[string]*registryEntry
	sealed  bool
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]*registryEntry{}}
}

// Register adds a tool. It fails once the registry is sealed.
func (r *Registry) Register(t Tool) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" || t.Handler == nil {
		return ErrInvalidTool
	}
	if t.InputSchema == nil {
		t.InputSchema = map[string]any{"type": "object"}
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.InputSchema))
	if err != nil {
		return fmt.Errorf("compiling input schema for %s: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot register %s", ErrRegistrySealed, t.Name)
	}
	if _, exists := r.byName[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	e := &registryEntry{tool: t, schema: compiled}
	r.entries = append(r.entries, e)
	r.byName[t.Name] = e
	return nil
}

// Seal forbids further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.tool.Descriptor())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// Call validates args against the tool's schema and runs its handler.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, *Error) {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeMethodNotFound, "unknown tool: %s", name)
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	if perr := validate(e.schema, args); perr != nil {
		return nil, perr
	}
	return e.tool.Handler(ctx, args)
}

func validate(schema *gojsonschema.Schema, args json.RawMessage) *Error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return Errorf(CodeInvalidParams, "invalid params: %v", err)
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return (&Error{Code: CodeInvalidParams, Message: "invalid params"}).WithData(map[string]any{"errors": details})
}

// Schema creates a minimal JSON schema object for tool inputs.
// Field names ending in "?" are optional. Supported types: string, number,
// integer, boolean, object, and array:<type>.
func Schema(fields map[string]string) map[string]any {
	props := map[string]any{}
	required := []string{}
	for rawName, typ := range fields {
		name := rawName
		opt := false
		if strings.HasSuffix(name, "?") {
			name = strings.TrimSuffix(name, "?")
			opt = true
		}
		var prop map[string]any
		if strings.HasPrefix(typ, "array") {
			itemType := "string"
			if i := strings.Index(typ, ":"); i >= 0 && i+1 < len(typ) {
				itemType = typ[i+1:]
			}
			prop = map[string]any{"type": "array", "items": map[string]any{"type": itemType}}
		} else {
			switch typ {
			case "string", "number", "boolean", "integer", "object":
				prop = map[string]any{"type": typ}
			default:
				prop = map[string]any{"type": "string"}
			}
		}
		props[name] = prop
		if !opt {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
