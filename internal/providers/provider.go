// Package providers holds the pluggable tool providers served by the worker.
// Providers register a factory by kind in init; the Manager builds instances
// from config entries.
package providers

import (
	"sort"
	"sync"

	"toolbridge/internal/mcp"
)

// Provider contributes a group of tools.
type Provider interface {
	// Name returns the provider kind (e.g., "fs").
	Name() string
	// Tools returns the provider's tools, ready for registration.
	Tools() []mcp.Tool
}

// Factory creates a Provider with implementation-specific options.
type Factory func(opts map[string]any) (Provider, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a provider kind available.
func Register(kind string, f Factory) {
	mu.Lock()
	factories[kind] = f
	mu.Unlock()
}

// Lookup finds a provider factory by kind.
func Lookup(kind string) Factory {
	mu.RLock()
	defer mu.RUnlock()
	return factories[kind]
}

// Kinds lists registered provider kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Get reads an option, returning def when missing or of another type.
func Get[T any](opts map[string]any, k string, def T) T {
	if v, ok := opts[k]; ok {
		if cast, ok := v.(T); ok {
			return cast
		}
	}
	return def
}

// Int reads a numeric option decoded from YAML or JSON.
func Int(opts map[string]any, k string, def int) int {
	switch v := opts[k].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Slice reads a list option, accepting []any from YAML or JSON callers.
func Slice[T any](opts map[string]any, k string, def []T) []T {
	v, ok := opts[k]
	if !ok {
		return def
	}
	switch vv := v.(type) {
	case []T:
		return vv
	case []any:
		out := make([]T, 0, len(vv))
		for _, it := range vv {
			if cast, ok := it.(T); ok {
				out = append(out, cast)
			}
		}
		return out
	default:
		return def
	}
}
