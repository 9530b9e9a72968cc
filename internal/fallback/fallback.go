// Package fallback serves a reduced tool set in-process when no subordinate
// is available, marking every answer as degraded.
package fallback

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"toolbridge/internal/mcp"
)

const (
	descriptionPrefix = "[fallback] "
	warningMessage    = "served by the built-in fallback; results may be reduced"
)

// Executor wraps a tool set with degraded-mode metadata.
type Executor struct {
	tools []mcp.Tool
	log   *logrus.Entry
}

func NewExecutor(tools []mcp.Tool, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{tools: tools, log: log.WithField("component", "fallback")}
}

// Warning is the FallbackDegraded notice attached to every fallback result.
func Warning() map[string]any {
	return map[string]any{"code": mcp.CodeFallbackDegraded, "message": warningMessage}
}

// Tools returns the wrapped tools.
func (e *Executor) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, mcp.Tool{
			Name:        t.Name,
			Description: descriptionPrefix + t.Description,
			InputSchema: t.InputSchema,
			Handler:     e.wrap(t.Name, t.Handler),
		})
	}
	return out
}

// Register adds the wrapped tools to reg.
func (e *Executor) Register(reg *mcp.Registry) error {
	for _, t := range e.Tools() {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) wrap(name string, h mcp.Handler) mcp.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, *mcp.Error) {
		v, perr := h(ctx, args)
		if perr != nil {
			e.log.WithFields(logrus.Fields{"tool": name, "code": perr.Code}).Debug("fallback tool failed")
			return nil, perr.WithData(degradedData(perr.Data))
		}
		res := *mcp.NewToolResult(v)
		meta := make(map[string]any, len(res.Meta)+3)
		for k, val := range res.Meta {
			meta[k] = val
		}
		meta["degraded"] = true
		meta["implementation"] = "fallback"
		meta["warning"] = Warning()
		res.Meta = meta
		e.log.WithField("tool", name).Debug("served by fallback")
		return &res, nil
	}
}

func degradedData(data any) map[string]any {
	out := map[string]any{"degraded": true}
	switch d := data.(type) {
	case nil:
	case map[string]any:
		for k, v := range d {
			out[k] = v
		}
	default:
		out["detail"] = d
	}
	return out
}
