// Package markdown renders Markdown for terminal display.
package markdown

import (
	"context"
	"encoding/json"

	termmd "github.com/MichaelMure/go-term-markdown"

	"toolbridge/internal/mcp"
	"toolbridge/internal/providers"
)

type provider struct {
	width  int
	indent int
}

func init() {
	providers.Register("markdown", New)
}

// New builds a markdown provider. Options: width, indent.
func New(opts map[string]any) (providers.Provider, error) {
	p := &provider{
		width:  providers.Int(opts, "width", 80),
		indent: providers.Int(opts, "indent", 2),
	}
	if p.width <= 0 {
		p.width = 80
	}
	if p.indent < 0 {
		p.indent = 0
	}
	return p, nil
}

func (p *provider) Name() string { return "markdown" }

func (p *provider) Tools() []mcp.Tool {
	return []mcp.Tool{{
		Name:        "markdown.render",
		Description: "Render Markdown as ANSI-formatted terminal text",
		InputSchema: mcp.Schema(map[string]string{"text": "string", "width?": "integer"}),
		Handler:     p.render,
	}}
}

func (p *provider) render(_ context.Context, raw json.RawMessage) (any, *mcp.Error) {
	args, perr := mcp.DecodeArgs(raw)
	if perr != nil {
		return nil, perr
	}
	text, _ := args.String("text")
	width := args.Int("width", p.width)
	if width <= 0 {
		width = p.width
	}
	return string(termmd.Render(text, width, p.indent)), nil
}
