// Package essential holds the small tool set every process can serve on its
// own: the worker at full capability and the bridge as its fallback.
package essential

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"toolbridge/internal/mcp"
)

const (
	DefaultFetchTimeout  = 15 * time.Second
	DefaultFetchMaxBytes = 1 << 20
)

// Names lists the essential tools in registration order.
var Names = []string{"web.fetch", "text.echo", "text.transform"}

type Options struct {
	FetchTimeout  time.Duration
	FetchMaxBytes int64
	Client        *http.Client
}

type toolset struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

// Tools returns the essential tools.
func Tools(opts Options) []mcp.Tool {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.FetchMaxBytes <= 0 {
		opts.FetchMaxBytes = DefaultFetchMaxBytes
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	ts := &toolset{client: opts.Client, timeout: opts.FetchTimeout, maxBytes: opts.FetchMaxBytes}

	transform := mcp.Schema(map[string]string{"text": "string", "op": "string"})
	transform["properties"].(map[string]any)["op"] = map[string]any{
		"type": "string",
		"enum": []string{"upper", "lower", "trim", "reverse", "length"},
	}

	return []mcp.Tool{
		{
			Name:        "web.fetch",
			Description: "Fetch a URL over HTTP GET and return the body as text",
			InputSchema: mcp.Schema(map[string]string{"url": "string", "maxBytes?": "integer"}),
			Handler:     ts.fetch,
		},
		{
			Name:        "text.echo",
			Description: "Return the given text unchanged",
			InputSchema: mcp.Schema(map[string]string{"text": "string"}),
			Handler:     echo,
		},
		{
			Name:        "text.transform",
			Description: "Apply a simple transformation (upper, lower, trim, reverse, length) to text",
			InputSchema: transform,
			Handler:     transformText,
		},
	}
}

// Register adds the essential tools to reg.
func Register(reg *mcp.Registry, opts Options) error {
	for _, t := range Tools(opts) {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (ts *toolset) fetch(ctx context.Context, raw json.RawMessage) (any, *mcp.Error) {
	args, perr := mcp.DecodeArgs(raw)
	if perr != nil {
		return nil, perr
	}
	target, _ := args.String("url")
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, mcp.Errorf(mcp.CodeInvalidParams, "url must be an absolute http(s) URL")
	}
	limit := int64(args.Int("maxBytes", int(ts.maxBytes)))
	if limit <= 0 || limit > ts.maxBytes {
		limit = ts.maxBytes
	}

	ctx, cancel := context.WithTimeout(ctx, ts.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, mcp.Errorf(mcp.CodeInvalidParams, "building request: %v", err)
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, mcp.Errorf(mcp.CodeToolError, "fetch timed out after %s", ts.timeout)
		}
		return nil, mcp.Errorf(mcp.CodeToolError, "fetch failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, mcp.Errorf(mcp.CodeToolError, "reading body: %v", err)
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}
	text := string(body)
	if !utf8.Valid(body) {
		text = "<binary omitted>"
	}

	return &mcp.ToolResult{
		Content: []mcp.Content{{Type: "text", Text: text}},
		StructuredContent: map[string]any{
			"url":         u.String(),
			"status":      resp.StatusCode,
			"contentType": resp.Header.Get("Content-Type"),
			"bytes":       len(body),
			"truncated":   truncated,
		},
		IsError: resp.StatusCode >= 400,
	}, nil
}

func echo(_ context.Context, raw json.RawMessage) (any, *mcp.Error) {
	args, perr := mcp.DecodeArgs(raw)
	if perr != nil {
		return nil, perr
	}
	text, _ := args.String("text")
	return text, nil
}

func transformText(_ context.Context, raw json.RawMessage) (any, *mcp.Error) {
	args, perr := mcp.DecodeArgs(raw)
	if perr != nil {
		return nil, perr
	}
	text, _ := args.String("text")
	op, _ := args.String("op")
	switch op {
	case "upper":
		return strings.ToUpper(text), nil
	case "lower":
		return strings.ToLower(text), nil
	case "trim":
		return strings.TrimSpace(text), nil
	case "reverse":
		runes := []rune(text)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	case "length":
		return map[string]any{"length": utf8.RuneCountInString(text)}, nil
	}
	return nil, mcp.Errorf(mcp.CodeInvalidParams, "unknown op %q", op)
}
