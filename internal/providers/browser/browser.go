// Package browser exposes headless Chromium page tools driven by chromedp.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"toolbridge/internal/mcp"
	"toolbridge/internal/providers"
)

const defaultTimeout = 30 * time.Second

// Settings selects the browser binary and profile.
type Settings struct {
	// ExecPath is the browser binary; empty lets chromedp search the usual locations.
	ExecPath   string
	ProfileDir string
	Headless   bool
	Timeout    time.Duration
}

type provider struct {
	settings Settings
}

func init() {
	providers.Register("browser", New)
}

// New builds a browser provider. Options: browser, profile_dir, headless, timeout.
func New(opts map[string]any) (providers.Provider, error) {
	s := Settings{
		ExecPath:   providers.Get[string](opts, "browser", ""),
		ProfileDir: providers.Get[string](opts, "profile_dir", ""),
		Headless:   providers.Get[bool](opts, "headless", true),
		Timeout:    defaultTimeout,
	}
	if raw := providers.Get[string](opts, "timeout", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		s.Timeout = d
	}
	return &provider{settings: s}, nil
}

// AllocatorOptions builds the exec allocator options for s.
func AllocatorOptions(s Settings) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.Flag("headless", s.Headless),
	)
	if s.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.ExecPath))
	}
	if s.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(s.ProfileDir), chromedp.Flag("profile-directory", "Default"))
	}
	return opts
}

func (p *provider) Name() string { return "browser" }

func (p *provider) Tools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "browser.text",
			Description: "Load a page in a browser and return the visible text of a selector (default body)",
			InputSchema: mcp.Schema(map[string]string{"url": "string", "selector?": "string"}),
			Handler:     p.text,
		},
		{
			Name:        "browser.evaluate",
			Description: "Load a page in a browser and evaluate a JavaScript expression, awaiting promises",
			InputSchema: mcp.Schema(map[string]string{"url": "string", "expression": "string"}),
			Handler:     p.evaluate,
		},
	}
}

func (p *provider) text(ctx context.Context, raw json.RawMessage) (any, *mcp.Error) {
	args, target, perr := pageArgs(raw)
	if perr != nil {
		return nil, perr
	}
	selector, _ := args.String("selector")
	if selector == "" {
		selector = "body"
	}
	var out string
	err := p.run(ctx,
		chromedp.Navigate(target),
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Text(selector, &out, chromedp.ByQuery),
	)
	if err != nil {
		return nil, mcp.Errorf(mcp.CodeToolError, "browser: %v", err)
	}
	return out, nil
}

func (p *provider) evaluate(ctx context.Context, raw json.RawMessage) (any, *mcp.Error) {
	args, target, perr := pageArgs(raw)
	if perr != nil {
		return nil, perr
	}
	expr, _ := args.String("expression")
	var out any
	err := p.run(ctx,
		chromedp.Navigate(target),
		chromedp.Evaluate(expr, &out, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
			return ep.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		return nil, mcp.Errorf(mcp.CodeToolError, "browser: %v", err)
	}
	return map[string]any{"url": target, "value": out}, nil
}

func (p *provider) run(ctx context.Context, actions ...chromedp.Action) error {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, AllocatorOptions(p.settings)...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()
	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, p.settings.Timeout)
	defer cancelTimeout()
	return chromedp.Run(taskCtx, actions...)
}

func pageArgs(raw json.RawMessage) (mcp.Args, string, *mcp.Error) {
	args, perr := mcp.DecodeArgs(raw)
	if perr != nil {
		return nil, "", perr
	}
	target, _ := args.String("url")
	u, err := url.Parse(target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", mcp.Errorf(mcp.CodeInvalidParams, "url must be an absolute http(s) URL")
	}
	return args, u.String(), nil
}
