package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"toolbridge/internal/config"
	"toolbridge/internal/fallback"
	"toolbridge/internal/liveness"
	"toolbridge/internal/mcp"
	"toolbridge/internal/providers"
	_ "toolbridge/internal/providers/browser" // register providers via init
	_ "toolbridge/internal/providers/fs"
	_ "toolbridge/internal/providers/markdown"
	"toolbridge/internal/supervisor"
	"toolbridge/internal/tools/essential"
)

// Version is reported in serverInfo.
const Version = "0.1.0"

// WorkerCommand is the subcommand that runs the subordinate.
const WorkerCommand = "worker"

type App struct {
	cfg config.Config
	log *logrus.Entry
}

func New(cfg config.Config, log *logrus.Entry) *App {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &App{cfg: cfg, log: log}
	log.WithFields(logrus.Fields{
		"config":      cfg.Path,
		"providers":   len(cfg.Providers),
		"subordinate": !cfg.Subordinate.Disabled,
	}).Debug("initialized app config")
	return a
}

func (a *App) Config() config.Config { return a.cfg }

func (a *App) essentialOptions() essential.Options {
	return essential.Options{
		FetchTimeout:  a.cfg.Fallback.FetchTimeout,
		FetchMaxBytes: a.cfg.Fallback.FetchMaxBytes,
	}
}

// WorkerRegistry builds the full tool set: the essential tools plus every
// configured provider.
func (a *App) WorkerRegistry() (*mcp.Registry, *providers.Manager, error) {
	reg := mcp.NewRegistry()
	if err := essential.Register(reg, a.essentialOptions()); err != nil {
		return nil, nil, err
	}
	mgr := providers.NewManager(a.log)
	if err := mgr.Load(a.cfg.Providers); err != nil {
		return nil, nil, err
	}
	if err := mgr.RegisterTools(reg); err != nil {
		return nil, nil, err
	}
	return reg, mgr, nil
}

// ToolCatalogue lists the worker's tools.
func (a *App) ToolCatalogue() ([]mcp.Descriptor, error) {
	reg, _, err := a.WorkerRegistry()
	if err != nil {
		return nil, err
	}
	return reg.List(), nil
}

// CallTool runs one worker tool in-process and returns its result.
func (a *App) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	reg, _, err := a.WorkerRegistry()
	if err != nil {
		return nil, err
	}
	if _, ok := reg.Resolve(name); !ok {
		return nil, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, name)
	}
	start := time.Now()
	v, perr := reg.Call(ctx, name, args)
	entry := a.log.WithFields(logrus.Fields{"tool": name, "elapsed": time.Since(start)})
	if perr != nil {
		entry.WithError(perr).Error("tool call failed")
		return nil, perr
	}
	entry.Info("tool call")
	return mcp.NewToolResult(v), nil
}

// Worker serves the full tool set in standalone mode until in is exhausted
// or ctx is done.
func (a *App) Worker(ctx context.Context, in io.Reader, out io.Writer) error {
	reg, mgr, err := a.WorkerRegistry()
	if err != nil {
		return err
	}
	log := a.log.WithField("role", "worker")
	srv := mcp.NewServer(mcp.Options{
		Info:            mcp.ServerInfo{Name: a.cfg.Server.Name + "-worker", Version: Version},
		Registry:        reg,
		MaxMessageBytes: a.cfg.Server.MaxMessageBytes,
		Logger:          log,
		Go:              func(name string, fn func()) { liveness.SafeGo(log, name, fn) },
	})
	log.WithFields(logrus.Fields{"tools": reg.Len(), "providers": mgr.List()}).Info("worker ready")

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(in, out) }()
	select {
	case err := <-errc:
		srv.Wait()
		return err
	case <-ctx.Done():
		srv.Terminate()
		return nil
	}
}

// Bridge is the host-facing server with its subordinate and liveness guard.
type Bridge struct {
	Server     *mcp.Server
	Supervisor *supervisor.Supervisor
	Guard      *liveness.Guard
	lazy       bool
	log        *logrus.Entry
}

// BridgeOption adjusts the liveness guard of a bridge.
type BridgeOption func(*liveness.Options)

// WithSignals delivers signals from ch instead of from the process.
func WithSignals(ch <-chan os.Signal) BridgeOption {
	return func(o *liveness.Options) { o.Signals = ch }
}

// NewBridge wires the fallback registry, the supervisor and the guard.
func (a *App) NewBridge(opts ...BridgeOption) (*Bridge, error) {
	log := a.log.WithField("role", "bridge")
	guardOpts := liveness.Options{
		Heartbeat:  a.cfg.Liveness.Heartbeat,
		Backoff:    a.cfg.Liveness.RearmBackoff,
		BackoffMax: a.cfg.Liveness.RearmBackoffMax,
		Logger:     log,
	}
	for _, opt := range opts {
		opt(&guardOpts)
	}
	guard := liveness.New(guardOpts)

	reg := mcp.NewRegistry()
	ex := fallback.NewExecutor(essential.Tools(a.essentialOptions()), log)
	if err := ex.Register(reg); err != nil {
		return nil, err
	}

	b := &Bridge{Guard: guard, lazy: a.cfg.Subordinate.Lazy, log: log}
	var upstream mcp.Upstream
	if !a.cfg.Subordinate.Disabled {
		opts, err := a.supervisorOptions(log, guard)
		if err != nil {
			return nil, err
		}
		b.Supervisor = supervisor.New(opts)
		upstream = b.Supervisor
	}

	b.Server = mcp.NewServer(mcp.Options{
		Info:            mcp.ServerInfo{Name: a.cfg.Server.Name, Version: Version},
		Registry:        reg,
		Upstream:        upstream,
		Degraded:        true,
		ForwardTimeout:  a.cfg.Server.ForwardTimeout,
		MaxMessageBytes: a.cfg.Server.MaxMessageBytes,
		Logger:          log,
		Go:              guard.Go,
	})
	guard.SetStatus(b.Status)
	return b, nil
}

func (a *App) supervisorOptions(log *logrus.Entry, guard *liveness.Guard) (supervisor.Options, error) {
	sub := a.cfg.Subordinate
	command, args := sub.Command, sub.Args
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return supervisor.Options{}, fmt.Errorf("locating executable for worker: %w", err)
		}
		command = exe
		args = []string{WorkerCommand}
		if a.cfg.Path != "" {
			args = append(args, "--config", a.cfg.Path)
		}
	}
	keys := make([]string, 0, len(sub.Env))
	for k := range sub.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+sub.Env[k])
	}
	return supervisor.Options{
		Command:         command,
		Args:            args,
		Env:             env,
		Dir:             sub.Dir,
		GraceWindow:     sub.GraceWindow,
		ProbeTimeout:    sub.ProbeTimeout,
		WriteTimeout:    a.cfg.Server.ForwardTimeout,
		MaxMessageBytes: a.cfg.Server.MaxMessageBytes,
		ClientInfo:      mcp.ServerInfo{Name: a.cfg.Server.Name, Version: Version},
		Logger:          log,
		Go:              guard.Go,
	}, nil
}

// Status merges server and subordinate state for heartbeats.
func (b *Bridge) Status() logrus.Fields {
	fields := b.Server.Status()
	if b.Supervisor != nil {
		for k, v := range b.Supervisor.Status() {
			fields[k] = v
		}
	}
	return fields
}

// Run serves in/out under the liveness guard until an operator stop or ctx
// cancellation.
func (b *Bridge) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	if b.Supervisor != nil && !b.lazy {
		if err := b.Supervisor.Start(); err != nil {
			b.log.WithError(err).Warn("subordinate unavailable; serving fallback tools")
		}
	}
	err := b.Guard.Run(ctx, func(context.Context) error {
		return b.Server.Serve(in, out)
	})
	b.Server.Terminate()
	if b.Supervisor != nil {
		b.Supervisor.Stop()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Serve runs the bridge on in/out.
func (a *App) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	b, err := a.NewBridge()
	if err != nil {
		return err
	}
	return b.Run(ctx, in, out)
}
