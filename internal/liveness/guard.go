// Package liveness keeps a stdio server process alive across host-side
// events: end of input, broken pipes, handler panics, and stray signals.
// Only an operator stop ends Run.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPanic wraps a panic recovered from a serve session.
var ErrPanic = errors.New("serve panicked")

const (
	DefaultHeartbeat  = time.Minute
	DefaultBackoff    = 100 * time.Millisecond
	DefaultBackoffMax = 5 * time.Second
	// quietAfter consecutive short sessions, re-arm logging drops to debug.
	quietAfter = 3
)

type Options struct {
	Heartbeat  time.Duration
	Backoff    time.Duration
	BackoffMax time.Duration
	Logger     *logrus.Entry
	// Status contributes fields to every heartbeat.
	Status func() logrus.Fields
	// Signals replaces process signal delivery; used by tests.
	Signals <-chan os.Signal
}

type Guard struct {
	opts     Options
	log      *logrus.Entry
	started  time.Time
	sessions atomic.Int64

	stopOnce sync.Once
	stopped  chan struct{}

	statusMu sync.Mutex
	status   func() logrus.Fields
}

func New(opts Options) *Guard {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.BackoffMax < opts.Backoff {
		opts.BackoffMax = DefaultBackoffMax
		if opts.BackoffMax < opts.Backoff {
			opts.BackoffMax = opts.Backoff
		}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Guard{
		opts:    opts,
		log:     log.WithField("component", "liveness"),
		started: time.Now(),
		stopped: make(chan struct{}),
		status:  opts.Status,
	}
}

// SetStatus replaces the heartbeat status hook.
func (g *Guard) SetStatus(fn func() logrus.Fields) {
	g.statusMu.Lock()
	g.status = fn
	g.statusMu.Unlock()
}

// Stop ends Run as an operator stop would.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stopped) })
}

// Sessions reports how many times serve has been started.
func (g *Guard) Sessions() int64 { return g.sessions.Load() }

// Go launches fn on a goroutine that logs and swallows panics.
func (g *Guard) Go(name string, fn func()) { SafeGo(g.log, name, fn) }

// SafeGo launches fn in a goroutine with deferred panic recovery. A panic is
// logged with its stack and the process keeps running.
func SafeGo(log *logrus.Entry, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     fmt.Sprint(r),
					"stack":     string(debug.Stack()),
				}).Error("recovered panic in background goroutine")
			}
		}()
		fn()
	}()
}

// Run calls serve repeatedly until ctx is cancelled, Stop is called, or the
// operator stop signal arrives. Every other outcome of serve is logged and
// re-armed after a backoff.
func (g *Guard) Run(ctx context.Context, serve func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := g.opts.Signals
	if sigs == nil {
		ch := make(chan os.Signal, 8)
		signal.Notify(ch, trapped...)
		defer signal.Stop(ch)
		sigs = ch
	}
	if g.opts.Heartbeat > 0 {
		g.Go("heartbeat", func() { g.heartbeat(ctx) })
	}

	backoff := g.opts.Backoff
	short := 0
	for {
		n := g.sessions.Add(1)
		begun := time.Now()
		done := make(chan error, 1)
		g.Go("serve", func() { done <- g.serveOnce(ctx, serve) })

		var err error
	session:
		for {
			select {
			case err = <-done:
				break session
			case sig := <-sigs:
				if g.handleSignal(sig) {
					return nil
				}
			case <-g.stopped:
				g.log.Info("stop requested")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lasted := time.Since(begun)
		if lasted > g.opts.BackoffMax {
			backoff = g.opts.Backoff
			short = 0
		} else {
			short++
		}
		entry := g.log.WithFields(logrus.Fields{"session": n, "lasted": lasted.Round(time.Millisecond).String(), "rearm_in": backoff.String()})
		switch {
		case err != nil:
			entry.WithError(err).Warn("serve session failed; re-arming")
		case short > quietAfter:
			entry.Debug("input closed; re-arming")
		default:
			entry.Info("input closed; re-arming")
		}

		if !g.pause(ctx, backoff, sigs) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		if backoff *= 2; backoff > g.opts.BackoffMax {
			backoff = g.opts.BackoffMax
		}
	}
}

func (g *Guard) serveOnce(ctx context.Context, serve func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.WithField("stack", string(debug.Stack())).Error("serve panicked")
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return serve(ctx)
}

// pause waits d while still reacting to signals. It returns false when Run
// should end.
func (g *Guard) pause(ctx context.Context, d time.Duration, sigs <-chan os.Signal) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case sig := <-sigs:
			if g.handleSignal(sig) {
				return false
			}
		case <-g.stopped:
			g.log.Info("stop requested")
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// handleSignal logs sig and reports whether it is the operator stop.
func (g *Guard) handleSignal(sig os.Signal) bool {
	entry := g.log.WithField("signal", sig.String())
	if isStop(sig) {
		entry.Info("operator stop signal received")
		return true
	}
	entry.Warn("ignoring signal; process stays up")
	return false
}

func (g *Guard) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(g.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fields := logrus.Fields{
				"uptime":     time.Since(g.started).Round(time.Second).String(),
				"goroutines": runtime.NumGoroutine(),
				"sessions":   g.sessions.Load(),
			}
			g.statusMu.Lock()
			status := g.status
			g.statusMu.Unlock()
			if status != nil {
				for k, v := range status() {
					fields[k] = v
				}
			}
			g.log.WithFields(fields).Info("heartbeat")
		}
	}
}
