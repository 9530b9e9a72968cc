package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ServerInfo identifies the server in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities mirrors the high-level MCP capabilities advertised by the server.
type Capabilities struct {
	Tools *ToolCapability `json:"tools,omitempty"`
}

type ToolCapability struct {
	ListChanged bool `json:"listChanged"`
}

// Mode describes who serves tool traffic.
type Mode string

const (
	// ModeStandalone serves the full registry in-process.
	ModeStandalone Mode = "standalone"
	// ModeDelegated forwards tool traffic to a healthy subordinate.
	ModeDelegated Mode = "delegated"
	// ModeFallback serves the reduced in-process registry.
	ModeFallback Mode = "fallback"
)

// Upstream is a subordinate implementation of the same protocol that tool
// traffic can be forwarded to verbatim.
type Upstream interface {
	// Ensure starts the subordinate if needed and waits until its health settles.
	Ensure(ctx context.Context)
	// Available reports whether traffic may be forwarded. Once false it stays false.
	Available() bool
	// Forward hands one framed message to the subordinate unchanged. It is
	// called from the read loop and must not block on the subordinate.
	Forward(line []byte) error
	// Tools returns the subordinate's tool catalogue.
	Tools() []Descriptor
	// Attach registers the receiver of subordinate output and exit events.
	Attach(sink UpstreamSink)
}

// UpstreamSink receives subordinate output.
type UpstreamSink interface {
	HandleUpstream(raw []byte)
	UpstreamLost(reason string)
}

// Options configures a Server.
type Options struct {
	Info     ServerInfo
	Registry *Registry
	// Upstream is nil for a standalone server.
	Upstream Upstream
	// Degraded marks the local registry as a reduced-capability fallback.
	Degraded        bool
	ForwardTimeout  time.Duration
	MaxMessageBytes int
	Logger          *logrus.Entry
	// Go launches background work; it must recover panics.
	Go func(name string, fn func())
}

// DefaultForwardTimeout bounds how long a forwarded request may stay unanswered.
const DefaultForwardTimeout = 30 * time.Second

// Server speaks JSON-RPC over a pair of streams. A single read loop frames
// input and hands requests to goroutines, so a slow handler never stops the
// loop from reading the next message.
type Server struct {
	info           ServerInfo
	registry       *Registry
	upstream       Upstream
	degraded       bool
	forwardTimeout time.Duration
	maxMessage     int
	log            *logrus.Entry
	goFn           func(string, func())

	lifecycle *Lifecycle
	pending   *PendingTable

	ctx    context.Context
	cancel context.CancelFunc

	outMu    sync.Mutex
	out      *Writer
	inflight sync.WaitGroup
	sessions atomic.Int64
}

func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "server")
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = DefaultForwardTimeout
	}
	if opts.Go == nil {
		opts.Go = recoveringGo(log)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info:           opts.Info,
		registry:       opts.Registry,
		upstream:       opts.Upstream,
		degraded:       opts.Degraded,
		forwardTimeout: opts.ForwardTimeout,
		maxMessage:     opts.MaxMessageBytes,
		log:            log,
		goFn:           opts.Go,
		lifecycle:      NewLifecycle(log),
		pending:        NewPendingTable(),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.lifecycle.OnReady(s.registry.Seal)
	if s.upstream != nil {
		s.upstream.Attach(s)
	}
	return s
}

func (s *Server) Lifecycle() *Lifecycle { return s.lifecycle }

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Pending() *PendingTable { return s.pending }

func (s *Server) State() State { return s.lifecycle.State() }

func (s *Server) Context() context.Context { return s.ctx }

// Mode reports who currently serves tool traffic.
func (s *Server) Mode() Mode {
	if s.upstream == nil {
		if s.degraded {
			return ModeFallback
		}
		return ModeStandalone
	}
	if s.upstream.Available() {
		return ModeDelegated
	}
	return ModeFallback
}

// Status is a snapshot for heartbeat logging.
func (s *Server) Status() logrus.Fields {
	return logrus.Fields{
		"state":   s.State().String(),
		"mode":    string(s.Mode()),
		"pending": s.pending.Len(),
	}
}

// Serve processes JSON-RPC messages from r and writes responses to w until r
// is exhausted. It returns nil on end of input; the caller decides whether to
// serve again.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	out := NewWriter(w)
	s.setOut(out)

	log := s.log.WithFields(logrus.Fields{"session": uuid.NewString(), "sessions": s.sessions.Add(1)})
	reader := NewReader(r, NewFramer(s.maxMessage, log.WithField("component", "framer")))
	log.Info("session started")

	for {
		raw, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.WithField("dropped", reader.Framer().Dropped()).Info("input stream closed")
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		out.SetFraming(reader.Framer().Last())
		s.handle(out, raw)
	}
}

// Wait blocks until every locally dispatched handler has returned.
func (s *Server) Wait() { s.inflight.Wait() }

// Terminate moves the connection to its final state and cancels handler contexts.
func (s *Server) Terminate() {
	s.lifecycle.Terminate()
	s.cancel()
}

func (s *Server) setOut(w *Writer) {
	s.outMu.Lock()
	s.out = w
	s.outMu.Unlock()
}

func (s *Server) currentOut() *Writer {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.out
}

func (s *Server) reply(out *Writer, id []byte, result any, perr *Error) {
	if perr != nil {
		s.write(out, NewErrorResponse(id, perr))
		return
	}
	msg, err := NewResult(id, result)
	if err != nil {
		s.log.WithError(err).Error("failed to encode result")
		s.write(out, NewErrorResponse(id, Errorf(CodeInternalError, "failed to encode result: %v", err)))
		return
	}
	s.write(out, msg)
}

func (s *Server) write(out *Writer, msg *Message) {
	if out == nil {
		return
	}
	if err := out.WriteMessage(msg); err != nil {
		s.log.WithError(err).WithField("id", IDKey(msg.ID)).Warn("failed to write response")
	}
}

func (s *Server) writeRaw(out *Writer, raw []byte) {
	if out == nil {
		s.log.Debug("no host session; dropping relayed message")
		return
	}
	if err := out.WriteRaw(raw); err != nil {
		s.log.WithError(err).Warn("failed to relay message")
	}
}

func recoveringGo(log *logrus.Entry) func(string, func()) {
	return func(name string, fn func()) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logrus.Fields{"goroutine": name, "panic": r, "stack": string(debug.Stack())}).Error("recovered panic")
				}
			}()
			fn()
		}()
	}
}
