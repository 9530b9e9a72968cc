// Package supervisor runs a subordinate protocol server as a child process
// and decides, once and for all, whether traffic can be delegated to it.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"toolbridge/internal/mcp"
)

// Health is the subordinate's observed state.
type Health int32

const (
	HealthUnknown Health = iota
	HealthStarting
	HealthHealthy
	HealthFailed
	HealthExited
)

func (h Health) String() string {
	switch h {
	case HealthStarting:
		return "starting"
	case HealthHealthy:
		return "healthy"
	case HealthFailed:
		return "failed"
	case HealthExited:
		return "exited"
	default:
		return "unknown"
	}
}

var (
	ErrNotHealthy = errors.New("subordinate is not healthy")
	ErrNoCommand  = errors.New("no subordinate command configured")
	ErrQueueFull  = errors.New("subordinate input queue is full")
	errExited     = errors.New("subordinate exited")
)

// RoleEnv is set in the subordinate's environment.
const RoleEnv = "TOOLBRIDGE_ROLE"

const (
	DefaultGraceWindow  = 2 * time.Second
	DefaultProbeTimeout = 10 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultQueueSize    = 256
	stopTimeout         = 3 * time.Second
)

type Options struct {
	Command string
	Args    []string
	// Env holds extra KEY=VALUE pairs appended to the parent environment.
	Env []string
	Dir string
	// GraceWindow is how long after spawn an exit still counts as a failed start.
	GraceWindow  time.Duration
	ProbeTimeout time.Duration
	// WriteTimeout bounds a single write to the subordinate's stdin. A write
	// stuck longer than this means the subordinate stopped reading.
	WriteTimeout time.Duration
	// QueueSize is how many messages may wait for the stdin writer.
	QueueSize       int
	MaxMessageBytes int
	ClientInfo      mcp.ServerInfo
	Logger          *logrus.Entry
	Go              func(name string, fn func())
}

// Supervisor owns the subordinate process handle and its pipes.
type Supervisor struct {
	opts Options
	log  *logrus.Entry
	goFn func(string, func())

	startOnce  sync.Once
	settleOnce sync.Once
	settled    chan struct{}
	done       chan struct{}
	fallback   atomic.Bool
	outbox     chan []byte

	mu        sync.Mutex
	health    Health
	reason    string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pid       int
	startedAt time.Time
	tools     []mcp.Descriptor
	sink      mcp.UpstreamSink
	probes    map[string]chan *mcp.Message
}

func New(opts Options) *Supervisor {
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = mcp.ServerInfo{Name: "toolbridge-supervisor", Version: "0"}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "supervisor")
	if opts.Go == nil {
		opts.Go = func(_ string, fn func()) { go fn() }
	}
	return &Supervisor{
		opts:    opts,
		log:     log,
		goFn:    opts.Go,
		settled: make(chan struct{}),
		done:    make(chan struct{}),
		outbox:  make(chan []byte, opts.QueueSize),
		probes:  map[string]chan *mcp.Message{},
	}
}

// Start spawns the subordinate once and begins probing it. Later calls are no-ops.
func (s *Supervisor) Start() error {
	var err error
	s.startOnce.Do(func() { err = s.spawn() })
	return err
}

// Ensure starts the subordinate if needed and waits until the probe settles
// or ctx is done.
func (s *Supervisor) Ensure(ctx context.Context) {
	_ = s.Start()
	select {
	case <-s.settled:
	case <-ctx.Done():
	}
}

// Available reports whether traffic may be forwarded. The fallback latch is
// one-way: once set, this never returns true again.
func (s *Supervisor) Available() bool {
	if s.fallback.Load() {
		return false
	}
	return s.Health() == HealthHealthy
}

// Fallback reports whether the permanent fallback latch is set.
func (s *Supervisor) Fallback() bool { return s.fallback.Load() }

func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Tools returns the catalogue reported by the probe.
func (s *Supervisor) Tools() []mcp.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mcp.Descriptor(nil), s.tools...)
}

func (s *Supervisor) Attach(sink mcp.UpstreamSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Done is closed once the subordinate has exited or could not be spawned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Forward queues one message for the subordinate unchanged and never blocks.
// A full queue means the subordinate stopped reading: it is marked failed.
func (s *Supervisor) Forward(line []byte) error {
	if !s.Available() {
		return ErrNotHealthy
	}
	if err := s.enqueue(append([]byte(nil), line...)); err != nil {
		return fmt.Errorf("forwarding to subordinate: %w", err)
	}
	return nil
}

func (s *Supervisor) enqueue(payload []byte) error {
	select {
	case <-s.done:
		return errExited
	default:
	}
	select {
	case s.outbox <- payload:
		return nil
	default:
		s.fail(fmt.Sprintf("stdin queue full (%d messages waiting)", cap(s.outbox)))
		return ErrQueueFull
	}
}

// writeLoop is the only writer of the subordinate's stdin.
func (s *Supervisor) writeLoop(w *mcp.Writer) {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.outbox:
			stall := time.AfterFunc(s.opts.WriteTimeout, func() {
				s.fail(fmt.Sprintf("stdin write stalled for %s", s.opts.WriteTimeout))
			})
			err := w.WriteRaw(payload)
			stall.Stop()
			if err != nil {
				s.fail(fmt.Sprintf("write to subordinate: %v", err))
				return
			}
		}
	}
}

// Kill terminates the subordinate without stopping the supervisor. The exit
// is handled like any other crash.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return ErrNotHealthy
	}
	return cmd.Process.Kill()
}

// Stop latches fallback and terminates the subordinate, closing its stdin
// first and killing it if it does not exit in time.
func (s *Supervisor) Stop() {
	s.fallback.Store(true)
	s.mu.Lock()
	cmd, stdin := s.cmd, s.stdin
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	select {
	case <-s.done:
		return
	case <-time.After(stopTimeout):
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-s.done
}

// Status is a snapshot for heartbeat logging.
func (s *Supervisor) Status() logrus.Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return logrus.Fields{
		"subordinate": s.health.String(),
		"pid":         s.pid,
		"fallback":    s.fallback.Load(),
	}
}

func (s *Supervisor) spawn() error {
	if strings.TrimSpace(s.opts.Command) == "" {
		s.setFailedWithoutProcess(ErrNoCommand.Error())
		return ErrNoCommand
	}

	cmd := exec.Command(s.opts.Command, s.opts.Args...)
	cmd.Dir = s.opts.Dir
	cmd.Env = append(append(os.Environ(), s.opts.Env...), RoleEnv+"=subordinate")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setFailedWithoutProcess(fmt.Sprintf("stdin pipe: %v", err))
		return fmt.Errorf("subordinate stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setFailedWithoutProcess(fmt.Sprintf("stdout pipe: %v", err))
		return fmt.Errorf("subordinate stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setFailedWithoutProcess(fmt.Sprintf("stderr pipe: %v", err))
		return fmt.Errorf("subordinate stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		s.setFailedWithoutProcess(fmt.Sprintf("spawn failed: %v", err))
		return fmt.Errorf("starting subordinate %s: %w", s.opts.Command, err)
	}

	s.mu.Lock()
	prev := s.health
	s.cmd = cmd
	s.stdin = stdin
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	s.health = HealthStarting
	s.mu.Unlock()
	s.transition(prev, HealthStarting, "spawned")

	var readers sync.WaitGroup
	readers.Add(2)
	s.goFn("subordinate stdout", func() {
		defer readers.Done()
		s.readStdout(stdout)
	})
	s.goFn("subordinate stderr", func() {
		defer readers.Done()
		s.drainStderr(stderr)
	})
	w := mcp.NewWriter(stdin)
	s.goFn("subordinate stdin", func() { s.writeLoop(w) })
	s.goFn("subordinate wait", func() { s.wait(cmd, &readers) })
	s.goFn("subordinate probe", s.probe)
	return nil
}

func (s *Supervisor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ProbeTimeout)
	defer cancel()

	params := map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      s.opts.ClientInfo,
	}
	if _, err := s.call(ctx, "initialize", params); err != nil {
		s.fail(fmt.Sprintf("probe initialize: %v", err))
		return
	}
	if err := s.notify("notifications/initialized"); err != nil {
		s.fail(fmt.Sprintf("probe notify: %v", err))
		return
	}
	resp, err := s.call(ctx, "tools/list", nil)
	if err != nil {
		s.fail(fmt.Sprintf("probe tools/list: %v", err))
		return
	}
	var list struct {
		Tools []mcp.Descriptor `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		s.fail(fmt.Sprintf("probe tools/list: %v", err))
		return
	}

	s.mu.Lock()
	prev := s.health
	if prev != HealthStarting || s.fallback.Load() {
		s.mu.Unlock()
		return
	}
	s.health = HealthHealthy
	s.tools = list.Tools
	s.mu.Unlock()
	s.transition(prev, HealthHealthy, fmt.Sprintf("probe answered with %d tools", len(list.Tools)))
	s.settle()
}

// call sends a supervisor-originated request and waits for its response.
func (s *Supervisor) call(ctx context.Context, method string, params any) (*mcp.Message, error) {
	id := json.RawMessage(strconv.Quote("probe-" + uuid.NewString()))
	key := mcp.IDKey(id)
	ch := make(chan *mcp.Message, 1)

	s.mu.Lock()
	s.probes[key] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.probes, key)
		s.mu.Unlock()
	}()

	msg := &mcp.Message{JSONRPC: mcp.Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg.Params = raw
	}
	if err := s.send(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-s.done:
		return nil, errExited
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Supervisor) notify(method string) error {
	return s.send(&mcp.Message{JSONRPC: mcp.Version, Method: method})
}

func (s *Supervisor) send(msg *mcp.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.enqueue(raw)
}

func (s *Supervisor) readStdout(stdout io.Reader) {
	log := s.log.WithField("stream", "stdout")
	reader := mcp.NewReader(stdout, mcp.NewFramer(s.opts.MaxMessageBytes, log))
	for {
		raw, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.WithError(err).Debug("subordinate stdout closed")
			}
			return
		}
		s.route(raw)
	}
}

func (s *Supervisor) route(raw []byte) {
	id, method, ok := mcp.PeekID(raw)
	if !ok {
		s.log.Debug("dropping unparseable subordinate output")
		return
	}
	if method == "" {
		s.mu.Lock()
		ch, isProbe := s.probes[mcp.IDKey(id)]
		s.mu.Unlock()
		if isProbe {
			msg, err := mcp.ParseMessage(raw)
			if err == nil {
				select {
				case ch <- msg:
				default:
				}
			}
			return
		}
	}

	s.mu.Lock()
	sink, healthy := s.sink, s.health == HealthHealthy
	s.mu.Unlock()
	if sink == nil || !healthy {
		s.log.WithField("id", mcp.IDKey(id)).Debug("dropping subordinate output received before it was healthy")
		return
	}
	sink.HandleUpstream(raw)
}

func (s *Supervisor) drainStderr(stderr io.Reader) {
	log := s.log.WithFields(logrus.Fields{"stream": "stderr", "pid": s.Pid()})
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			log.Debug(line)
		}
	}
}

// wait reaps the process once both output pipes are drained, then latches
// fallback and answers anything still forwarded.
func (s *Supervisor) wait(cmd *exec.Cmd, readers *sync.WaitGroup) {
	readers.Wait()
	err := cmd.Wait()

	reason := "subordinate exited"
	if err != nil {
		reason = fmt.Sprintf("subordinate exited: %v", err)
	}

	s.mu.Lock()
	prev := s.health
	next := HealthExited
	if prev == HealthStarting || prev == HealthFailed || time.Since(s.startedAt) < s.opts.GraceWindow {
		next = HealthFailed
	}
	if prev == HealthFailed && s.reason != "" {
		reason = s.reason
	}
	s.health = next
	s.reason = reason
	sink := s.sink
	s.mu.Unlock()

	s.fallback.Store(true)
	close(s.done)
	s.settle()
	if prev != next {
		s.transition(prev, next, reason)
	}
	if sink != nil {
		sink.UpstreamLost(reason)
	}
}

// fail marks the subordinate failed and kills it. The exit is reported by wait.
func (s *Supervisor) fail(reason string) {
	s.mu.Lock()
	prev := s.health
	if prev == HealthFailed || prev == HealthExited {
		s.mu.Unlock()
		return
	}
	s.health = HealthFailed
	s.reason = reason
	cmd := s.cmd
	s.mu.Unlock()

	s.fallback.Store(true)
	s.transition(prev, HealthFailed, reason)
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	s.settle()
}

func (s *Supervisor) setFailedWithoutProcess(reason string) {
	s.mu.Lock()
	prev := s.health
	s.health = HealthFailed
	s.reason = reason
	s.mu.Unlock()
	s.fallback.Store(true)
	s.transition(prev, HealthFailed, reason)
	close(s.done)
	s.settle()
}

func (s *Supervisor) settle() {
	s.settleOnce.Do(func() { close(s.settled) })
}

func (s *Supervisor) transition(from, to Health, reason string) {
	entry := s.log.WithFields(logrus.Fields{
		"pid":    s.Pid(),
		"from":   from.String(),
		"to":     to.String(),
		"reason": reason,
	})
	if to == HealthFailed || to == HealthExited {
		entry.Warn("subordinate health changed")
		return
	}
	entry.Info("subordinate health changed")
}
