package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolbridge/internal/mcp"
)

const helperEnv = "TOOLBRIDGE_TEST_SUBORDINATE"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		runSubordinate(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runSubordinate turns the test binary into a subordinate protocol server.
func runSubordinate(mode string) {
	switch mode {
	case "exit-early":
		os.Exit(3)
	case "silent":
		_, _ = io.Copy(io.Discard, os.Stdin)
		return
	case "stall":
		answerHealthCheckThenStall()
		return
	}
	reg := mcp.NewRegistry()
	_ = reg.Register(mcp.Tool{
		Name: "echo",
		Handler: func(_ context.Context, args json.RawMessage) (any, *mcp.Error) {
			return string(args), nil
		},
	})
	_ = reg.Register(mcp.Tool{
		Name: "block",
		Handler: func(ctx context.Context, _ json.RawMessage) (any, *mcp.Error) {
			<-ctx.Done()
			return nil, nil
		},
	})
	log := logrus.New()
	log.SetOutput(os.Stderr)
	srv := mcp.NewServer(mcp.Options{
		Info:     mcp.ServerInfo{Name: "helper", Version: "test"},
		Registry: reg,
		Logger:   logrus.NewEntry(log),
	})
	_ = srv.Serve(os.Stdin, os.Stdout)
}

// answerHealthCheckThenStall completes the handshake and then never reads
// stdin again, so the parent's writes eventually block on a full pipe.
func answerHealthCheckThenStall() {
	reader := mcp.NewReader(os.Stdin, mcp.NewFramer(0, nil))
	out := mcp.NewWriter(os.Stdout)
	for {
		raw, err := reader.Next()
		if err != nil {
			return
		}
		msg, err := mcp.ParseMessage(raw)
		if err != nil || !msg.IsRequest() {
			continue
		}
		var result any = map[string]any{"protocolVersion": mcp.ProtocolVersion, "capabilities": map[string]any{}}
		if msg.Method == "tools/list" {
			result = map[string]any{"tools": []any{}}
		}
		resp, _ := mcp.NewResult(msg.ID, result)
		_ = out.WriteMessage(resp)
		if msg.Method == "tools/list" {
			break
		}
	}
	time.Sleep(time.Minute)
}

type recordingSink struct {
	mu   sync.Mutex
	msgs [][]byte
	lost []string
	got  chan struct{}
}

func newSink() *recordingSink { return &recordingSink{got: make(chan struct{}, 16)} }

func (r *recordingSink) HandleUpstream(raw []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, append([]byte(nil), raw...))
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recordingSink) UpstreamLost(reason string) {
	r.mu.Lock()
	r.lost = append(r.lost, reason)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recordingSink) snapshot() ([][]byte, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.msgs...), append([]string(nil), r.lost...)
}

// awaitLost waits for the exit report, which follows Done.
func (r *recordingSink) awaitLost(t *testing.T) []string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if _, lost := r.snapshot(); len(lost) > 0 {
			return lost
		}
		select {
		case <-r.got:
		case <-deadline:
			t.Fatal("subordinate loss not reported")
		}
	}
}

func helper(t *testing.T, mode string, tweak func(*Options)) *Supervisor {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	logger, _ := logtest.NewNullLogger()
	opts := Options{
		Command:      exe,
		Args:         []string{"-test.run=^$"},
		Env:          []string{helperEnv + "=" + mode},
		GraceWindow:  20 * time.Millisecond,
		ProbeTimeout: 5 * time.Second,
		Logger:       logrus.NewEntry(logger),
	}
	if tweak != nil {
		tweak(&opts)
	}
	s := New(opts)
	t.Cleanup(func() {
		if s.Pid() != 0 {
			_ = s.Kill()
		}
	})
	return s
}

func ensure(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Ensure(ctx)
}

func waitDone(t *testing.T, s *Supervisor) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("subordinate did not exit")
	}
}

func TestNoCommandFallsBack(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	s := New(Options{Logger: logrus.NewEntry(logger)})
	err := s.Start()
	require.ErrorIs(t, err, ErrNoCommand)
	assert.Equal(t, HealthFailed, s.Health())
	assert.True(t, s.Fallback())
	assert.False(t, s.Available())
}

func TestSpawnFailureFallsBack(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	s := New(Options{Command: "/nonexistent/toolbridge-subordinate", Logger: logrus.NewEntry(logger)})

	ensure(t, s)

	assert.Equal(t, HealthFailed, s.Health())
	assert.False(t, s.Available())
	assert.ErrorIs(t, s.Forward([]byte(`{}`)), ErrNotHealthy)
	waitDone(t, s)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "failed", last.Data["to"])
	assert.Contains(t, last.Data["reason"], "spawn failed")
}

func TestEarlyExitFallsBack(t *testing.T) {
	s := helper(t, "exit-early", nil)
	ensure(t, s)
	waitDone(t, s)

	assert.Equal(t, HealthFailed, s.Health())
	assert.True(t, s.Fallback())
	assert.False(t, s.Available())
}

func TestProbeTimeoutFallsBack(t *testing.T) {
	s := helper(t, "silent", func(o *Options) { o.ProbeTimeout = 200 * time.Millisecond })
	ensure(t, s)

	assert.Equal(t, HealthFailed, s.Health())
	assert.False(t, s.Available())
	waitDone(t, s)
}

func TestHealthyForwardsVerbatim(t *testing.T) {
	s := helper(t, "ok", nil)
	sink := newSink()
	s.Attach(sink)
	ensure(t, s)

	require.Equal(t, HealthHealthy, s.Health())
	require.True(t, s.Available())
	assert.NotZero(t, s.Pid())

	names := []string{}
	for _, d := range s.Tools() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"echo", "block"}, names)

	req := `{"jsonrpc":"2.0","id":"abc","method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`
	require.NoError(t, s.Forward([]byte(req)))

	select {
	case <-sink.got:
	case <-time.After(5 * time.Second):
		t.Fatal("no response relayed")
	}
	msgs, lost := sink.snapshot()
	require.Len(t, msgs, 1)
	assert.Empty(t, lost)
	id, method, ok := mcp.PeekID(msgs[0])
	require.True(t, ok)
	assert.Empty(t, method)
	assert.JSONEq(t, `"abc"`, string(id))
	assert.Contains(t, string(msgs[0]), `\"x\":1`)
}

func TestKillAfterHealthyIsPermanent(t *testing.T) {
	s := helper(t, "ok", nil)
	sink := newSink()
	s.Attach(sink)
	ensure(t, s)
	require.True(t, s.Available())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Forward([]byte(`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"block"}}`)))
	require.NoError(t, s.Kill())
	waitDone(t, s)

	assert.Equal(t, HealthExited, s.Health())
	assert.False(t, s.Available())
	assert.True(t, s.Fallback())
	assert.ErrorIs(t, s.Forward([]byte(`{}`)), ErrNotHealthy)

	lost := sink.awaitLost(t)
	require.Len(t, lost, 1)
	assert.Contains(t, lost[0], "subordinate exited")

	// Nothing can bring it back.
	require.NoError(t, s.Start())
	assert.False(t, s.Available())
}

func TestStopTerminatesSubordinate(t *testing.T) {
	s := helper(t, "ok", nil)
	ensure(t, s)
	require.True(t, s.Available())

	s.Stop()

	waitDone(t, s)
	assert.True(t, s.Fallback())
	assert.False(t, s.Available())
	fields := s.Status()
	assert.Equal(t, true, fields["fallback"])
}

func TestStalledSubordinateFailsWithoutBlockingForward(t *testing.T) {
	s := helper(t, "stall", func(o *Options) {
		o.QueueSize = 4
		o.WriteTimeout = 300 * time.Millisecond
	})
	sink := newSink()
	s.Attach(sink)
	ensure(t, s)
	require.True(t, s.Available())

	pad := strings.Repeat("x", 16*1024)
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for i := 0; i < 64; i++ {
			line := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"echo","arguments":{"pad":%q}}}`, i, pad)
			_ = s.Forward([]byte(line))
		}
		_ = s.Forward([]byte(`{"jsonrpc":"2.0","id":"last","method":"ping"}`))
	}()
	select {
	case <-returned:
	case <-time.After(3 * time.Second):
		t.Fatal("Forward blocked on a subordinate that stopped reading")
	}

	waitDone(t, s)
	assert.Equal(t, HealthFailed, s.Health())
	assert.True(t, s.Fallback())
	assert.False(t, s.Available())
	assert.ErrorIs(t, s.Forward([]byte(`{}`)), ErrNotHealthy)

	lost := sink.awaitLost(t)
	require.Len(t, lost, 1)
	assert.Regexp(t, `stdin (queue full|write stalled)`, lost[0])
}

func TestWriteStallTimesOut(t *testing.T) {
	s := helper(t, "stall", func(o *Options) {
		o.WriteTimeout = 200 * time.Millisecond
	})
	sink := newSink()
	s.Attach(sink)
	ensure(t, s)
	require.True(t, s.Available())

	// A single message larger than the pipe buffer blocks the writer.
	big := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"pad":%q}}}`, strings.Repeat("z", 1<<20))
	require.NoError(t, s.Forward([]byte(big)))

	waitDone(t, s)
	assert.Equal(t, HealthFailed, s.Health())
	lost := sink.awaitLost(t)
	require.Len(t, lost, 1)
	assert.Contains(t, lost[0], "stdin write stalled")
}
