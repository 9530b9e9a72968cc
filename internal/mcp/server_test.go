package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type frame struct {
	msg     *Message
	raw     []byte
	framing Framing
}

type harness struct {
	t    *testing.T
	srv  *Server
	in   *io.PipeWriter
	out  chan frame
	done chan error
	hook *logtest.Hook

	// release unblocks the "block" tool.
	release chan struct{}
}

func testTools(release chan struct{}) []Tool {
	return []Tool{
		{
			Name:        "echo",
			InputSchema: Schema(map[string]string{"text": "string"}),
			Handler: func(_ context.Context, args json.RawMessage) (any, *Error) {
				var in struct{ Text string }
				_ = json.Unmarshal(args, &in)
				return in.Text, nil
			},
		},
		{
			Name:        "delay",
			InputSchema: Schema(map[string]string{"n": "integer", "ms?": "integer"}),
			Handler: func(_ context.Context, args json.RawMessage) (any, *Error) {
				var in struct{ N, Ms int }
				_ = json.Unmarshal(args, &in)
				time.Sleep(time.Duration(in.Ms) * time.Millisecond)
				return strconv.Itoa(in.N), nil
			},
		},
		{
			Name: "boom",
			Handler: func(context.Context, json.RawMessage) (any, *Error) {
				panic("kaboom")
			},
		},
		{
			Name: "block",
			Handler: func(ctx context.Context, _ json.RawMessage) (any, *Error) {
				select {
				case <-release:
					return "released", nil
				case <-ctx.Done():
					return nil, Errorf(CodeToolError, "cancelled")
				}
			},
		},
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	opts.Logger = logrus.NewEntry(logger)

	release := make(chan struct{})
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
		for _, tool := range testTools(release) {
			require.NoError(t, opts.Registry.Register(tool))
		}
	}
	srv := NewServer(opts)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &harness{
		t:       t,
		srv:     srv,
		in:      inW,
		out:     make(chan frame, 256),
		done:    make(chan error, 1),
		hook:    hook,
		release: release,
	}
	go func() { h.done <- srv.Serve(inR, outW) }()
	go func() {
		defer close(h.out)
		reader := NewReader(outR, NewFramer(0, logger))
		for {
			raw, err := reader.Next()
			if err != nil {
				return
			}
			msg, err := ParseMessage(raw)
			if err != nil {
				continue
			}
			h.out <- frame{msg: msg, raw: raw, framing: reader.Framer().Last()}
		}
	}()

	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case <-h.done:
		case <-time.After(waitFor):
			t.Error("serve did not return after input closed")
		}
		srv.Terminate()
		srv.Wait()
		_ = outW.Close()
	})
	return h
}

func (h *harness) send(line string) {
	h.t.Helper()
	_, err := io.WriteString(h.in, line+"\n")
	require.NoError(h.t, err)
}

func (h *harness) request(id any, method string, params any) {
	h.t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	b, err := json.Marshal(msg)
	require.NoError(h.t, err)
	h.send(string(b))
}

func (h *harness) next() frame {
	h.t.Helper()
	select {
	case f, ok := <-h.out:
		require.True(h.t, ok, "output closed")
		return f
	case <-time.After(waitFor):
		h.t.Fatal("timed out waiting for a response")
	}
	return frame{}
}

func (h *harness) recv() *Message {
	h.t.Helper()
	return h.next().msg
}

func (h *harness) expectNone(d time.Duration) {
	h.t.Helper()
	select {
	case f := <-h.out:
		h.t.Fatalf("unexpected message: %s", f.raw)
	case <-time.After(d):
	}
}

func (h *harness) call(id any, method string, params any) *Message {
	h.t.Helper()
	h.request(id, method, params)
	msg := h.recv()
	assert.Equal(h.t, mustJSON(h.t, id), IDKey(msg.ID))
	return msg
}

func (h *harness) initialize() *Message {
	h.t.Helper()
	msg := h.call("init", "initialize", map[string]any{"protocolVersion": ProtocolVersion})
	require.Nil(h.t, msg.Error)
	return msg
}

func (h *harness) logged(message string) bool {
	for _, e := range h.hook.AllEntries() {
		if e.Message == message {
			return true
		}
	}
	return false
}

func mustJSON(t *testing.T, v any) string {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func toolResult(t *testing.T, msg *Message) ToolResult {
	t.Helper()
	require.Nil(t, msg.Error, "unexpected error response")
	var res ToolResult
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	return res
}

func errorData(t *testing.T, msg *Message) map[string]any {
	t.Helper()
	require.NotNil(t, msg.Error)
	data, ok := msg.Error.Data.(map[string]any)
	require.True(t, ok, "error data missing: %#v", msg.Error)
	return data
}

func TestRequestsBeforeInitialize(t *testing.T) {
	h := newHarness(t, Options{})

	msg := h.call(1, "tools/list", nil)
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeNotInitialized, msg.Error.Code)

	msg = h.call(2, "ping", nil)
	assert.Nil(t, msg.Error)
	assert.JSONEq(t, `{}`, string(msg.Result))
	assert.Equal(t, StateUninitialized, h.srv.State())
}

func TestInitialize(t *testing.T) {
	h := newHarness(t, Options{Info: ServerInfo{Name: "bridge", Version: "1.2.3"}})

	msg := h.call(1, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"clientInfo":      map[string]any{"name": "host", "version": "9"},
	})
	require.Nil(t, msg.Error)
	var res initializeResult
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	assert.Equal(t, "2025-03-26", res.ProtocolVersion)
	assert.Equal(t, ServerInfo{Name: "bridge", Version: "1.2.3"}, res.ServerInfo)
	require.NotNil(t, res.Capabilities.Tools)
	assert.Len(t, res.Tools, 4)
	assert.Equal(t, "standalone", res.Meta["mode"])

	assert.Equal(t, StateReady, h.srv.State())
	assert.True(t, h.srv.Registry().Sealed())

	msg = h.call(2, "initialize", map[string]any{})
	require.Nil(t, msg.Error, "initialize while ready is acknowledged again")
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	assert.Equal(t, ProtocolVersion, res.ProtocolVersion)
	assert.Equal(t, StateReady, h.srv.State())
}

func TestToolCalls(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	res := toolResult(t, h.call(1, "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{"text": "hi"}}))
	require.Len(t, res.Content, 1)
	assert.Equal(t, "hi", res.Content[0].Text)

	// Tools are also callable by method name.
	res = toolResult(t, h.call(2, "echo", map[string]any{"text": "direct"}))
	assert.Equal(t, "direct", res.Content[0].Text)

	msg := h.call(3, "tools/list", nil)
	require.Nil(t, msg.Error)
	var list struct {
		Tools []Descriptor `json:"tools"`
		Meta  any          `json:"_meta"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &list))
	assert.Len(t, list.Tools, 4)
	assert.Nil(t, list.Meta)
}

func TestUnknownMethodAndInvalidParams(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	msg := h.call(1, "no/such/method", nil)
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeMethodNotFound, msg.Error.Code)
	assert.Nil(t, msg.Error.Data)

	msg = h.call(2, "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{"text": 5}})
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeInvalidParams, msg.Error.Code)

	msg = h.call(3, "tools/call", nil)
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeInvalidParams, msg.Error.Code)

	msg = h.call(4, "tools/call", map[string]any{"arguments": map[string]any{}})
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeInvalidParams, msg.Error.Code)
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	const n = 50
	want := map[string]string{}
	for i := 0; i < n; i++ {
		var id any = i
		if i%2 == 1 {
			id = fmt.Sprintf("req-%d", i)
		}
		want[mustJSON(t, id)] = strconv.Itoa(i)
		h.request(id, "tools/call", map[string]any{
			"name":      "delay",
			"arguments": map[string]any{"n": i, "ms": rand.Intn(20)},
		})
	}

	got := map[string]string{}
	for i := 0; i < n; i++ {
		msg := h.recv()
		key := IDKey(msg.ID)
		_, dup := got[key]
		require.False(t, dup, "id %s answered twice", key)
		got[key] = toolResult(t, msg).Content[0].Text
	}
	assert.Equal(t, want, got)
	h.expectNone(50 * time.Millisecond)
	assert.Zero(t, h.srv.Pending().Len())
}

func TestNotificationsGetNoResponse(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	h.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	h.send(`{"jsonrpc":"2.0","method":"echo","params":{"text":"quiet"}}`)
	h.send(`{"jsonrpc":"2.0","method":"no/such/method"}`)
	h.send(`{"jsonrpc":"2.0","id":null,"method":"echo","params":{"text":"null id"}}`)

	msg := h.call(9, "ping", nil)
	assert.Nil(t, msg.Error)
	h.expectNone(50 * time.Millisecond)
}

func TestHandlerPanicKeepsServing(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	msg := h.call(1, "tools/call", map[string]any{"name": "boom"})
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeInternalError, msg.Error.Code)
	assert.Contains(t, msg.Error.Message, "kaboom")
	assert.True(t, h.logged("handler panicked"))

	res := toolResult(t, h.call(2, "echo", map[string]any{"text": "still here"}))
	assert.Equal(t, "still here", res.Content[0].Text)
}

func TestShutdownAndReinitialize(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	msg := h.call(1, "shutdown", nil)
	require.Nil(t, msg.Error)
	assert.Equal(t, StateShuttingDown, h.srv.State())

	msg = h.call(2, "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{"text": "x"}})
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeShuttingDown, msg.Error.Code)

	msg = h.call(3, "tools/list", nil)
	assert.Nil(t, msg.Error)
	msg = h.call(4, "shutdown", nil)
	assert.Nil(t, msg.Error)

	h.initialize()
	res := toolResult(t, h.call(5, "echo", map[string]any{"text": "back"}))
	assert.Equal(t, "back", res.Content[0].Text)
}

func TestExitIsIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	h.send(`{"jsonrpc":"2.0","method":"exit"}`)
	msg := h.call(1, "ping", nil)
	assert.Nil(t, msg.Error)
	assert.Equal(t, StateReady, h.srv.State())
	assert.True(t, h.logged("exit notification ignored; process stays up"))
}

func TestInvalidEnvelopes(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	h.send(`[1,2,3]`)
	msg := h.recv()
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeInvalidRequest, msg.Error.Code)
	assert.Equal(t, "null", IDKey(msg.ID))

	h.send(`{"jsonrpc":"2.0","id":1,"method":`)
	h.send(`{"jsonrpc":"1.0","id":2,"method":"ping"}`)
	msg = h.recv()
	assert.Equal(t, "2", IDKey(msg.ID), "malformed line is skipped without a response")
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeInvalidRequest, msg.Error.Code)

	h.send(`{"jsonrpc":"2.0","id":3}`)
	msg = h.recv()
	assert.Equal(t, "3", IDKey(msg.ID))
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeInvalidRequest, msg.Error.Code)

	msg = h.call(4, "ping", nil)
	assert.Nil(t, msg.Error)
}

func TestDuplicateInFlightID(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()

	h.request(7, "block", nil)
	require.Eventually(t, func() bool { return h.srv.Pending().Len() == 1 }, waitFor, 5*time.Millisecond)

	msg := h.call(7, "block", nil)
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeInvalidRequest, msg.Error.Code)
	assert.Contains(t, msg.Error.Message, "duplicate request id")

	close(h.release)
	res := toolResult(t, h.recv())
	assert.Equal(t, "released", res.Content[0].Text)
	h.expectNone(50 * time.Millisecond)
}

func TestContentLengthFramingIsMirrored(t *testing.T) {
	h := newHarness(t, Options{})

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`
	_, err := fmt.Fprintf(h.in, "Content-Length: %d\r\n\r\n%s", len(body), body)
	require.NoError(t, err)

	f := h.next()
	assert.Equal(t, FramingHeader, f.framing)
	assert.Equal(t, "1", IDKey(f.msg.ID))
	assert.Nil(t, f.msg.Error)

	h.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	f = h.next()
	assert.Equal(t, FramingLine, f.framing)
}

func TestTerminateRejectsEverything(t *testing.T) {
	h := newHarness(t, Options{})
	h.initialize()
	h.srv.Terminate()

	for i, method := range []string{"ping", "initialize", "tools/list"} {
		msg := h.call(i, method, nil)
		require.NotNil(t, msg.Error)
		assert.Equal(t, CodeInvalidRequest, msg.Error.Code)
	}
}

func TestServeReturnsNilOnEndOfInput(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	srv := NewServer(Options{Logger: logrus.NewEntry(logger)})
	var out bytes.Buffer
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	require.NoError(t, srv.Serve(in, &out))
	srv.Wait()
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, out.String())
}

type fakeUpstream struct {
	available atomic.Bool
	ensured   atomic.Int32
	forwarded chan []byte
	failWith  error
	tools     []Descriptor
	// gate, when set, holds Ensure until it is closed.
	gate chan struct{}

	mu   sync.Mutex
	sink UpstreamSink
}

func newFakeUpstream() *fakeUpstream {
	u := &fakeUpstream{
		forwarded: make(chan []byte, 64),
		tools: []Descriptor{
			{Name: "echo", InputSchema: map[string]any{"type": "object"}},
			{Name: "remote.only", InputSchema: map[string]any{"type": "object"}},
		},
	}
	u.available.Store(true)
	return u
}

func (u *fakeUpstream) Available() bool     { return u.available.Load() }
func (u *fakeUpstream) Tools() []Descriptor { return u.tools }

func (u *fakeUpstream) Ensure(ctx context.Context) {
	u.ensured.Add(1)
	if u.gate == nil {
		return
	}
	select {
	case <-u.gate:
	case <-ctx.Done():
	}
}

func (u *fakeUpstream) Forward(line []byte) error {
	if u.failWith != nil {
		return u.failWith
	}
	if !u.available.Load() {
		return errors.New("subordinate gone")
	}
	u.forwarded <- append([]byte(nil), line...)
	return nil
}

func (u *fakeUpstream) Attach(sink UpstreamSink) {
	u.mu.Lock()
	u.sink = sink
	u.mu.Unlock()
}

func (u *fakeUpstream) lost(reason string) {
	u.available.Store(false)
	u.mu.Lock()
	sink := u.sink
	u.mu.Unlock()
	sink.UpstreamLost(reason)
}

func (u *fakeUpstream) reply(raw string) {
	u.mu.Lock()
	sink := u.sink
	u.mu.Unlock()
	sink.HandleUpstream([]byte(raw))
}

func (u *fakeUpstream) nextForwarded(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-u.forwarded:
		return b
	case <-time.After(waitFor):
		t.Fatal("nothing forwarded")
	}
	return nil
}

func TestInitializeWaitsForSubordinateOffTheReadLoop(t *testing.T) {
	up := newFakeUpstream()
	up.gate = make(chan struct{})
	h := newHarness(t, Options{Upstream: up, Degraded: true})

	h.request("init", "initialize", map[string]any{"protocolVersion": ProtocolVersion})
	msg := h.call(1, "ping", nil)
	assert.Nil(t, msg.Error)
	assert.Eventually(t, func() bool { return up.ensured.Load() == 1 }, waitFor, 5*time.Millisecond)
	h.expectNone(50 * time.Millisecond)

	close(up.gate)
	msg = h.recv()
	assert.Equal(t, `"init"`, IDKey(msg.ID))
	require.Nil(t, msg.Error)
	var res initializeResult
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	assert.Equal(t, "delegated", res.Meta["mode"])
}

func TestNotificationVersionIsChecked(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, Options{Upstream: up, Degraded: true})
	h.initialize()

	h.send(`{"jsonrpc":"1.0","method":"notifications/progress","params":{"n":1}}`)
	h.send(`{"method":"notifications/progress","params":{"n":2}}`)
	h.send(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"n":3}}`)

	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{"n":3}}`, string(up.nextForwarded(t)))
	assert.Nil(t, h.call(1, "ping", nil).Error)
	assert.Empty(t, up.forwarded)
	h.expectNone(50 * time.Millisecond)
	assert.True(t, h.logged("dropping notification with unsupported JSON-RPC version"))
}

func TestDelegatedForwardsVerbatimAndRelays(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, Options{Upstream: up, Degraded: true})

	msg := h.initialize()
	assert.Equal(t, int32(1), up.ensured.Load())
	var res initializeResult
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	assert.Equal(t, "delegated", res.Meta["mode"])
	require.Len(t, res.Tools, 2)
	assert.Equal(t, "remote.only", res.Tools[1].Name)

	line := `{"jsonrpc":"2.0","id":11,"method":"tools/call","params":{"name":"remote.only","arguments":{"k":[1, 2]}}}`
	h.send(line)
	assert.Equal(t, line, string(bytes.TrimSpace(up.nextForwarded(t))))

	up.reply(`{"jsonrpc":"2.0","id":11,"result":{"content":[{"type":"text","text":"remote"}]}}`)
	res2 := toolResult(t, h.recv())
	assert.Equal(t, "remote", res2.Content[0].Text)

	// A second answer for the same id is dropped.
	up.reply(`{"jsonrpc":"2.0","id":11,"result":{}}`)
	h.expectNone(50 * time.Millisecond)
	assert.True(t, h.logged("dropping subordinate response with no pending request"))

	// Subordinate-initiated traffic passes through, and so do the host's answers.
	up.reply(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	assert.Equal(t, "notifications/tools/list_changed", h.recv().Method)
	h.send(`{"jsonrpc":"2.0","id":"sub-1","result":{}}`)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"sub-1","result":{}}`, string(up.nextForwarded(t)))

	h.send(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":11}}`)
	assert.Contains(t, string(up.nextForwarded(t)), "notifications/cancelled")
}

func TestForwardTimeout(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, Options{Upstream: up, Degraded: true, ForwardTimeout: 50 * time.Millisecond})
	h.initialize()

	h.request(12, "remote.only", map[string]any{})
	up.nextForwarded(t)
	msg := h.recv()
	assert.Equal(t, "12", IDKey(msg.ID))
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeSubordinateTimeout, msg.Error.Code)

	up.reply(`{"jsonrpc":"2.0","id":12,"result":{}}`)
	h.expectNone(50 * time.Millisecond)
}

func TestUpstreamLostAnswersInFlightAndFallsBack(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, Options{Upstream: up, Degraded: true})
	h.initialize()

	h.request(21, "remote.only", nil)
	h.request("twenty-two", "tools/call", map[string]any{"name": "remote.only"})
	up.nextForwarded(t)
	up.nextForwarded(t)

	up.lost("exit status 1")
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg := h.recv()
		seen[IDKey(msg.ID)] = true
		assert.Equal(t, CodeSubordinateTimeout, msg.Error.Code)
		data := errorData(t, msg)
		assert.Equal(t, "exit status 1", data["reason"])
		assert.Equal(t, true, data["degraded"])
	}
	assert.Equal(t, map[string]bool{"21": true, `"twenty-two"`: true}, seen)
	assert.Equal(t, ModeFallback, h.srv.Mode())

	msg := h.call(23, "tools/call", map[string]any{"name": "remote.only"})
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeMethodNotFound, msg.Error.Code)
	data := errorData(t, msg)
	assert.Equal(t, true, data["degraded"])
	assert.Equal(t, "fallback", data["mode"])

	res := toolResult(t, h.call(24, "echo", map[string]any{"text": "local"}))
	assert.Equal(t, "local", res.Content[0].Text)

	msg = h.call(25, "tools/list", nil)
	var list struct {
		Tools []Descriptor   `json:"tools"`
		Meta  map[string]any `json:"_meta"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &list))
	assert.Len(t, list.Tools, 4)
	assert.Equal(t, true, list.Meta["degraded"])
}

func TestForwardFailureServesLocally(t *testing.T) {
	up := newFakeUpstream()
	up.failWith = errors.New("broken pipe")
	h := newHarness(t, Options{Upstream: up, Degraded: true})
	h.initialize()

	res := toolResult(t, h.call(31, "echo", map[string]any{"text": "fallback"}))
	assert.Equal(t, "fallback", res.Content[0].Text)
	assert.True(t, h.logged("forward failed; serving locally"))
	assert.Zero(t, h.srv.Pending().Len())
}
