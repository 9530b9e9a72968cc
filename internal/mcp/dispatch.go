package mcp

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    Capabilities   `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Tools           []Descriptor   `json:"tools"`
	Meta            map[string]any `json:"_meta,omitempty"`
}

func (s *Server) handle(out *Writer, raw []byte) {
	msg, err := ParseMessage(raw)
	if err != nil {
		s.log.WithError(err).Warn("rejecting malformed message")
		s.write(out, NewErrorResponse(nil, Errorf(CodeInvalidRequest, "invalid request: %v", err)))
		return
	}

	switch {
	case msg.IsRequest():
		if msg.JSONRPC != Version {
			s.write(out, NewErrorResponse(msg.ID, Errorf(CodeInvalidRequest, "unsupported JSON-RPC version %q", msg.JSONRPC)))
			return
		}
		s.request(out, msg, raw)
	case msg.IsNotification():
		if msg.JSONRPC != Version {
			s.log.WithFields(logrus.Fields{"method": msg.Method, "jsonrpc": msg.JSONRPC}).Warn("dropping notification with unsupported JSON-RPC version")
			return
		}
		s.notification(msg, raw)
	case msg.IsResponse():
		s.hostResponse(msg, raw)
	default:
		s.write(out, NewErrorResponse(msg.ID, Errorf(CodeInvalidRequest, "invalid request: missing method")))
	}
}

func (s *Server) request(out *Writer, msg *Message, raw []byte) {
	if perr := s.lifecycle.Admit(msg.Method); perr != nil {
		s.log.WithFields(logrus.Fields{"method": msg.Method, "code": perr.Code}).Debug("request rejected")
		s.write(out, NewErrorResponse(msg.ID, perr))
		return
	}

	switch msg.Method {
	case "initialize":
		s.initialize(out, msg)
		return
	case "shutdown":
		s.shutdown(out, msg)
		return
	case "ping":
		s.reply(out, msg.ID, map[string]any{}, nil)
		return
	}

	if s.upstream != nil && s.upstream.Available() && s.forward(out, msg, raw) {
		return
	}
	s.dispatch(out, msg)
}

// initialize moves the lifecycle to Ready on the read loop. Waiting for the
// subordinate to settle happens off the loop so other requests keep flowing.
func (s *Server) initialize(out *Writer, msg *Message) {
	prev, perr := s.lifecycle.Initialize()
	if perr != nil {
		s.write(out, NewErrorResponse(msg.ID, perr))
		return
	}
	if s.upstream == nil {
		s.greet(out, msg, prev)
		return
	}
	s.inflight.Add(1)
	s.goFn("initialize", func() {
		defer s.inflight.Done()
		s.upstream.Ensure(s.ctx)
		s.greet(out, msg, prev)
	})
}

func (s *Server) greet(out *Writer, msg *Message, prev State) {

	var params initializeParams
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &params)
	}
	version := params.ProtocolVersion
	if version == "" {
		version = ProtocolVersion
	}
	mode := s.Mode()
	s.log.WithFields(logrus.Fields{
		"previous": prev.String(),
		"mode":     string(mode),
		"client":   params.ClientInfo.Name,
	}).Info("initialize")

	s.reply(out, msg.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities:    Capabilities{Tools: &ToolCapability{}},
		ServerInfo:      s.info,
		Tools:           s.tools(mode),
		Meta:            map[string]any{"mode": string(mode)},
	}, nil)
}

func (s *Server) shutdown(out *Writer, msg *Message) {
	if perr := s.lifecycle.Shutdown(); perr != nil {
		s.write(out, NewErrorResponse(msg.ID, perr))
		return
	}
	s.log.WithField("pending", s.pending.Len()).Info("shutdown acknowledged; process stays up")
	s.reply(out, msg.ID, map[string]any{}, nil)
}

func (s *Server) tools(mode Mode) []Descriptor {
	if mode == ModeDelegated {
		if tools := s.upstream.Tools(); len(tools) > 0 {
			return tools
		}
	}
	return s.registry.List()
}

// forward sends a request to the subordinate. It returns false when the
// request should be served locally instead.
func (s *Server) forward(out *Writer, msg *Message, raw []byte) bool {
	p := &Pending{ID: msg.ID, Method: msg.Method, Channel: ChannelForwarded, Out: out}
	if !s.pending.Insert(p, s.forwardTimeout, s.forwardTimedOut) {
		s.write(out, NewErrorResponse(msg.ID, Errorf(CodeInvalidRequest, "duplicate request id %s", IDKey(msg.ID))))
		return true
	}
	if err := s.upstream.Forward(raw); err != nil {
		if _, ok := s.pending.Resolve(msg.ID, ChannelForwarded); !ok {
			// already answered by the exit path
			return true
		}
		s.log.WithError(err).WithField("method", msg.Method).Warn("forward failed; serving locally")
		return false
	}
	return true
}

func (s *Server) forwardTimedOut(p *Pending) {
	s.log.WithFields(logrus.Fields{"id": IDKey(p.ID), "method": p.Method}).Warn("forwarded request timed out")
	perr := Errorf(CodeSubordinateTimeout, "subordinate did not answer %s within %s", p.Method, s.forwardTimeout)
	s.write(p.Out, NewErrorResponse(p.ID, perr))
}

func (s *Server) dispatch(out *Writer, msg *Message) {
	p := &Pending{ID: msg.ID, Method: msg.Method, Channel: ChannelDirect, Out: out}
	if !s.pending.Insert(p, 0, nil) {
		s.write(out, NewErrorResponse(msg.ID, Errorf(CodeInvalidRequest, "duplicate request id %s", IDKey(msg.ID))))
		return
	}
	s.inflight.Add(1)
	s.goFn("dispatch "+msg.Method, func() {
		defer s.inflight.Done()
		result, perr := s.invoke(msg)
		if _, ok := s.pending.Resolve(msg.ID, ChannelDirect); !ok {
			return
		}
		s.reply(out, msg.ID, result, perr)
	})
}

// invoke runs a local method. Panics become InternalError responses.
func (s *Server) invoke(msg *Message) (result any, perr *Error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"method": msg.Method, "panic": r}).Error("handler panicked")
			result, perr = nil, Errorf(CodeInternalError, "internal error: %v", r)
		}
	}()

	switch msg.Method {
	case "tools/list":
		res := map[string]any{"tools": s.registry.List()}
		if s.degraded {
			res["_meta"] = map[string]any{"mode": string(s.Mode()), "degraded": true}
		}
		return res, nil
	case "tools/call":
		var in toolCallParams
		if perr := decodeParams(msg.Params, &in); perr != nil {
			return nil, perr
		}
		if in.Name == "" {
			return nil, Errorf(CodeInvalidParams, "tool name required")
		}
		return s.callTool(in.Name, in.Arguments)
	default:
		return s.callTool(msg.Method, msg.Params)
	}
}

func (s *Server) callTool(name string, args json.RawMessage) (any, *Error) {
	if _, ok := s.registry.Resolve(name); !ok {
		perr := Errorf(CodeMethodNotFound, "method not found: %s", name)
		if s.degraded {
			perr = perr.WithData(map[string]any{"degraded": true, "mode": string(s.Mode())})
		}
		return nil, perr
	}
	v, perr := s.registry.Call(s.ctx, name, args)
	if perr != nil {
		return nil, perr
	}
	return NewToolResult(v), nil
}

func (s *Server) notification(msg *Message, raw []byte) {
	log := s.log.WithField("method", msg.Method)
	if perr := s.lifecycle.Admit(msg.Method); perr != nil {
		log.WithField("reason", perr.Message).Debug("notification dropped")
		return
	}
	switch msg.Method {
	case "notifications/initialized":
		log.Debug("host confirmed initialization")
		return
	case "exit":
		log.Warn("exit notification ignored; process stays up")
		return
	case "initialize", "shutdown", "ping":
		log.Debug("lifecycle method sent without id; ignored")
		return
	}

	if s.upstream != nil && s.upstream.Available() {
		err := s.upstream.Forward(raw)
		if err == nil {
			return
		}
		log.WithError(err).Warn("forwarding notification failed; handling locally")
	}

	s.inflight.Add(1)
	s.goFn("notify "+msg.Method, func() {
		defer s.inflight.Done()
		if _, perr := s.invoke(msg); perr != nil {
			log.WithField("code", perr.Code).Debug("notification handler failed: " + perr.Message)
		}
	})
}

// hostResponse handles a response from the host to a subordinate-initiated request.
func (s *Server) hostResponse(msg *Message, raw []byte) {
	if s.upstream != nil && s.upstream.Available() {
		if err := s.upstream.Forward(raw); err != nil {
			s.log.WithError(err).Warn("failed to forward host response")
		}
		return
	}
	s.log.WithField("id", IDKey(msg.ID)).Debug("dropping host response; nothing to route it to")
}

// HandleUpstream relays one message from the subordinate. Responses are
// matched against the pending table so each id is answered once; anything
// else is passed through unchanged.
func (s *Server) HandleUpstream(raw []byte) {
	id, method, ok := PeekID(raw)
	if !ok {
		s.log.Warn("dropping unparseable subordinate message")
		return
	}
	head := Message{ID: id, Method: method}
	if method == "" && head.HasID() {
		p, ok := s.pending.Resolve(id, ChannelForwarded)
		if !ok {
			s.log.WithField("id", IDKey(id)).Warn("dropping subordinate response with no pending request")
			return
		}
		s.writeRaw(p.Out, raw)
		return
	}
	s.writeRaw(s.currentOut(), raw)
}

// UpstreamLost answers every forwarded request still in flight.
func (s *Server) UpstreamLost(reason string) {
	lost := s.pending.Drain(ChannelForwarded)
	for _, p := range lost {
		perr := Errorf(CodeSubordinateTimeout, "subordinate exited before answering %s", p.Method).
			WithData(map[string]any{"reason": reason, "degraded": true})
		s.write(p.Out, NewErrorResponse(p.ID, perr))
	}
	s.log.WithFields(logrus.Fields{"reason": reason, "unanswered": len(lost)}).Warn("subordinate lost; serving fallback tools from now on")
}
