package mcp

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the connection phase.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Lifecycle owns the connection state. Transitions are the only writers.
//
//	Uninitialized --initialize--> Ready --shutdown--> ShuttingDown
//	ShuttingDown --initialize--> Ready
//	any --Terminate--> Terminated
//
// A second initialize while Ready re-acknowledges without changing state.
type Lifecycle struct {
	mu      sync.Mutex
	state   State
	onReady []func()
	log     *logrus.Entry
}

func NewLifecycle(log *logrus.Entry) *Lifecycle {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Lifecycle{log: log}
}

// OnReady registers fn to run on every transition into Ready.
func (l *Lifecycle) OnReady(fn func()) {
	l.mu.Lock()
	l.onReady = append(l.onReady, fn)
	l.mu.Unlock()
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Admit gates a method against the current state. A nil return means the
// method may be dispatched.
func (l *Lifecycle) Admit(method string) *Error {
	state := l.State()
	if state == StateTerminated {
		return Errorf(CodeInvalidRequest, "server terminated")
	}
	switch method {
	case "initialize", "ping":
		return nil
	}
	switch state {
	case StateUninitialized:
		return Errorf(CodeNotInitialized, "server not initialized (call initialize first)")
	case StateShuttingDown:
		switch method {
		case "shutdown", "tools/list", "notifications/initialized", "exit":
			return nil
		}
		return Errorf(CodeShuttingDown, "server is shutting down; %s rejected", method)
	}
	return nil
}

// Initialize moves the connection to Ready and returns the previous state.
func (l *Lifecycle) Initialize() (State, *Error) {
	l.mu.Lock()
	prev := l.state
	if prev == StateTerminated {
		l.mu.Unlock()
		return prev, Errorf(CodeInvalidRequest, "server terminated")
	}
	l.state = StateReady
	hooks := append([]func(){}, l.onReady...)
	l.mu.Unlock()

	if prev != StateReady {
		for _, fn := range hooks {
			fn()
		}
		l.transition(prev, StateReady)
	}
	return prev, nil
}

// Shutdown stops new tool invocations. The process keeps running.
func (l *Lifecycle) Shutdown() *Error {
	l.mu.Lock()
	prev := l.state
	switch prev {
	case StateUninitialized:
		l.mu.Unlock()
		return Errorf(CodeNotInitialized, "server not initialized (call initialize first)")
	case StateTerminated:
		l.mu.Unlock()
		return Errorf(CodeInvalidRequest, "server terminated")
	}
	l.state = StateShuttingDown
	l.mu.Unlock()
	if prev != StateShuttingDown {
		l.transition(prev, StateShuttingDown)
	}
	return nil
}

// Terminate is the operator-initiated final state.
func (l *Lifecycle) Terminate() {
	l.mu.Lock()
	prev := l.state
	l.state = StateTerminated
	l.mu.Unlock()
	if prev != StateTerminated {
		l.transition(prev, StateTerminated)
	}
}

func (l *Lifecycle) transition(from, to State) {
	l.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("connection state changed")
}
