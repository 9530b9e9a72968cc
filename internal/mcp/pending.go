package mcp

import (
	"encoding/json"
	"sync"
	"time"
)

// Channel records where a pending request was sent.
type Channel int

const (
	ChannelDirect Channel = iota
	ChannelForwarded
)

func (c Channel) String() string {
	if c == ChannelForwarded {
		return "forwarded"
	}
	return "direct"
}

// Pending is an in-flight request awaiting its response.
type Pending struct {
	ID        json.RawMessage
	Method    string
	Channel   Channel
	Submitted time.Time
	// Out is the session writer the response belongs to.
	Out *Writer

	timer *time.Timer
}

// PendingTable is the only mutable state shared across concurrent dispatches.
// Insert and Resolve are atomic, and an entry resolves at most once, which is
// what guarantees a single response per id.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*Pending
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: map[string]*Pending{}}
}

// Insert registers an in-flight request. It returns false if the id is already
// in flight. A positive timeout arms a timer that resolves the entry and calls
// onTimeout with it.
func (t *PendingTable) Insert(p *Pending, timeout time.Duration, onTimeout func(*Pending)) bool {
	key := IDKey(p.ID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[key]; exists {
		return false
	}
	if p.Submitted.IsZero() {
		p.Submitted = time.Now()
	}
	t.entries[key] = p
	if timeout > 0 && onTimeout != nil {
		p.timer = time.AfterFunc(timeout, func() {
			if t.remove(key, p) {
				onTimeout(p)
			}
		})
	}
	return true
}

// Resolve removes the entry for id if it was sent on ch.
func (t *PendingTable) Resolve(id json.RawMessage, ch Channel) (*Pending, bool) {
	key := IDKey(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[key]
	if !ok || p.Channel != ch {
		return nil, false
	}
	delete(t.entries, key)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}

// Drain removes and returns every entry on ch.
func (t *PendingTable) Drain(ch Channel) []*Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Pending
	for key, p := range t.entries {
		if p.Channel != ch {
			continue
		}
		delete(t.entries, key)
		if p.timer != nil {
			p.timer.Stop()
		}
		out = append(out, p)
	}
	return out
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// remove deletes key only if it still maps to p, so a stale timer never
// resolves a later request that reused the id.
func (t *PendingTable) remove(key string, p *Pending) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[key] != p {
		return false
	}
	delete(t.entries, key)
	return true
}
