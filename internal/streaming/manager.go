// Package streaming is the live delivery path for workflow events: in-memory
// pub/sub with a per-workflow ring buffer so a briefly disconnected client
// can resume via Last-Event-ID before falling back to the durable event log.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event mirrors eventlog entries for live subscribers.
type Event struct {
	WorkflowID string          `json:"workflow_id"`
	Type       string          `json:"type"`
	Stage      string          `json:"stage,omitempty"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Seq        uint64          `json:"seq"`
}

// Marshal returns the JSON form used on the SSE/WebSocket wire.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager fans events out to subscribers per workflow ID.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

func NewManager(ringCapacity int) *Manager {
	if ringCapacity <= 0 {
		ringCapacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    ringCapacity,
	}
}

// Subscribe registers a buffered channel for workflowID. The caller must
// drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(workflowID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[workflowID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[workflowID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(workflowID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[workflowID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, workflowID)
		}
	}
}

// Publish records evt in the replay ring and delivers it to all current
// subscribers without blocking; slow subscribers drop events and rely on
// replay.
func (m *Manager) Publish(evt Event) {
	m.mu.Lock()
	rg := m.history[evt.WorkflowID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.WorkflowID] = rg
	}
	rg.push(evt)
	subs := m.subscribers[evt.WorkflowID]
	targets := make([]chan Event, 0, len(subs))
	for ch := range subs {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ReplaySince returns buffered events with Seq > since, best-effort within
// ring capacity.
func (m *Manager) ReplaySince(workflowID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[workflowID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops replay history for a finished workflow.
func (m *Manager) Forget(workflowID string) {
	m.mu.Lock()
	delete(m.history, workflowID)
	m.mu.Unlock()
}

type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
