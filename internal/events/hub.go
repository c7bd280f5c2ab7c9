// Package events carries job lifecycle notifications from the watcher
// and the approval gate to in-process consumers: the SSE stream and the
// monitor TUI.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/groundwork/internal/store"
)

// Event types published over the hub.
const (
	TypeJobSubmitted = "job.submitted"
	TypeJobApproved  = "job.approved"
	TypeJobHeld      = "job.held"
	TypeJobReleased  = "job.released"
	TypeJobRejected  = "job.rejected"
	TypeJobClaimed   = "job.claimed"
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
)

// Change describes the transition carried by an event.
type Change struct {
	From   store.Status `json:"from,omitempty"`
	To     store.Status `json:"to"`
	Actor  string       `json:"actor,omitempty"`
	Detail string       `json:"detail,omitempty"`
}

// Event is one job lifecycle notification.
type Event struct {
	ID     int64     `json:"id"`
	Type   string    `json:"type"`
	JobID  string    `json:"job_id"`
	At     time.Time `json:"at"`
	Change Change    `json:"change"`
}

// Hub is an in-memory pub/sub with a small ring buffer so late clients
// (SSE reconnects, a freshly attached monitor) can replay recent events.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

// NewHub creates a hub retaining the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish fans an event out to subscribers and records it in the ring.
func (h *Hub) Publish(eventType, jobID string, change Change) Event {
	ev := Event{
		ID:     h.nextID.Add(1),
		Type:   eventType,
		JobID:  jobID,
		At:     time.Now().UTC(),
		Change: change,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()

	return ev
}

// Subscribe registers a consumer. The returned cancel must be called to
// release the subscription; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// A lastID of 0 returns the full buffer.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

// TypeFor maps a lifecycle edge to its event type. The source state
// disambiguates arrivals at pending: a direct approval and a release of
// a held job land there through different edges.
func TypeFor(from, to store.Status) string {
	switch to {
	case store.StatusPending:
		switch from {
		case store.StatusAwaitingApproval:
			return TypeJobApproved
		case store.StatusApproved:
			return TypeJobReleased
		}
		return TypeJobSubmitted
	case store.StatusApproved:
		return TypeJobHeld
	case store.StatusRejected:
		return TypeJobRejected
	case store.StatusProcessing:
		return TypeJobClaimed
	case store.StatusCompleted:
		return TypeJobCompleted
	case store.StatusFailed:
		return TypeJobFailed
	}
	return TypeJobSubmitted
}
