package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the orchestrator.
const (
	PlanCreated         = "plan.created"
	PlanApproved        = "plan.approved"
	PlanDenied          = "plan.denied"
	PlanQueued          = "plan.queued"
	PlanStarted         = "plan.started"
	PlanPendingApproval = "plan.pending_approval"
	PlanCompleted       = "plan.completed"
	PlanFailed          = "plan.failed"
	PlanCancelled       = "plan.cancelled"
	PlanEscalated       = "plan.pending_human"
	StepStarted         = "step.started"
	StepFinished        = "step.finished"
	StepCompensated     = "step.compensated"
	WorkerSpawned       = "worker.spawned"
	WorkerProgress      = "worker.progress"
	WorkerQuestion      = "worker.question"
	WorkerAnswered      = "worker.answered"
	WorkerTerminated    = "worker.terminated"
	EvaluationRecorded  = "evaluation.recorded"
	ProposalCreated     = "proposal.created"
	AutonomyChanged     = "autonomy.changed"
	ConfigReloaded      = "config.reloaded"
	DispatchPaused      = "dispatch.paused"
	DispatchResumed     = "dispatch.resumed"
)

// Publisher is what producers depend on; *Hub implements it.
type Publisher interface {
	Publish(eventType string, data any)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(string, any) {}

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

type subscriber struct {
	ch     chan Event
	prefix string
}

var _ Publisher = (*Hub)(nil)

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if sub.prefix != "" && !strings.HasPrefix(ev.Type, sub.prefix) {
			continue
		}
		// Don't let slow clients block producers.
		select {
		case sub.ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe receives every event.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	return h.SubscribePrefix("")
}

// SubscribePrefix receives events whose type starts with prefix, e.g. "plan.".
func (h *Hub) SubscribePrefix(prefix string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = subscriber{ch: ch, prefix: prefix}

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
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
