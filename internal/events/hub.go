package events

import (
	"encoding/json"
	"sync"
	"time"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`

	// Owner is the principal the event concerns. Events without an owner
	// (auth failures, system notices) are only shown to admins.
	Owner string `json:"owner,omitempty"`
}

// VisibleTo reports whether a subscriber may see the event.
func (e Event) VisibleTo(owner string, admin bool) bool {
	if admin {
		return true
	}
	return e.Owner != "" && e.Owner == owner
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	mu     sync.Mutex
	lastID int64
	ring   []Event
	start  int
	size   int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish assigns the next id under the lock, so subscribers receive ids in
// increasing order.
func (h *Hub) Publish(eventType, owner string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	h.lastID++
	ev := Event{
		ID:    h.lastID,
		Type:  eventType,
		At:    time.Now().UTC(),
		Data:  payload,
		Owner: owner,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

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

// SnapshotSince returns buffered events with ID > lastID that the given
// subscriber may see, oldest-first. If lastID is 0, or is an id this hub has
// not issued yet (a client resuming across a restart), the whole ring is
// considered.
func (h *Hub) SnapshotSince(lastID int64, owner string, admin bool) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if lastID > h.lastID {
		lastID = 0
	}

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if (lastID == 0 || ev.ID > lastID) && ev.VisibleTo(owner, admin) {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers is the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
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
