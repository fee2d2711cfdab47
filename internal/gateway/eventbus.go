package gateway

import (
	"sync"

	"github.com/dohr-michael/ozzie-gateway/internal/runnerevents"
)

// Notice is one observability-surface record broadcast to connected admin
// clients: a turn's runnerevents.Event plus the routing key (channel/topic
// or folder name) it belongs to, since runnerevents.Event on its own
// carries no addressing information (spec §4.7 keys turns by channel+topic,
// not by a session the event itself knows about).
type Notice struct {
	Key   string             `json:"key"`
	Event runnerevents.Event `json:"event"`
}

// subscriber is a registered Notice handler.
type subscriber struct {
	id      int
	handler func(Notice)
}

// Bus is an in-memory fan-out of turn Notices to admin/observability
// consumers (the websocket hub's connected clients), plus a fixed-size
// history ring for the HTTP events endpoint. Adapts the channel-dispatch
// plus ring-buffer pattern of the teacher's internal/events.Bus to this
// spec's runnerevents.Event domain as a separate small type.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int

	historyMu sync.Mutex
	history   []Notice
	capacity  int
}

// NewBus creates a Bus retaining up to capacity Notices of history.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		capacity:    capacity,
	}
}

// Publish records n in history and fans it out to every subscriber. Each
// handler runs in its own goroutine so a slow or blocked subscriber never
// stalls the publisher (driver turn loop).
func (b *Bus) Publish(n Notice) {
	b.historyMu.Lock()
	b.history = append(b.history, n)
	if len(b.history) > b.capacity {
		b.history = b.history[len(b.history)-b.capacity:]
	}
	b.historyMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		go sub.handler(n)
	}
}

// Subscribe registers handler for every future Notice, returning an
// unsubscribe function.
func (b *Bus) Subscribe(handler func(Notice)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subscribers[id] = &subscriber{id: id, handler: handler}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// History returns up to limit of the most recent Notices, oldest first.
func (b *Bus) History(limit int) []Notice {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	start := len(b.history) - limit
	out := make([]Notice, limit)
	copy(out, b.history[start:])
	return out
}
