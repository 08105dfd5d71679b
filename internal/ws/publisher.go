package ws

import (
	"go_orchestrator/internal/model"
)

// Broadcaster is the subset of the Socket.IO server used for fan-out
type Broadcaster interface {
	BroadcastToRoom(namespace, room, event string, args ...interface{}) bool
}

// Publisher implements the engine's event publisher on top of a Broadcaster
type Publisher struct {
	b Broadcaster
}

// NewPublisher creates a Publisher
func NewPublisher(b Broadcaster) *Publisher {
	return &Publisher{b: b}
}

// Publisher returns a Publisher bound to the hub's server
func (h *Hub) Publisher() *Publisher {
	return NewPublisher(h.server)
}

// PublishTaskEvent sends ev to every client following the task. Delivery is
// best effort; the event log stays the source of truth.
func (p *Publisher) PublishTaskEvent(ev *model.TaskStatusEvent) {
	if p == nil || p.b == nil || ev == nil {
		return
	}
	p.b.BroadcastToRoom("/", taskRoom(ev.TaskID), EventTaskStatus, ev)
}
