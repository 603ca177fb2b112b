package marcus

import (
	"sync"
	"time"

	"github.com/marcushq/marcus/marcus/structs"
)

// eventBufferSize bounds the in-memory event history.
const eventBufferSize = 512

// EventBuffer is a fixed-size ring of recent coordination events. It backs
// get_project_status; durable history lives on the board as comments.
type EventBuffer struct {
	mu     sync.Mutex
	events []*structs.Event
	next   int
	filled bool
}

// NewEventBuffer returns an empty ring.
func NewEventBuffer() *EventBuffer {
	return &EventBuffer{
		events: make([]*structs.Event, eventBufferSize),
	}
}

// Publish appends an event, evicting the oldest once the ring is full.
func (b *EventBuffer) Publish(event *structs.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[b.next] = event
	b.next++
	if b.next == len(b.events) {
		b.next = 0
		b.filled = true
	}
}

// Recent returns up to limit events for the project, newest first.
func (b *EventBuffer) Recent(projectID string, limit int) []*structs.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.next
	if b.filled {
		size = len(b.events)
	}

	var out []*structs.Event
	for i := 1; i <= size && len(out) < limit; i++ {
		idx := (b.next - i + len(b.events)) % len(b.events)
		event := b.events[idx]
		if event != nil && event.ProjectID == projectID {
			out = append(out, event)
		}
	}
	return out
}
