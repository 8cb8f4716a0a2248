package gateway

import "sync"

// Bus fans out unsolicited events (e.g. a cron job firing) to every
// connected client, the same Subscribe/Unsubscribe/Broadcast shape as
// the teacher's internal/bus.EventPublisher.
type Bus struct {
	mu       sync.Mutex
	handlers map[string]func(event string, runID string, data any)
}

func NewBus() *Bus {
	return &Bus{handlers: map[string]func(event string, runID string, data any){}}
}

func (b *Bus) Subscribe(id string, handler func(event string, runID string, data any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

func (b *Bus) Broadcast(event, runID string, data any) {
	b.mu.Lock()
	handlers := make([]func(string, string, any), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(event, runID, data)
	}
}
