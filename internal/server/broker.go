package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/shiai-ai/shiai/internal/workorder"
)

// sseEventType is the SSE event name for work-order lifecycle events.
const sseEventType = "work_order"

// Broker fans out work-order lifecycle events to SSE subscribers. The
// work-order manager publishes into it in-process; each subscriber gets a
// buffered channel of pre-formatted SSE frames.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

var _ workorder.Publisher = (*Broker)(nil)

// NewBroker creates an SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Publish broadcasts one lifecycle event to all subscribers. Never blocks:
// the manager calls this on the job's hot path.
func (b *Broker) Publish(ev workorder.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("broker: marshal event", "error", err)
		return
	}
	b.broadcast(formatSSE(sseEventType, string(payload)))
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast path.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. Slow subscribers that have
// a full buffer are skipped (their event is dropped) to prevent one slow
// client from blocking all others.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full — drop this event for them.
		}
	}
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
