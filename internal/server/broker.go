package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
)

// Broker fans out pool and poller events to SSE subscribers.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Publish formats an event as SSE and broadcasts it. It never blocks, so it
// is safe to call from the pool's and poller's hot paths.
func (b *Broker) Publish(e model.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("broker: marshal event", "type", e.Type, "error", err)
		return
	}
	b.broadcast(formatSSE(string(e.Type), string(payload)))
}

// Publisher adapts the broker to the model.Publisher callback shape.
func (b *Broker) Publisher() model.Publisher {
	return b.Publish
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
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
			// Subscriber buffer full, drop this event for them.
		}
	}
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
