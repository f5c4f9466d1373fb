package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/companionlab/companion/internal/transcript"
)

// Hub fans events out to every connected viewer. Slow viewers drop events
// rather than block the broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			slog.Warn("dropping event for slow viewer")
		}
	}
}

func (h *Hub) BroadcastStateChanged(state string, muted bool) {
	h.broadcastEvent(StateChangedEvent{
		Event: newEvent(EventStateChanged, time.Now().UTC()),
		State: state,
		Muted: muted,
	})
}

func (h *Hub) BroadcastUtterance(u transcript.Utterance) {
	h.broadcastEvent(UtteranceEvent{
		Event:   newEvent(EventUtterance, u.ObservedAt),
		Speaker: u.Speaker,
		Label:   u.Speaker.Label(),
		Text:    u.Text,
	})
}

func (h *Hub) BroadcastAlert(message string) {
	h.broadcastEvent(AlertEvent{
		Event:   newEvent(EventAlert, time.Now().UTC()),
		Message: message,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("event marshal failed", "error", err)
		return
	}
	h.Broadcast(payload)
}
