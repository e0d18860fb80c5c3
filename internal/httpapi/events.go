package httpapi

import (
	"sync"

	"github.com/agentworkforce/offlinecache/internal/offlinecache"
)

// EventHub fans agent events out to websocket subscribers. Slow subscribers
// drop events rather than block the agent.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan offlinecache.Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: map[chan offlinecache.Event]struct{}{}}
}

func (h *EventHub) Emit(event offlinecache.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *EventHub) subscribe() (chan offlinecache.Event, func()) {
	ch := make(chan offlinecache.Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}
