package httpapi

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pendant/internal/clips"
)

const defaultSubscriberBuffer = 64

// Event types pushed to /live subscribers.
const (
	EventTranscript = "transcript"
	EventClip       = "clip"
	EventDevice     = "device"
	EventRecording  = "recording"
	EventError      = "error"
)

// Event is one message on the live feed.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`

	// Transcript events.
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// Clip events carry the stored clip, including transcription updates.
	Clip *clips.Clip `json:"clip,omitempty"`

	// Device and recording events.
	Connected bool   `json:"connected,omitempty"`
	Status    string `json:"status,omitempty"`

	// Error events.
	Error string `json:"error,omitempty"`
}

// Hub fans events out to any number of subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	buffer int

	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

// NewHub creates a [Hub] whose subscribers buffer up to buffer events (64 if
// zero).
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[chan Event]struct{})}
}

// Publish delivers ev to every subscriber. A zero Time is set to now.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("live subscriber lagging, event dropped", "type", ev.Type)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel function unregisters
// it and closes the channel; it is safe to call more than once. After
// [Hub.Close] the channel is returned already closed.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel and rejects new subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
