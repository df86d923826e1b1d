package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory chat rooms and provides stable room handles.
// It is intentionally minimal: persistence lives behind chat.Store, and
// membership authorization happens in the gateway before Join.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreateRoom returns a stable in-memory room handle for a chat.
func (h *Hub) GetOrCreateRoom(chatID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[chatID]; ok {
		return r
	}

	r := NewRoom(h.log, chatID)
	h.rooms[chatID] = r
	return r
}

// GetRoom returns the room for a chat if one exists.
func (h *Hub) GetRoom(chatID string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[chatID]
	return r, ok
}

// LeaveAll removes the session from every room it joined.
// Called on connection close so a dead session never receives broadcasts.
func (h *Hub) LeaveAll(sessionID string) {
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	for _, r := range rooms {
		r.Leave(sessionID)
	}
}
