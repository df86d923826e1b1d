package realtime

import (
	"log/slog"
	"sync"

	v1 "kindred/shared/contracts/realtime/v1"
)

// Room is the in-memory membership + broadcast fanout primitive for one chat.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log    *slog.Logger
	ChatID string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room for one chat.
func NewRoom(log *slog.Logger, chatID string) *Room {
	return &Room{
		log:     log,
		ChatID:  chatID,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID() == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID()] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "chat_id", r.ChatID, "session_id", client.SessionID())
}

// Leave removes a client from membership. Unlike a full client shutdown,
// leaving one room must not stop the session's goroutines.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if ok {
		r.log.Info("room.member.leave", "chat_id", r.ChatID, "session_id", sessionID)
	}
}

// Has reports whether a session is a member.
func (r *Room) Has(sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID]
	return ok
}

// Broadcast fanouts an envelope to all members except exceptSessionID.
// Non-blocking: if a member queue is full or the client is shutting down,
// the envelope is dropped for that member.
func (r *Room) Broadcast(env v1.Envelope, exceptSessionID string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if m == nil || id == exceptSessionID {
			continue
		}
		m.Enqueue(env)
	}
}
