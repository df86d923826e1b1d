// Package presence tracks which users currently hold a live connection.
// It is the one piece of shared mutable state outside the persistent stores,
// so every operation is atomic under a single mutex.
package presence

import (
	"sync"
	"time"

	v1 "kindred/shared/contracts/realtime/v1"
)

// Session is the live-connection handle the registry routes to.
// Satisfied by realtime.Client.
type Session interface {
	SessionID() string
	// Enqueue offers an envelope to the session's send queue without
	// blocking; false means the queue was full and the envelope dropped.
	Enqueue(env v1.Envelope) bool
}

// Entry is one registered user.
type Entry struct {
	UserID      string
	Session     Session
	ConnectedAt time.Time
}

// Registry maps userID to the user's current Session.
//
// Register replaces any prior session for the user (last writer wins) but
// does not close the old transport. Unregister removes the entry only when
// the stored session is the one being removed, so a stale disconnect racing
// a reconnect cannot clobber the newer registration.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register binds userID to sess, replacing any prior session.
// It reports whether a prior session was replaced.
func (r *Registry) Register(userID string, sess Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.entries[userID]
	r.entries[userID] = Entry{UserID: userID, Session: sess, ConnectedAt: time.Now().UTC()}
	return replaced
}

// Unregister removes userID's entry only if sess is still the stored session.
// It reports whether the entry was removed.
func (r *Registry) Unregister(userID string, sess Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok || e.Session == nil || sess == nil || e.Session.SessionID() != sess.SessionID() {
		return false
	}
	delete(r.entries, userID)
	return true
}

// Lookup returns the user's current session, if any.
func (r *Registry) Lookup(userID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return e.Session, true
}

// Snapshot returns all registered entries, unordered.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Each calls f for every registered entry on a snapshot taken under the
// lock, so f may itself use the registry.
func (r *Registry) Each(f func(Entry)) {
	for _, e := range r.Snapshot() {
		f(e)
	}
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
