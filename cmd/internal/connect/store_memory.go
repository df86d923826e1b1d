package connect

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"kindred/cmd/identity/ids"
)

// InMemoryLedger is a dev/test Ledger implementation.
// The pair key map enforces the one-request-per-pair invariant under the lock,
// mirroring the unique index the Postgres ledger relies on.
type InMemoryLedger struct {
	users UserDirectory

	mu     sync.Mutex
	byPair map[string]*Request
	byID   map[string]*Request
}

// NewInMemoryLedger constructs an in-memory Ledger.
func NewInMemoryLedger(users UserDirectory) *InMemoryLedger {
	return &InMemoryLedger{
		users:  users,
		byPair: make(map[string]*Request),
		byID:   make(map[string]*Request),
	}
}

// SendRequest creates a request after self/duplicate/unknown-recipient checks.
func (l *InMemoryLedger) SendRequest(ctx context.Context, from, to string, status Status) (Request, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return Request{}, invalidInput("connect.SendRequest", "missing user id")
	}
	if !SendableStatus(status) {
		return Request{}, invalidInput("connect.SendRequest", "status must be interested or ignored")
	}
	if from == to {
		return Request{}, ErrSelfRequest
	}

	if l.users != nil {
		ok, err := l.users.Exists(ctx, to)
		if err != nil {
			return Request{}, err
		}
		if !ok {
			return Request{}, ErrNotFound
		}
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Request{}, err
	}

	key := PairKey(from, to)

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byPair[key]; ok {
		return Request{}, duplicateFor(existing.Status)
	}

	req := &Request{
		ID:         id,
		FromUserID: from,
		ToUserID:   to,
		Status:     status,
		CreatedAt:  now,
	}
	l.byPair[key] = req
	l.byID[id] = req
	return *req, nil
}

// ReviewRequest transitions a pending request addressed to reviewer, once.
func (l *InMemoryLedger) ReviewRequest(ctx context.Context, reviewer, requestID string, decision Status) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	if !ReviewStatus(decision) {
		return Request{}, invalidInput("connect.ReviewRequest", "decision must be accepted or rejected")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.byID[requestID]
	if !ok || req.ToUserID != reviewer || req.Status != StatusInterested {
		// Wrong reviewer, already reviewed, or unknown id: same outcome,
		// so a double review cannot be told apart from a bad id.
		return Request{}, ErrNotFound
	}

	now := time.Now().UTC()
	req.Status = decision
	req.ReviewedAt = &now
	return *req, nil
}

// IsConnected reports whether an accepted request exists for the pair.
func (l *InMemoryLedger) IsConnected(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.byPair[PairKey(a, b)]
	return ok && req.Status == StatusAccepted, nil
}

// ListSent returns requests the user initiated, newest first.
func (l *InMemoryLedger) ListSent(ctx context.Context, userID string, limit, offset int) ([]Request, int64, error) {
	return l.list(ctx, limit, offset, func(r *Request) bool {
		return r.FromUserID == userID && r.Status != StatusIgnored
	})
}

// ListPending returns requests awaiting the user's review, newest first.
func (l *InMemoryLedger) ListPending(ctx context.Context, userID string, limit, offset int) ([]Request, int64, error) {
	return l.list(ctx, limit, offset, func(r *Request) bool {
		return r.ToUserID == userID && r.Status == StatusInterested
	})
}

// ListConnections returns accepted requests involving the user, most recently
// reviewed first, reshaped around the other user.
func (l *InMemoryLedger) ListConnections(ctx context.Context, userID string, limit, offset int) ([]Connection, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	limit = clampListLimit(limit)
	if offset < 0 {
		offset = 0
	}

	// Copy values while holding the lock; ReviewRequest mutates the stored
	// structs in place, so sorting must never touch them after unlock.
	l.mu.Lock()
	matched := make([]Request, 0)
	for _, r := range l.byPair {
		if r.Status == StatusAccepted && (r.FromUserID == userID || r.ToUserID == userID) {
			matched = append(matched, *r)
		}
	}
	l.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ReviewedAt.After(*matched[j].ReviewedAt)
	})

	total := int64(len(matched))
	matched = page(matched, limit, offset)

	out := make([]Connection, 0, len(matched))
	for _, r := range matched {
		other := r.FromUserID
		if other == userID {
			other = r.ToUserID
		}
		out = append(out, Connection{RequestID: r.ID, UserID: other, ConnectedAt: *r.ReviewedAt})
	}
	return out, total, nil
}

func (l *InMemoryLedger) list(ctx context.Context, limit, offset int, keep func(*Request) bool) ([]Request, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	limit = clampListLimit(limit)
	if offset < 0 {
		offset = 0
	}

	l.mu.Lock()
	matched := make([]Request, 0)
	for _, r := range l.byPair {
		if keep(r) {
			matched = append(matched, *r)
		}
	}
	l.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	return page(matched, limit, offset), total, nil
}

func page(rs []Request, limit, offset int) []Request {
	if offset >= len(rs) {
		return nil
	}
	rs = rs[offset:]
	if len(rs) > limit {
		rs = rs[:limit]
	}
	return rs
}
