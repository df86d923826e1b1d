// Package connect owns the connection-request state machine between user
// pairs. An accepted request is the sole authorization gate for messaging.
package connect

import (
	"context"
	"time"
)

// Status is a connection-request state.
type Status string

const (
	StatusIgnored    Status = "ignored"
	StatusInterested Status = "interested"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
)

// SendableStatus reports whether a status is valid for a fresh request.
func SendableStatus(s Status) bool {
	return s == StatusIgnored || s == StatusInterested
}

// ReviewStatus reports whether a status is a valid review decision.
func ReviewStatus(s Status) bool {
	return s == StatusAccepted || s == StatusRejected
}

// Request is one connection request between two distinct users.
//
// Lifecycle: created in interested/ignored by the sender; transitions once,
// by the recipient, to accepted or rejected; terminal thereafter. At most one
// request exists per unordered pair.
type Request struct {
	ID         string
	FromUserID string
	ToUserID   string
	Status     Status
	CreatedAt  time.Time
	ReviewedAt *time.Time
}

// Connection is an accepted request reshaped around the other user.
type Connection struct {
	RequestID   string
	UserID      string
	ConnectedAt time.Time
}

// UserDirectory reports whether a user id resolves to a real identity.
// Satisfied by identity.Directory.
type UserDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Ledger is the connection-request store boundary.
//
// Requirements:
//   - SendRequest: ErrSelfRequest when from==to, ErrNotFound for an unknown
//     recipient, DuplicateError when any request exists for the unordered
//     pair in either direction (race-safe via the pair uniqueness key).
//   - ReviewRequest: ErrNotFound unless a pending request with that id is
//     addressed to reviewer; write-once.
//   - IsConnected: true iff an accepted request exists for the pair.
//   - Listings: createdAt descending (connections: reviewedAt descending).
type Ledger interface {
	SendRequest(ctx context.Context, from, to string, status Status) (Request, error)
	ReviewRequest(ctx context.Context, reviewer, requestID string, decision Status) (Request, error)
	IsConnected(ctx context.Context, a, b string) (bool, error)
	ListSent(ctx context.Context, userID string, limit, offset int) ([]Request, int64, error)
	ListPending(ctx context.Context, userID string, limit, offset int) ([]Request, int64, error)
	ListConnections(ctx context.Context, userID string, limit, offset int) ([]Connection, int64, error)
}

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

func clampListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// PairKey returns the canonical unordered-pair key min(id)+":"+max(id).
// It is both the uniqueness constraint and the lookup key for a pair.
func PairKey(a, b string) string {
	low, high := OrderPair(a, b)
	return low + ":" + high
}

// OrderPair returns the pair in canonical (low, high) order.
func OrderPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}
