package connect

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API/socket codes).
var (
	ErrInvalidInput     = errors.New("invalid_input")
	ErrNotFound         = errors.New("not_found")
	ErrSelfRequest      = errors.New("self_request")
	ErrDuplicateRequest = errors.New("duplicate_request")
)

// DuplicateReason distinguishes why a second request for the same pair was refused,
// so callers can render context without re-querying.
type DuplicateReason string

const (
	DuplicateAlreadyConnected   DuplicateReason = "already_connected"
	DuplicateAlreadyPending     DuplicateReason = "already_pending"
	DuplicatePreviouslyRejected DuplicateReason = "previously_rejected"
	DuplicateExists             DuplicateReason = "exists"
)

// DuplicateError reports an existing request for the unordered pair.
type DuplicateError struct {
	Reason DuplicateReason
}

func (e DuplicateError) Error() string {
	switch e.Reason {
	case DuplicateAlreadyConnected:
		return "connect: you are already connected with this user"
	case DuplicateAlreadyPending:
		return "connect: a connection request is already pending with this user"
	case DuplicatePreviouslyRejected:
		return "connect: this connection request was previously rejected"
	default:
		return "connect: a connection request already exists with this user"
	}
}

func (e DuplicateError) Unwrap() error { return ErrDuplicateRequest }

// IsDuplicate reports whether err represents ErrDuplicateRequest.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicateRequest) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func duplicateFor(status Status) error {
	switch status {
	case StatusAccepted:
		return DuplicateError{Reason: DuplicateAlreadyConnected}
	case StatusInterested:
		return DuplicateError{Reason: DuplicateAlreadyPending}
	case StatusRejected:
		return DuplicateError{Reason: DuplicatePreviouslyRejected}
	default:
		return DuplicateError{Reason: DuplicateExists}
	}
}

func invalidInput(op, msg string) error {
	return fmt.Errorf("%s: %w: %s", op, ErrInvalidInput, msg)
}
