package chat

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API/socket codes).
var (
	ErrValidation     = errors.New("validation")
	ErrSelfChat       = errors.New("self_chat")
	ErrSelfMessage    = errors.New("self_message")
	ErrNotFound       = errors.New("not_found")
	ErrForbidden      = errors.New("forbidden")
	ErrAlreadyDeleted = errors.New("already_deleted")
	ErrConflict       = errors.New("conflict")
)

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

func validation(op, msg string) error {
	return fmt.Errorf("%s: %w: %s", op, ErrValidation, msg)
}
