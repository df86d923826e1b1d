package identity

import (
	"context"
	"strings"
	"sync"
)

// InMemoryDirectory is a dev/test Directory implementation.
type InMemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[string]User
	byEmail map[string]string // email -> id
}

// NewInMemoryDirectory constructs an empty in-memory directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		byID:    make(map[string]User),
		byEmail: make(map[string]string),
	}
}

// CreateUser stores a user, failing with ErrConflict on a taken email or id.
func (d *InMemoryDirectory) CreateUser(ctx context.Context, u User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.ID == "" || u.Email == "" {
		return OpError{Op: "identity.CreateUser", Kind: ErrInvalidInput}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byID[u.ID]; ok {
		return OpError{Op: "identity.CreateUser", Kind: ErrConflict, Msg: "id"}
	}
	if _, ok := d.byEmail[u.Email]; ok {
		return OpError{Op: "identity.CreateUser", Kind: ErrConflict, Msg: "email"}
	}

	d.byID[u.ID] = u
	d.byEmail[u.Email] = u.ID
	return nil
}

// GetByID returns a user by id.
func (d *InMemoryDirectory) GetByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.byID[id]
	if !ok {
		return User{}, OpError{Op: "identity.GetByID", Kind: ErrNotFound, Msg: "user"}
	}
	return u, nil
}

// GetByEmail returns a user by (normalized) email.
func (d *InMemoryDirectory) GetByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	email = strings.ToLower(strings.TrimSpace(email))

	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byEmail[email]
	if !ok {
		return User{}, OpError{Op: "identity.GetByEmail", Kind: ErrNotFound, Msg: "user"}
	}
	return d.byID[id], nil
}

// Exists reports whether a user id is present.
func (d *InMemoryDirectory) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.byID[id]
	return ok, nil
}
