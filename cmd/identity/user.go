package identity

import (
	"context"
	"time"
)

// User is the stored directory record. PasswordHash never leaves this package.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

// UserIdentity is the public identity handed to the gateway and API layers.
type UserIdentity struct {
	ID   string
	Name string
}

// Identity strips the stored record down to its public shape.
func (u User) Identity() UserIdentity {
	return UserIdentity{ID: u.ID, Name: u.Name}
}

// Directory is the user lookup/creation boundary.
//
// Requirements:
//   - CreateUser fails with ErrConflict when the email is taken.
//   - GetByID / GetByEmail fail with ErrNotFound for missing rows.
//   - Exists never errors for a well-formed id that is simply absent.
type Directory interface {
	CreateUser(ctx context.Context, u User) error
	GetByID(ctx context.Context, id string) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	Exists(ctx context.Context, id string) (bool, error)
}
