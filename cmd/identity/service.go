package identity

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"kindred/cmd/identity/ids"
)

// Service bundles the directory, password hashing, and token verification
// into the authenticate capability the rest of the system consumes.
type Service struct {
	dir    Directory
	tokens *TokenSigner

	// Dummy hash for timing-resistant login checks against unknown emails.
	dummyHash string
}

// NewService constructs an identity Service.
func NewService(dir Directory, tokens *TokenSigner) (*Service, error) {
	if dir == nil {
		return nil, errors.New("identity: nil directory")
	}
	if tokens == nil {
		return nil, errors.New("identity: nil token signer")
	}

	s := &Service{dir: dir, tokens: tokens}
	if hash, err := HashPassword("dummy-password-for-timing-only", DefaultArgon2idParams()); err == nil {
		s.dummyHash = hash
	}
	return s, nil
}

// Signup creates a user and returns the stored record.
func (s *Service) Signup(ctx context.Context, email, name, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	name = strings.TrimSpace(name)

	if _, err := mail.ParseAddress(email); err != nil {
		return User{}, OpError{Op: "identity.Signup", Kind: ErrInvalidInput, Msg: "invalid email"}
	}
	if name == "" {
		return User{}, OpError{Op: "identity.Signup", Kind: ErrInvalidInput, Msg: "empty name"}
	}

	hash, err := HashPassword(password, DefaultArgon2idParams())
	if err != nil {
		return User{}, err
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	u := User{
		ID:           id,
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    now,
	}
	if err := s.dir.CreateUser(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Login checks credentials and returns the user plus a freshly minted token.
// Unknown email and wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	u, err := s.dir.GetByEmail(ctx, email)
	if err != nil {
		if IsNotFound(err) {
			// Burn comparable time before failing.
			_, _ = VerifyPassword(password, s.dummyHash)
			return User{}, "", OpError{Op: "identity.Login", Kind: ErrInvalidCredentials}
		}
		return User{}, "", err
	}

	ok, err := VerifyPassword(password, u.PasswordHash)
	if err != nil || !ok {
		return User{}, "", OpError{Op: "identity.Login", Kind: ErrInvalidCredentials}
	}

	token, err := s.tokens.Mint(u.ID, time.Now().UTC())
	if err != nil {
		return User{}, "", err
	}
	return u, token, nil
}

// Authenticate resolves a bearer token into a UserIdentity.
// The user must still exist in the directory; a deleted user's token is dead.
func (s *Service) Authenticate(ctx context.Context, token string) (UserIdentity, error) {
	userID, err := s.tokens.Verify(token)
	if err != nil {
		return UserIdentity{}, err
	}

	u, err := s.dir.GetByID(ctx, userID)
	if err != nil {
		if IsNotFound(err) {
			return UserIdentity{}, OpError{Op: "identity.Authenticate", Kind: ErrUnauthenticated, Msg: "unknown user"}
		}
		return UserIdentity{}, err
	}
	return u.Identity(), nil
}

// Directory exposes the underlying directory for stores that need existence checks.
func (s *Service) Directory() Directory { return s.dir }
