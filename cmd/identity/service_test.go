package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	signer, err := NewTokenSigner(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	svc, err := NewService(NewInMemoryDirectory(), signer)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestSignupNormalizesEmail(t *testing.T) {
	t.Parallel()
	svc := newTestService(t)

	u, err := svc.Signup(context.Background(), "  Ada@Example.COM ", "Ada", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if u.Email != "ada@example.com" {
		t.Fatalf("email not normalized: %q", u.Email)
	}
	if u.ID == "" || u.PasswordHash == "" || u.CreatedAt.IsZero() {
		t.Fatalf("incomplete user: %+v", u)
	}
}

func TestSignupValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.Signup(ctx, "not-an-email", "Ada", "hunter2hunter2"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad email: want ErrInvalidInput, got %v", err)
	}
	if _, err := svc.Signup(ctx, "ada@example.com", "  ", "hunter2hunter2"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty name: want ErrInvalidInput, got %v", err)
	}
	if _, err := svc.Signup(ctx, "ada@example.com", "Ada", "short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("weak password: want ErrInvalidInput, got %v", err)
	}
}

func TestSignupDuplicateEmailConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.Signup(ctx, "ada@example.com", "Ada", "hunter2hunter2"); err != nil {
		t.Fatalf("first signup: %v", err)
	}
	if _, err := svc.Signup(ctx, "ADA@example.com", "Imposter", "hunter2hunter2"); !IsConflict(err) {
		t.Fatalf("duplicate email: want ErrConflict, got %v", err)
	}
}

func TestLoginAndAuthenticate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService(t)

	created, err := svc.Signup(ctx, "ada@example.com", "Ada", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	u, token, err := svc.Login(ctx, "ada@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u.ID != created.ID || token == "" {
		t.Fatalf("unexpected login result: %+v token=%q", u, token)
	}

	who, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if who.ID != created.ID || who.Name != "Ada" {
		t.Fatalf("unexpected identity: %+v", who)
	}
}

func TestLoginFailuresIndistinguishable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService(t)

	if _, err := svc.Signup(ctx, "ada@example.com", "Ada", "hunter2hunter2"); err != nil {
		t.Fatalf("Signup: %v", err)
	}

	_, _, wrongPw := svc.Login(ctx, "ada@example.com", "wrong-password")
	_, _, unknown := svc.Login(ctx, "ghost@example.com", "whatever")

	if !errors.Is(wrongPw, ErrInvalidCredentials) || !errors.Is(unknown, ErrInvalidCredentials) {
		t.Fatalf("want ErrInvalidCredentials for both, got %v / %v", wrongPw, unknown)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService(t)

	for _, tok := range []string{"", "garbage", "a.b.c"} {
		if _, err := svc.Authenticate(ctx, tok); !IsUnauthenticated(err) {
			t.Fatalf("token %q: want ErrUnauthenticated, got %v", tok, err)
		}
	}
}

func TestAuthenticateDeadAfterUserGone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	signer, _ := NewTokenSigner(testSecret, time.Hour)
	svc, err := NewService(NewInMemoryDirectory(), signer)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	// Token for a user the directory has never seen.
	tok, err := signer.Mint("ghost-user", time.Now().UTC())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := svc.Authenticate(ctx, tok); !IsUnauthenticated(err) {
		t.Fatalf("want ErrUnauthenticated, got %v", err)
	}
}
