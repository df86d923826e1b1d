package identity

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenMintVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewTokenSigner(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}

	tok, err := s.Mint("user-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	sub, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sub != "user-1" {
		t.Fatalf("subject = %q", sub)
	}
}

func TestTokenSignerRejectsShortSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewTokenSigner("too-short", time.Hour); err == nil {
		t.Fatal("short secret accepted")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	t.Parallel()

	s, err := NewTokenSigner(testSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}

	tok, err := s.Mint("user-1", time.Now().UTC().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := s.Verify(tok); !IsUnauthenticated(err) {
		t.Fatalf("expired token: want ErrUnauthenticated, got %v", err)
	}
}

func TestVerifyRejectsGarbageAndWrongKey(t *testing.T) {
	t.Parallel()

	s, _ := NewTokenSigner(testSecret, time.Hour)

	for _, tok := range []string{"", "not.a.jwt", "aaaa.bbbb.cccc"} {
		if _, err := s.Verify(tok); !IsUnauthenticated(err) {
			t.Fatalf("token %q: want ErrUnauthenticated, got %v", tok, err)
		}
	}

	other, _ := NewTokenSigner(strings.Repeat("k", 32), time.Hour)
	tok, err := other.Mint("user-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := s.Verify(tok); !IsUnauthenticated(err) {
		t.Fatalf("cross-key token: want ErrUnauthenticated, got %v", err)
	}
}
