package identity

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minTokenSecretBytes = 32

// TokenSigner mints and verifies HS256 access tokens carrying a user id.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenSigner constructs a signer. The secret must be at least 32 bytes.
func NewTokenSigner(secret string, ttl time.Duration) (*TokenSigner, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minTokenSecretBytes {
		return nil, OpError{Op: "identity.NewTokenSigner", Kind: ErrInvalidInput, Msg: "token secret too short"}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenSigner{secret: []byte(secret), ttl: ttl}, nil
}

// Mint issues a signed token for userID with the configured TTL.
func (s *TokenSigner) Mint(userID string, now time.Time) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", OpError{Op: "identity.Mint", Kind: ErrInvalidInput, Msg: "empty user id"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a token and returns the embedded user id.
// Every failure mode (malformed, bad signature, expired) maps to ErrUnauthenticated.
func (s *TokenSigner) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", OpError{Op: "identity.Verify", Kind: ErrUnauthenticated, Msg: "missing token"}
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, OpError{Op: "identity.Verify", Kind: ErrUnauthenticated, Msg: "unexpected signing method"}
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", OpError{Op: "identity.Verify", Kind: ErrUnauthenticated, Msg: "invalid token"}
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", OpError{Op: "identity.Verify", Kind: ErrUnauthenticated, Msg: "missing subject"}
	}
	return claims.Subject, nil
}
