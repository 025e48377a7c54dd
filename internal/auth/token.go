// Package auth implements the relay's two authentication mechanisms:
// Ed25519 challenge signatures for establishing identity, and opaque
// bearer tokens for everything after. Tokens verify without any database
// access — the signing key is derived deterministically from the master
// secret, so the same secret across restarts accepts previously issued
// tokens, and changing it invalidates them all at once.
package auth

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	// tokenIssuer is pinned into every token and checked on verification.
	tokenIssuer = "consortium"

	// signingKeyInfo is the HKDF info string binding the derived key to
	// this purpose. Bump the version suffix to rotate all tokens without
	// changing the master secret.
	signingKeyInfo = "consortium token signing v1"

	// signingKeySize is the derived HMAC key length in bytes.
	signingKeySize = 32
)

// TokenClaims is the verified identity carried by a bearer token.
type TokenClaims struct {
	// AccountID is the account the token is bound to.
	AccountID string

	// Extras carries optional caller-supplied values embedded at issuance
	// (e.g. the pairing flow marks tokens it mints). Nil when absent.
	Extras map[string]any
}

// tokenPayload is the JWT claim set on the wire. Tokens are deliberately
// long-lived: there is no exp claim, and verification does not require one.
type tokenPayload struct {
	jwt.RegisteredClaims

	Extras map[string]any `json:"extras,omitempty"`
}

// TokenService issues and verifies opaque bearer tokens. It is safe for
// concurrent use. Verification of a well-formed token is pure CPU work;
// positive results are additionally memoized so the hot path (every HTTP
// request and WebSocket handshake) is a single map lookup.
type TokenService struct {
	signingKey []byte

	// cache maps token string to *TokenClaims. Only successful
	// verifications are cached — failures are cheap and unbounded
	// negative caching would be a memory hole.
	cache sync.Map
}

// NewTokenService derives the signing key from the master secret and
// returns a ready TokenService.
func NewTokenService(masterSecret string) (*TokenService, error) {
	if len(masterSecret) < 32 {
		return nil, fmt.Errorf("auth: master secret must be at least 32 characters")
	}

	key := make([]byte, signingKeySize)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(signingKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("auth: deriving signing key: %w", err)
	}

	return &TokenService{signingKey: key}, nil
}

// CreateToken issues a token bound to the given account id. extras may be
// nil; when present it is embedded verbatim and returned on verification.
func (s *TokenService) CreateToken(accountID string, extras map[string]any) (string, error) {
	claims := tokenPayload{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  tokenIssuer,
			Subject: accountID,
		},
		Extras: extras,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates authenticity and returns the bound identity, or
// ErrTokenInvalid. No database access occurs on this path.
func (s *TokenService) VerifyToken(tokenString string) (*TokenClaims, error) {
	if cached, ok := s.cache.Load(tokenString); ok {
		return cached.(*TokenClaims), nil
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&tokenPayload{},
		func(t *jwt.Token) (any, error) {
			// Pin HS256: rejects alg:none and asymmetric-confusion tokens.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return s.signingKey, nil
		},
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}

	payload, ok := token.Claims.(*tokenPayload)
	if !ok || payload.Subject == "" {
		return nil, ErrTokenInvalid
	}

	claims := &TokenClaims{
		AccountID: payload.Subject,
		Extras:    payload.Extras,
	}
	s.cache.Store(tokenString, claims)
	return claims, nil
}
