// Package auth verifies the signed access tokens that clients present in
// their WebSocket handshake. Verification is a pure function from a token
// string to identity claims; callers re-verify on every event rather than
// caching the result.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no token was presented.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned when the token is malformed or its
	// signature does not verify.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
)

// Claims is the decoded payload of a verified access token. Name is the
// display name shown to other room members in presence notifications.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Verifier checks an opaque access token and returns its claims.
// Implementations must treat verification as stateless: the same token is
// presented repeatedly and each call stands alone.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// HMACVerifier verifies HS256-signed tokens with a shared secret.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier for tokens signed with the given secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Verify parses and validates tokenString and returns its claims.
// It fails with ErrMissingToken, ErrExpiredToken, or ErrInvalidToken; all
// other parse failures collapse into ErrInvalidToken.
func (v *HMACVerifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Sign mints a token for the given display name, valid for ttl. The server
// itself never mints tokens for clients; this exists for tests and local
// tooling.
func (v *HMACVerifier) Sign(name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
