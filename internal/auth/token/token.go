// Package token mints and validates stateless bearer tokens. Tokens carry
// the authenticated principal and expiry, signed with an HMAC key loaded at
// startup. Rotating the key invalidates all prior tokens.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
)

// Issuer signs and validates bearer tokens.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// Claims is the validated content of a bearer token.
type Claims struct {
	Subject   string
	Admin     bool
	ExpiresAt time.Time
}

// NewIssuer creates an issuer with the given signing key and token lifetime.
func NewIssuer(signingKey string, ttl time.Duration) *Issuer {
	return &Issuer{key: []byte(signingKey), ttl: ttl, now: time.Now}
}

// Mint issues a signed token for the principal.
func (i *Issuer) Mint(username string, admin bool) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(i.ttl)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": username,
		"adm": admin,
		"iat": now.Unix(),
		"exp": expires.Unix(),
	})
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Validate checks signature and expiry and returns the embedded claims.
// Signature comparison inside the HMAC verification is constant-time.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(i.now))
	if err != nil || !parsed.Valid {
		return nil, derrors.AuthError()
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, derrors.AuthError()
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, derrors.AuthError()
	}
	admin, _ := claims["adm"].(bool)

	out := &Claims{Subject: sub, Admin: admin}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
