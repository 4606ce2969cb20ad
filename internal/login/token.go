package login

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token body shared by citizen and officer tokens.
type Claims struct {
	jwt.RegisteredClaims
	Kind     Kind     `json:"kind,omitempty"`
	Property string   `json:"property,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Tokens mints and verifies HS256 tokens.
type Tokens struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func (t Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t Tokens) mint(claims Claims) (string, time.Time, error) {
	if len(t.Secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	now := t.now()
	ttl := t.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	exp := now.Add(ttl)
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Session mints a citizen token for s.
func (t Tokens) Session(s Session) (string, time.Time, error) {
	return t.mint(Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: s.Subject()},
		Kind:             s.Kind(),
		Property:         s.Property(),
	})
}

// Officer mints a token for an officer carrying roles.
func (t Tokens) Officer(actorID string, roles []string) (string, time.Time, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", time.Time{}, errors.New("actor id required")
	}
	return t.mint(Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: actorID},
		Roles:            roles,
	})
}

// Parse verifies a token. Any failure wraps ErrUnauthorized.
func (t Tokens) Parse(token string) (Claims, error) {
	if len(t.Secret) == 0 {
		return Claims{}, fmt.Errorf("%w: jwt secret not configured", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	claims := Claims{}
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.Secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return claims, nil
}
