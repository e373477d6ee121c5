// Package auth issues and verifies the short-lived admin tokens that guard
// the ops endpoints. There is a single principal; no refresh flow.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	tokenTypeAdmin = "admin"
	subjectAdmin   = "admin"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	JTI       string `json:"jti"`
	jwt.RegisteredClaims
}

type Manager struct {
	secret []byte
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewManager(secret string, ttl time.Duration, clock clockwork.Clock) *Manager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{secret: []byte(secret), ttl: ttl, clock: clock}
}

// GenerateAdminToken mints one admin session token and returns it with its
// expiry instant.
func (m *Manager) GenerateAdminToken() (string, time.Time, error) {
	now := m.clock.Now().UTC()
	expiresAt := now.Add(m.ttl)

	claims := Claims{
		Role:      "admin",
		TokenType: tokenTypeAdmin,
		JTI:       uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Subject:   subjectAdmin,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return raw, expiresAt, nil
}

// VerifyAdminToken parses and validates a token string, enforcing HS256 and
// the admin token type.
func (m *Manager) VerifyAdminToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.clock.Now().UTC() }))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenTypeAdmin || claims.Role != "admin" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
