package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionTTL is the admin session lifetime.
const SessionTTL = 12 * time.Hour

// SessionClaims are the JWT claims carried by an admin session.
type SessionClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// SessionManager issues and validates HS256 admin session tokens.
type SessionManager struct {
	secret []byte
}

// NewSessionManager requires a non-empty signing secret.
func NewSessionManager(secret string) (*SessionManager, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	return &SessionManager{secret: []byte(secret)}, nil
}

// Issue mints a session token for the given admin subject.
func (m *SessionManager) Issue(subject string, now time.Time) (string, error) {
	claims := SessionClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "droidfleet",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a session token, returning its claims.
func (m *SessionManager) Validate(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid session token")
	}
	return claims, nil
}
