// Package security implements device bearer tokens, command signing
// and admin sessions.
package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	tokenIDLen     = 12
	tokenSecretLen = 32
)

// GenerateDeviceToken mints a new bearer token. The returned token is
// "<token_id>.<secret>"; only token_id and the bcrypt hash of the
// secret are persisted, so a leaked database never yields usable
// credentials.
func GenerateDeviceToken() (token, tokenID, tokenHash string, err error) {
	idBytes := make([]byte, tokenIDLen)
	if _, err = rand.Read(idBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate token id: %w", err)
	}
	secretBytes := make([]byte, tokenSecretLen)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate token secret: %w", err)
	}

	tokenID = base64.RawURLEncoding.EncodeToString(idBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to hash token secret: %w", err)
	}

	return tokenID + "." + secret, tokenID, string(hash), nil
}

// SplitDeviceToken splits a presented bearer token into its indexed
// id and secret parts.
func SplitDeviceToken(token string) (tokenID, secret string, ok bool) {
	id, secret, found := strings.Cut(token, ".")
	if !found || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

// VerifyTokenSecret checks a presented secret against the stored
// bcrypt hash. bcrypt comparison is constant-time.
func VerifyTokenSecret(storedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret)) == nil
}
