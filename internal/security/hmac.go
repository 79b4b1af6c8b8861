package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SignatureWindow bounds how far a signed command timestamp may drift
// from verification time in either direction.
const SignatureWindow = 5 * time.Minute

// Keyring holds the primary and optional secondary HMAC keys. New
// signatures always use the primary; verification accepts either, so
// keys rotate without a fleet-wide flag day.
type Keyring struct {
	mu        sync.RWMutex
	primary   []byte
	secondary []byte
}

// NewKeyring builds a keyring. secondary may be empty.
func NewKeyring(primary, secondary string) (*Keyring, error) {
	if primary == "" {
		return nil, errors.New("primary HMAC key is required")
	}
	k := &Keyring{primary: []byte(primary)}
	if secondary != "" {
		k.secondary = []byte(secondary)
	}
	return k, nil
}

// Rotate swaps in a new primary, demoting the old primary to
// secondary. Commands signed with the old key stay verifiable for the
// remainder of their validity window.
func (k *Keyring) Rotate(newPrimary string) error {
	if newPrimary == "" {
		return errors.New("new primary HMAC key is required")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.secondary = k.primary
	k.primary = []byte(newPrimary)
	return nil
}

// canonical builds the signed string for one command.
func canonical(requestID, deviceID string, action string, ts time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%s", requestID, deviceID, action, ts.UTC().Format(time.RFC3339))
}

func sign(key []byte, msg string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// SignCommand produces the base64url HMAC-SHA256 signature over
// "{request_id}|{device_id}|{action}|{ts}" with ts in ISO-8601 UTC
// seconds precision.
func (k *Keyring) SignCommand(requestID, deviceID, action string, ts time.Time) string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return sign(k.primary, canonical(requestID, deviceID, action, ts))
}

// VerifyCommand checks a signature against both keys and the validity
// window around now.
func (k *Keyring) VerifyCommand(requestID, deviceID, action string, ts time.Time, signature string, now time.Time) error {
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > SignatureWindow {
		return errors.New("command signature timestamp outside validity window")
	}

	msg := canonical(requestID, deviceID, action, ts)

	k.mu.RLock()
	defer k.mu.RUnlock()
	if hmac.Equal([]byte(sign(k.primary, msg)), []byte(signature)) {
		return nil
	}
	if k.secondary != nil && hmac.Equal([]byte(sign(k.secondary, msg)), []byte(signature)) {
		return nil
	}
	return errors.New("command signature mismatch")
}
