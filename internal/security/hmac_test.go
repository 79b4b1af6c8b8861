package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignCommandDeterministic(t *testing.T) {
	k, err := NewKeyring("primary-key", "")
	require.NoError(t, err)

	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	sig1 := k.SignCommand("req-1", "dev-1", "ping", ts)
	sig2 := k.SignCommand("req-1", "dev-1", "ping", ts)
	assert.Equal(t, sig1, sig2)
	assert.NotEmpty(t, sig1)
}

func TestVerifyCommand(t *testing.T) {
	k, err := NewKeyring("primary-key", "secondary-key")
	require.NoError(t, err)

	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	sig := k.SignCommand("req-1", "dev-1", "ring", ts)

	tests := []struct {
		name      string
		requestID string
		deviceID  string
		action    string
		ts        time.Time
		sig       string
		now       time.Time
		wantErr   bool
	}{
		{
			name:      "valid within window",
			requestID: "req-1", deviceID: "dev-1", action: "ring",
			ts: ts, sig: sig, now: ts.Add(2 * time.Minute),
		},
		{
			name:      "expired",
			requestID: "req-1", deviceID: "dev-1", action: "ring",
			ts: ts, sig: sig, now: ts.Add(6 * time.Minute),
			wantErr: true,
		},
		{
			name:      "future timestamp past window",
			requestID: "req-1", deviceID: "dev-1", action: "ring",
			ts: ts, sig: sig, now: ts.Add(-6 * time.Minute),
			wantErr: true,
		},
		{
			name:      "tampered action",
			requestID: "req-1", deviceID: "dev-1", action: "exec_shell",
			ts: ts, sig: sig, now: ts,
			wantErr: true,
		},
		{
			name:      "tampered device",
			requestID: "req-1", deviceID: "dev-2", action: "ring",
			ts: ts, sig: sig, now: ts,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := k.VerifyCommand(tt.requestID, tt.deviceID, tt.action, tt.ts, tt.sig, tt.now)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifyCommandSecondaryKey(t *testing.T) {
	old, err := NewKeyring("old-key", "")
	require.NoError(t, err)

	ts := time.Now().UTC().Truncate(time.Second)
	sig := old.SignCommand("req-9", "dev-9", "update", ts)

	rotated, err := NewKeyring("new-key", "old-key")
	require.NoError(t, err)

	// Signed under the old key, verifiable under the rotated ring.
	assert.NoError(t, rotated.VerifyCommand("req-9", "dev-9", "update", ts, sig, ts))

	// New signatures use the new primary.
	newSig := rotated.SignCommand("req-9", "dev-9", "update", ts)
	assert.NotEqual(t, sig, newSig)
	assert.NoError(t, rotated.VerifyCommand("req-9", "dev-9", "update", ts, newSig, ts))
}

func TestKeyringRotate(t *testing.T) {
	k, err := NewKeyring("key-a", "")
	require.NoError(t, err)

	ts := time.Now().UTC().Truncate(time.Second)
	sigA := k.SignCommand("r", "d", "ping", ts)

	require.NoError(t, k.Rotate("key-b"))

	// Old signature still verifies via the demoted secondary.
	assert.NoError(t, k.VerifyCommand("r", "d", "ping", ts, sigA, ts))

	assert.Error(t, k.Rotate(""))
}

func TestNewKeyringRequiresPrimary(t *testing.T) {
	_, err := NewKeyring("", "whatever")
	assert.Error(t, err)
}
