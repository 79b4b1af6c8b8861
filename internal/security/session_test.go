package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIssueValidate(t *testing.T) {
	m, err := NewSessionManager("test-secret")
	require.NoError(t, err)

	token, err := m.Issue("ops@example.com", time.Now())
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
}

func TestSessionExpired(t *testing.T) {
	m, err := NewSessionManager("test-secret")
	require.NoError(t, err)

	token, err := m.Issue("ops@example.com", time.Now().Add(-SessionTTL-time.Hour))
	require.NoError(t, err)

	_, err = m.Validate(token)
	assert.Error(t, err)
}

func TestSessionWrongSecret(t *testing.T) {
	a, err := NewSessionManager("secret-a")
	require.NoError(t, err)
	b, err := NewSessionManager("secret-b")
	require.NoError(t, err)

	token, err := a.Issue("ops@example.com", time.Now())
	require.NoError(t, err)

	_, err = b.Validate(token)
	assert.Error(t, err)
}

func TestNewSessionManagerRequiresSecret(t *testing.T) {
	_, err := NewSessionManager("")
	assert.Error(t, err)
}
