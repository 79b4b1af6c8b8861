package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/droidfleet?sslmode=disable")
	t.Setenv("ADMIN_KEY", "test-admin-key")
	t.Setenv("HMAC_PRIMARY_KEY", "primary-signing-key")
}

func TestLoadDefaults(t *testing.T) {
	validEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 20, cfg.AlertOfflineMinutes)
	assert.Equal(t, 15, cfg.AlertLowBatteryPct)
	assert.Equal(t, 30, cfg.AlertDeviceCooldownMin)
	assert.Equal(t, 60, cfg.AlertGlobalCapPerMin)
	assert.Equal(t, 10, cfg.AlertRollupThreshold)
	assert.False(t, cfg.AlertsEnableAutoRemediate)
	assert.False(t, cfg.UnityDownRequireConsecutive)
	assert.True(t, cfg.ReadFromLastStatus)
	assert.Equal(t, 20*time.Minute, cfg.OfflineAfter())
	assert.Equal(t, 30*time.Minute, cfg.CooldownDuration())
}

func TestLoadOverrides(t *testing.T) {
	validEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("ALERT_OFFLINE_MINUTES", "45")
	t.Setenv("UNITY_DOWN_REQUIRE_CONSECUTIVE", "true")
	t.Setenv("VALKEY_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 45, cfg.AlertOfflineMinutes)
	assert.True(t, cfg.UnityDownRequireConsecutive)
	assert.Equal(t, "localhost:6379", cfg.ValkeyAddr)
}

func TestLoadRejectsUnknownGuardedKey(t *testing.T) {
	validEnv(t)
	t.Setenv("ALERT_OFFLINE_MIN", "10") // typo of ALERT_OFFLINE_MINUTES

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALERT_OFFLINE_MIN")
}

func TestValidateRequiredKeys(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{"missing database url", "DATABASE_URL"},
		{"missing admin key", "ADMIN_KEY"},
		{"missing hmac key", "HMAC_PRIMARY_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validEnv(t)
			t.Setenv(tt.unset, "")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.unset)
		})
	}
}

func TestValidateRanges(t *testing.T) {
	validEnv(t)
	t.Setenv("ALERT_LOW_BATTERY_PCT", "150")

	_, err := Load()
	require.Error(t, err)
}

func TestBadIntFallsBackToDefault(t *testing.T) {
	validEnv(t)
	t.Setenv("PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}
