// Package config loads the server configuration from a closed set of
// environment variables. Unknown variables inside the server's
// namespaces are rejected at startup rather than silently ignored.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete runtime configuration.
type Config struct {
	// Server
	Port        int
	DatabaseURL string
	AdminKey    string
	// SessionSecret signs short-lived admin session tokens.
	SessionSecret string

	// Alerting
	AlertOfflineMinutes       int
	AlertLowBatteryPct        int
	AlertDeviceCooldownMin    int
	AlertGlobalCapPerMin      int
	AlertRollupThreshold      int
	AlertsEnableAutoRemediate bool
	// UnityDownRequireConsecutive requires two consecutive ticks of
	// service_up == false before the monitored-app alert fires.
	UnityDownRequireConsecutive bool

	// Dispatch signing keys. Primary signs; devices verify either.
	HMACPrimaryKey   string
	HMACSecondaryKey string

	// External collaborators (opaque to the core).
	PushProviderEndpoint    string
	PushProviderCredentials string
	WebhookURL              string
	ArtifactStoreRoot       string

	// ValkeyAddr enables the distributed per-IP rate limiter when set.
	ValkeyAddr string

	// ReadFromLastStatus routes fleet reads through the projection
	// instead of the heartbeat history. Default true after backfill.
	ReadFromLastStatus bool
}

// knownKeys is the closed set of accepted environment variables.
var knownKeys = map[string]bool{
	"PORT":                           true,
	"DATABASE_URL":                   true,
	"ADMIN_KEY":                      true,
	"SESSION_SECRET":                 true,
	"ALERT_OFFLINE_MINUTES":          true,
	"ALERT_LOW_BATTERY_PCT":          true,
	"ALERT_DEVICE_COOLDOWN_MIN":      true,
	"ALERT_GLOBAL_CAP_PER_MIN":       true,
	"ALERT_ROLLUP_THRESHOLD":         true,
	"ALERTS_ENABLE_AUTOREMEDIATION":  true,
	"UNITY_DOWN_REQUIRE_CONSECUTIVE": true,
	"HMAC_PRIMARY_KEY":               true,
	"HMAC_SECONDARY_KEY":             true,
	"PUSH_PROVIDER_ENDPOINT":         true,
	"PUSH_PROVIDER_CREDENTIALS":      true,
	"WEBHOOK_URL":                    true,
	"ARTIFACT_STORE_ROOT":            true,
	"READ_FROM_LAST_STATUS":          true,
	"VALKEY_ADDR":                    true,
}

// guardedPrefixes are namespaces owned by this server. Any variable
// under them that is not in knownKeys is a misconfiguration.
var guardedPrefixes = []string{"ALERT_", "ALERTS_", "HMAC_", "UNITY_", "PUSH_PROVIDER_", "READ_FROM_"}

// Load builds a Config from the environment, applying defaults and
// rejecting unknown keys in guarded namespaces.
func Load() (*Config, error) {
	if err := checkUnknownKeys(os.Environ()); err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                        GetIntFromEnv("PORT", 8080),
		DatabaseURL:                 GetStringFromEnv("DATABASE_URL", ""),
		AdminKey:                    GetStringFromEnv("ADMIN_KEY", ""),
		SessionSecret:               GetStringFromEnv("SESSION_SECRET", ""),
		AlertOfflineMinutes:         GetIntFromEnv("ALERT_OFFLINE_MINUTES", 20),
		AlertLowBatteryPct:          GetIntFromEnv("ALERT_LOW_BATTERY_PCT", 15),
		AlertDeviceCooldownMin:      GetIntFromEnv("ALERT_DEVICE_COOLDOWN_MIN", 30),
		AlertGlobalCapPerMin:        GetIntFromEnv("ALERT_GLOBAL_CAP_PER_MIN", 60),
		AlertRollupThreshold:        GetIntFromEnv("ALERT_ROLLUP_THRESHOLD", 10),
		AlertsEnableAutoRemediate:   GetBoolFromEnv("ALERTS_ENABLE_AUTOREMEDIATION", false),
		UnityDownRequireConsecutive: GetBoolFromEnv("UNITY_DOWN_REQUIRE_CONSECUTIVE", false),
		HMACPrimaryKey:              GetStringFromEnv("HMAC_PRIMARY_KEY", ""),
		HMACSecondaryKey:            GetStringFromEnv("HMAC_SECONDARY_KEY", ""),
		PushProviderEndpoint:        GetStringFromEnv("PUSH_PROVIDER_ENDPOINT", ""),
		PushProviderCredentials:     GetStringFromEnv("PUSH_PROVIDER_CREDENTIALS", ""),
		WebhookURL:                  GetStringFromEnv("WEBHOOK_URL", ""),
		ArtifactStoreRoot:           GetStringFromEnv("ARTIFACT_STORE_ROOT", "/var/lib/droidfleet/artifacts"),
		ValkeyAddr:                  GetStringFromEnv("VALKEY_ADDR", ""),
		ReadFromLastStatus:          GetBoolFromEnv("READ_FROM_LAST_STATUS", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the hard requirements for a runnable server.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.AdminKey == "" {
		return fmt.Errorf("ADMIN_KEY is required")
	}
	if c.HMACPrimaryKey == "" {
		return fmt.Errorf("HMAC_PRIMARY_KEY is required")
	}
	if c.AlertOfflineMinutes < 1 {
		return fmt.Errorf("ALERT_OFFLINE_MINUTES must be >= 1")
	}
	if c.AlertLowBatteryPct < 0 || c.AlertLowBatteryPct > 100 {
		return fmt.Errorf("ALERT_LOW_BATTERY_PCT must be in [0,100]")
	}
	if c.AlertGlobalCapPerMin < 1 {
		return fmt.Errorf("ALERT_GLOBAL_CAP_PER_MIN must be >= 1")
	}
	return nil
}

// CooldownDuration returns the per-device alert cooldown.
func (c *Config) CooldownDuration() time.Duration {
	return time.Duration(c.AlertDeviceCooldownMin) * time.Minute
}

// OfflineAfter returns the silence duration after which a device is
// considered offline.
func (c *Config) OfflineAfter() time.Duration {
	return time.Duration(c.AlertOfflineMinutes) * time.Minute
}

func checkUnknownKeys(environ []string) error {
	var unknown []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for _, prefix := range guardedPrefixes {
			if strings.HasPrefix(name, prefix) && !knownKeys[name] {
				unknown = append(unknown, name)
				break
			}
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// GetStringFromEnv retrieves a string value from the environment.
// If the key does not exist, it returns the default value.
func GetStringFromEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetIntFromEnv retrieves an integer value from the environment.
// If the key does not exist or cannot be parsed, it returns the
// default value.
func GetIntFromEnv(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		intValue, err := strconv.Atoi(value)
		if err != nil {
			slog.With("key", key).With("value", value).With("error", err).Error("error converting to int, using default value")
			return defaultValue
		}
		return intValue
	}
	return defaultValue
}

// GetBoolFromEnv retrieves a boolean value from the environment.
func GetBoolFromEnv(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			slog.With("key", key).With("value", value).With("error", err).Error("error parsing to bool, using default value")
			return defaultValue
		}
		return boolValue
	}
	return defaultValue
}

// GetDurationFromEnv retrieves a time duration from the environment.
// The value should be in a format accepted by time.ParseDuration.
func GetDurationFromEnv(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		durationValue, err := time.ParseDuration(value)
		if err != nil {
			slog.With("key", key).With("value", value).With("error", err).Error("error parsing to duration, using default value")
			return defaultValue
		}
		return durationValue
	}
	return defaultValue
}
