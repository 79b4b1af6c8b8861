// Package models holds the value types shared by the stores and
// services. Relationships are expressed as id references only; there
// are no parent back-pointers.
package models

import "time"

// DefaultThresholdMinutes is the service-down threshold applied when a
// device is registered without one. Matches the schema default.
const DefaultThresholdMinutes = 10

// Device is the authoritative row for a managed endpoint. The
// last-status projection is derived from it and its heartbeats.
type Device struct {
	ID    string `json:"id"`
	Alias string `json:"alias"`

	// TokenID is the short indexed prefix of the bearer token used
	// for O(1) lookup; TokenHash is the bcrypt hash of the remainder.
	TokenID        string     `json:"-"`
	TokenHash      string     `json:"-"`
	TokenRevokedAt *time.Time `json:"-"`

	PushToken string `json:"-"`

	// Monitoring configuration for the watched package.
	MonitoredPackage  string `json:"monitored_package"`
	MonitoredName     string `json:"monitored_name"`
	ThresholdMinutes  int    `json:"threshold_minutes"` // clamped to [1,120]
	MonitoringEnabled bool   `json:"monitoring_enabled"`

	DeviceOwnerMode bool       `json:"device_owner_mode"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPushToken reports whether the device can receive pushes.
func (d *Device) HasPushToken() bool { return d.PushToken != "" }

// TokenRevoked reports whether the bearer token has been revoked.
func (d *Device) TokenRevoked() bool { return d.TokenRevokedAt != nil }

// ThresholdSeconds returns the service-down threshold in seconds.
func (d *Device) ThresholdSeconds() int {
	m := d.ThresholdMinutes
	if m < 1 {
		m = 1
	}
	if m > 120 {
		m = 120
	}
	return m * 60
}
