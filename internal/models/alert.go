package models

import "time"

// Condition is an alert condition evaluated on every tick.
type Condition string

const (
	CondOffline     Condition = "offline"
	CondLowBattery  Condition = "low_battery"
	CondServiceDown Condition = "service_down"
)

// AlertPhase is the per-(device, condition) state machine phase.
type AlertPhase string

const (
	AlertOK     AlertPhase = "ok"
	AlertFiring AlertPhase = "firing"
)

// AlertState is one row per (device, condition). cooldown_until is
// armed on raise and survives recovery, so a flapping device cannot
// re-raise until the window passes.
type AlertState struct {
	DeviceID              string     `json:"device_id"`
	Condition             Condition  `json:"condition"`
	Phase                 AlertPhase `json:"phase"`
	LastRaised            *time.Time `json:"last_raised,omitempty"`
	LastRecovered         *time.Time `json:"last_recovered,omitempty"`
	CooldownUntil         *time.Time `json:"cooldown_until,omitempty"`
	ConsecutiveViolations int        `json:"consecutive_violations"`
	LastValue             float64    `json:"last_value"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// InCooldown reports whether notifications for this state are
// suppressed at now.
func (s *AlertState) InCooldown(now time.Time) bool {
	return s.CooldownUntil != nil && s.CooldownUntil.After(now)
}
