package models

import "time"

// FgUnknown is the sentinel for an unknown foreground recency; any
// negative value reported by an agent means "unknown".
const FgUnknown = -1

// Heartbeat is one append-only row in a daily partition.
type Heartbeat struct {
	DeviceID    string    `json:"device_id"`
	Ts          time.Time `json:"ts"`
	BatteryPct  int       `json:"battery_pct"`
	Charging    bool      `json:"charging"`
	NetworkType string    `json:"network_type"`
	SignalDbm   int       `json:"signal_dbm"`
	UptimeS     int64     `json:"uptime_s"`
	RAMUsedMB   int       `json:"ram_used_mb"`
	// MonitoredFgRecentS is the seconds since the monitored package
	// was last foregrounded; negative means unknown.
	MonitoredFgRecentS int64  `json:"monitored_foreground_recent_s"`
	AgentVersion       string `json:"agent_version"`
}

// DedupeBucket identifies the 10-second idempotency slot of a
// heartbeat: the minute truncation plus the bucket index within it.
func DedupeBucket(ts time.Time) (minute time.Time, idx int) {
	utc := ts.UTC()
	minute = utc.Truncate(time.Minute)
	idx = utc.Second() / 10
	return minute, idx
}

// ServiceState is the tri-state health of the monitored package.
type ServiceState string

const (
	ServiceUp      ServiceState = "up"
	ServiceDown    ServiceState = "down"
	ServiceUnknown ServiceState = "unknown"
)

// EvalServiceState computes the tri-state from a heartbeat. Unknown
// is returned when the package is not installed or recency was not
// reported; a transition into or out of unknown never alerts.
func EvalServiceState(appInstalled bool, fgRecentS int64, thresholdS int) ServiceState {
	if !appInstalled {
		return ServiceUnknown
	}
	if fgRecentS < 0 {
		return ServiceUnknown
	}
	if fgRecentS <= int64(thresholdS) {
		return ServiceUp
	}
	return ServiceDown
}

// LastStatus is the read-optimized projection, one row per device.
// last_ts only ever advances; stale writes are discarded by the
// store's ordering guard.
type LastStatus struct {
	DeviceID    string    `json:"device_id"`
	LastTs      time.Time `json:"last_ts"`
	BatteryPct  int       `json:"battery_pct"`
	Charging    bool      `json:"charging"`
	NetworkType string    `json:"network_type"`
	SignalDbm   int       `json:"signal_dbm"`
	UptimeS     int64     `json:"uptime_s"`
	RAMUsedMB   int       `json:"ram_used_mb"`
	// MonitoredFgRecentS keeps the raw recency so threshold changes
	// take effect on the next heartbeat without recomputation.
	MonitoredFgRecentS int64        `json:"monitored_foreground_recent_s"`
	ServiceUp          ServiceState `json:"service_up"`
	AgentVersion       string       `json:"agent_version"`
	// Monitoring config snapshot at evaluation time.
	MonitoredPackage string `json:"monitored_package"`
	ThresholdMinutes int    `json:"threshold_minutes"`
}
