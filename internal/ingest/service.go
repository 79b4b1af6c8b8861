// Package ingest implements heartbeat ingestion: validation,
// dedupe-aware dual write, and state-transition detection.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/metrics"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/store"
)

// MaxClockSkew bounds how far in the future a reported timestamp may
// be before it is clamped to server time.
const MaxClockSkew = 2 * time.Minute

// HeartbeatRequest is the agent-reported payload.
type HeartbeatRequest struct {
	Ts                 time.Time             `json:"ts"`
	BatteryPct         int                   `json:"battery_pct"`
	Charging           bool                  `json:"charging"`
	NetworkType        string                `json:"network_type"`
	SignalDbm          int                   `json:"signal_dbm"`
	UptimeS            int64                 `json:"uptime_s"`
	RAMUsedMB          int                   `json:"ram_used_mb"`
	MonitoredFgRecentS int64                 `json:"monitored_foreground_recent_s"`
	AgentVersion       string                `json:"agent_version"`
	AppVersions        map[string]AppVersion `json:"app_versions"`
}

// AppVersion is one entry of the app_versions map, keyed by package
// name. The monitored package's entry decides installed-ness for the
// service-up evaluation.
type AppVersion struct {
	Installed   bool   `json:"installed"`
	VersionCode int64  `json:"version_code"`
	VersionName string `json:"version_name"`
}

// Result reports what a write did. Accepted heartbeats answer with a
// bare 200, so this never goes over the wire; tests and transition
// logic read it.
type Result struct {
	Duplicate bool
	ServiceUp models.ServiceState
}

// Service ingests heartbeats for authenticated devices.
type Service struct {
	db         *database.DB
	heartbeats store.HeartbeatStore
	hub        *events.Hub
	// offlineAfter is the silence threshold used to detect that a
	// device came back online.
	offlineAfter time.Duration
	logger       *slog.Logger
}

// NewService creates an ingest service.
func NewService(db *database.DB, heartbeats store.HeartbeatStore, hub *events.Hub, offlineAfter time.Duration) *Service {
	return &Service{
		db:           db,
		heartbeats:   heartbeats,
		hub:          hub,
		offlineAfter: offlineAfter,
		logger:       slog.Default().With("component", "ingest"),
	}
}

func validate(req *HeartbeatRequest) error {
	var fields []fault.FieldError
	if req.Ts.IsZero() {
		fields = append(fields, fault.FieldError{Field: "ts", Reason: "required"})
	}
	if req.BatteryPct < 0 || req.BatteryPct > 100 {
		fields = append(fields, fault.FieldError{Field: "battery_pct", Reason: "must be in [0,100]"})
	}
	if req.UptimeS < 0 {
		fields = append(fields, fault.FieldError{Field: "uptime_s", Reason: "must be >= 0"})
	}
	if req.RAMUsedMB < 0 {
		fields = append(fields, fault.FieldError{Field: "ram_used_mb", Reason: "must be >= 0"})
	}
	if len(fields) > 0 {
		return fault.New(fault.CodeValidation, "invalid heartbeat").WithFields(fields...)
	}
	return nil
}

// Ingest writes one heartbeat for device. The device row comes from
// the auth middleware, so monitoring config is already loaded.
func (s *Service) Ingest(ctx context.Context, device *models.Device, req *HeartbeatRequest) (*Result, error) {
	start := time.Now()

	// Shed load before touching the pool.
	if s.db.Saturated() {
		metrics.HeartbeatsTotal.WithLabelValues("shed").Inc()
		return nil, fault.New(fault.CodeBackpressure, "heartbeat write shed, pool saturated").
			WithRetryAfter(5 * time.Second)
	}

	if err := validate(req); err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	ts := req.Ts.UTC()
	if ts.After(now.Add(MaxClockSkew)) {
		// Agents with broken clocks would otherwise poison the
		// projection's ordering guard.
		ts = now
	}

	fgRecent := req.MonitoredFgRecentS
	if fgRecent < 0 {
		fgRecent = models.FgUnknown
	}

	// Installed-ness comes from the app_versions entry for the package
	// this device monitors; a missing entry means not installed.
	appInstalled := req.AppVersions[device.MonitoredPackage].Installed

	state := models.ServiceUnknown
	if device.MonitoringEnabled {
		state = models.EvalServiceState(appInstalled, fgRecent, device.ThresholdSeconds())
	}

	hb := &models.Heartbeat{
		DeviceID:           device.ID,
		Ts:                 ts,
		BatteryPct:         req.BatteryPct,
		Charging:           req.Charging,
		NetworkType:        req.NetworkType,
		SignalDbm:          req.SignalDbm,
		UptimeS:            req.UptimeS,
		RAMUsedMB:          req.RAMUsedMB,
		MonitoredFgRecentS: fgRecent,
		AgentVersion:       req.AgentVersion,
	}
	status := &models.LastStatus{
		DeviceID:           device.ID,
		LastTs:             ts,
		BatteryPct:         req.BatteryPct,
		Charging:           req.Charging,
		NetworkType:        req.NetworkType,
		SignalDbm:          req.SignalDbm,
		UptimeS:            req.UptimeS,
		RAMUsedMB:          req.RAMUsedMB,
		MonitoredFgRecentS: fgRecent,
		ServiceUp:          state,
		AgentVersion:       req.AgentVersion,
		MonitoredPackage:   device.MonitoredPackage,
		ThresholdMinutes:   device.ThresholdMinutes,
	}

	result, err := s.heartbeats.Write(ctx, hb, status)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	elapsed := float64(time.Since(start).Milliseconds())
	metrics.HeartbeatWriteLatency.Observe(elapsed)
	if result.Duplicate {
		metrics.HeartbeatsTotal.WithLabelValues("duplicate").Inc()
	} else {
		metrics.HeartbeatsTotal.WithLabelValues("accepted").Inc()
	}

	s.publishTransitions(device, result.Previous, status, now)

	return &Result{Duplicate: result.Duplicate, ServiceUp: state}, nil
}

// publishTransitions compares the previous projection row with the new
// one and emits edge events. Transitions into or out of unknown are
// silent.
func (s *Service) publishTransitions(device *models.Device, prev, curr *models.LastStatus, now time.Time) {
	if prev == nil {
		// First heartbeat ever counts as coming online.
		metrics.StateTransitionsTotal.WithLabelValues("online").Inc()
		s.hub.Publish(events.TypeDeviceOnline, map[string]any{
			"device_id": device.ID,
			"alias":     device.Alias,
		})
		return
	}

	if now.Sub(prev.LastTs) > s.offlineAfter {
		metrics.StateTransitionsTotal.WithLabelValues("online").Inc()
		s.hub.Publish(events.TypeDeviceOnline, map[string]any{
			"device_id":    device.ID,
			"alias":        device.Alias,
			"silent_since": prev.LastTs.Format(time.RFC3339),
		})
	}

	if prev.ServiceUp == curr.ServiceUp {
		return
	}
	if prev.ServiceUp == models.ServiceUnknown || curr.ServiceUp == models.ServiceUnknown {
		return
	}

	eventType := events.TypeServiceDown
	label := "service_down"
	if curr.ServiceUp == models.ServiceUp {
		eventType = events.TypeServiceUp
		label = "service_up"
	}
	metrics.StateTransitionsTotal.WithLabelValues(label).Inc()
	s.hub.Publish(eventType, map[string]any{
		"device_id": device.ID,
		"alias":     device.Alias,
		"package":   curr.MonitoredPackage,
	})
	s.logger.Info("Service state transition",
		"device_id", device.ID, "from", prev.ServiceUp, "to", curr.ServiceUp)
}
