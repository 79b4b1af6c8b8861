package alert

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"droidfleet.sh/internal/config"
	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/metrics"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/store"
)

const (
	// TickInterval is the evaluation period.
	TickInterval = 60 * time.Second
	// rollupAliasLimit caps how many aliases a roll-up names.
	rollupAliasLimit = 20
	// consecutiveRequired is the tick count for the opt-in
	// service-down debounce.
	consecutiveRequired = 2
)

// Remediator dispatches remediation commands. Satisfied by the
// command dispatcher.
type Remediator interface {
	Send(ctx context.Context, deviceID string, action models.Action, params map[string]string) (*models.Dispatch, error)
}

// Engine evaluates all alert conditions once per tick.
type Engine struct {
	cfg        *config.Config
	devices    store.DeviceStore
	heartbeats store.HeartbeatStore
	alerts     store.AlertStore
	notifier   Notifier
	remediator Remediator
	hub        *events.Hub
	// limiter is the global notification cap shared by every
	// condition.
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewEngine creates an alert engine.
func NewEngine(cfg *config.Config, devices store.DeviceStore, heartbeats store.HeartbeatStore, alerts store.AlertStore, notifier Notifier, remediator Remediator, hub *events.Hub) *Engine {
	perSecond := rate.Limit(float64(cfg.AlertGlobalCapPerMin) / 60.0)
	return &Engine{
		cfg:        cfg,
		devices:    devices,
		heartbeats: heartbeats,
		alerts:     alerts,
		notifier:   notifier,
		remediator: remediator,
		hub:        hub,
		limiter:    rate.NewLimiter(perSecond, cfg.AlertGlobalCapPerMin),
		logger:     slog.Default().With("component", "alert-engine"),
	}
}

// raiseCandidate is one violated (device, condition) pair found in a
// tick, after the cooldown gate.
type raiseCandidate struct {
	device *models.Device
	cond   models.Condition
	value  float64
}

// Tick evaluates every device against every condition. The caller
// holds the advisory lock, so at most one instance evaluates at once.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	statuses, err := e.heartbeats.ListLastStatus(ctx)
	if err != nil {
		return err
	}
	devices, err := e.devices.List(ctx, store.ListOptions{})
	if err != nil {
		return err
	}
	states, err := e.alerts.GetAll(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]*models.LastStatus, len(statuses))
	for _, st := range statuses {
		byID[st.DeviceID] = st
	}

	var raises []raiseCandidate
	for _, device := range devices {
		status := byID[device.ID]
		if status == nil {
			// Never heartbeated: nothing to evaluate yet.
			continue
		}
		for _, cond := range []models.Condition{models.CondOffline, models.CondLowBattery, models.CondServiceDown} {
			candidate := e.evalCondition(ctx, device, status, states, cond, now)
			if candidate != nil {
				raises = append(raises, *candidate)
			}
		}
	}

	e.notifyRaises(ctx, raises, now)
	return nil
}

// evalCondition runs one (device, condition) through the state
// machine: recover, debounce, cooldown, raise. Returns a candidate
// when a notification should go out.
func (e *Engine) evalCondition(ctx context.Context, device *models.Device, status *models.LastStatus, states map[string]map[models.Condition]*models.AlertState, cond models.Condition, now time.Time) *raiseCandidate {
	violated, value, known := e.predicate(device, status, cond, now)

	var state *models.AlertState
	if byCond, ok := states[device.ID]; ok {
		state = byCond[cond]
	}
	firing := state != nil && state.Phase == models.AlertFiring

	// Unknown never raises and never recovers.
	if !known {
		return nil
	}

	if !violated {
		if firing {
			if err := e.alerts.Recover(ctx, device.ID, cond, now); err != nil {
				e.logger.Error("Failed to recover alert",
					"device_id", device.ID, "condition", cond, "error", err)
				return nil
			}
			metrics.AlertsRecoveredTotal.WithLabelValues(string(cond)).Inc()
			e.hub.Publish(events.TypeAlertRecovered, map[string]any{
				"device_id": device.ID, "alias": device.Alias, "condition": string(cond),
			})
			e.notify(ctx, &Notification{
				Kind: "recovered", Condition: string(cond),
				DeviceID: device.ID, Alias: device.Alias,
				Message: device.Alias + " recovered: " + string(cond),
				Ts:      now.UTC().Format(time.RFC3339),
			})
		} else if state != nil && state.ConsecutiveViolations > 0 {
			if err := e.alerts.ResetViolations(ctx, device.ID, cond, now); err != nil {
				e.logger.Error("Failed to reset violation counter",
					"device_id", device.ID, "condition", cond, "error", err)
			}
		}
		return nil
	}

	if firing {
		// Already raised; nothing new to say until it recovers.
		metrics.AlertDedupeHits.Inc()
		return nil
	}

	// Opt-in debounce for the monitored-app condition.
	if cond == models.CondServiceDown && e.cfg.UnityDownRequireConsecutive {
		count, err := e.alerts.BumpViolations(ctx, device.ID, cond, value, now)
		if err != nil {
			e.logger.Error("Failed to bump violation counter",
				"device_id", device.ID, "condition", cond, "error", err)
			return nil
		}
		if count < consecutiveRequired {
			return nil
		}
	}

	if state != nil && state.InCooldown(now) {
		metrics.AlertDedupeHits.Inc()
		return nil
	}

	if err := e.alerts.Raise(ctx, device.ID, cond, value, now, e.cfg.CooldownDuration()); err != nil {
		e.logger.Error("Failed to raise alert",
			"device_id", device.ID, "condition", cond, "error", err)
		return nil
	}
	metrics.AlertsRaisedTotal.WithLabelValues(string(cond)).Inc()
	e.hub.Publish(events.TypeAlertRaised, map[string]any{
		"device_id": device.ID, "alias": device.Alias,
		"condition": string(cond), "value": value,
	})
	if cond == models.CondOffline {
		// The ingest path announces device.online on return; going dark
		// is only observable here.
		e.hub.Publish(events.TypeDeviceOffline, map[string]any{
			"device_id": device.ID, "alias": device.Alias, "silent_minutes": value,
		})
	}
	e.remediate(ctx, device, cond)

	return &raiseCandidate{device: device, cond: cond, value: value}
}

// predicate evaluates one condition. known is false when the inputs
// cannot support a verdict either way.
func (e *Engine) predicate(device *models.Device, status *models.LastStatus, cond models.Condition, now time.Time) (violated bool, value float64, known bool) {
	switch cond {
	case models.CondOffline:
		silence := now.Sub(status.LastTs)
		return silence > e.cfg.OfflineAfter(), silence.Minutes(), true

	case models.CondLowBattery:
		// A charging device below threshold is recovering on its own.
		violated = status.BatteryPct < e.cfg.AlertLowBatteryPct && !status.Charging
		return violated, float64(status.BatteryPct), true

	case models.CondServiceDown:
		if !device.MonitoringEnabled {
			return false, 0, false
		}
		switch status.ServiceUp {
		case models.ServiceDown:
			return true, float64(status.MonitoredFgRecentS), true
		case models.ServiceUp:
			return false, float64(status.MonitoredFgRecentS), true
		default:
			return false, 0, false
		}
	}
	return false, 0, false
}

// notifyRaises delivers the tick's raise notifications, rolling up
// per-condition floods.
func (e *Engine) notifyRaises(ctx context.Context, raises []raiseCandidate, now time.Time) {
	byCond := make(map[models.Condition][]raiseCandidate)
	for _, r := range raises {
		byCond[r.cond] = append(byCond[r.cond], r)
	}

	for cond, group := range byCond {
		if len(group) > e.cfg.AlertRollupThreshold {
			sort.Slice(group, func(i, j int) bool {
				return group[i].device.Alias < group[j].device.Alias
			})
			aliases := make([]string, 0, rollupAliasLimit)
			for i, r := range group {
				if i == rollupAliasLimit {
					break
				}
				aliases = append(aliases, r.device.Alias)
			}
			more := len(group) - len(aliases)
			metrics.AlertRollupsTotal.Inc()
			e.notify(ctx, &Notification{
				Kind: "rollup", Condition: string(cond),
				Aliases: aliases, More: more,
				Message: rollupMessage(string(cond), len(group), aliases, more),
				Ts:      now.UTC().Format(time.RFC3339),
			})
			continue
		}

		for _, r := range group {
			e.notify(ctx, &Notification{
				Kind: "raised", Condition: string(cond),
				DeviceID: r.device.ID, Alias: r.device.Alias, Value: r.value,
				Message: r.device.Alias + ": " + string(cond),
				Ts:      now.UTC().Format(time.RFC3339),
			})
		}
	}
}

// notify applies the global cap, then delivers.
func (e *Engine) notify(ctx context.Context, n *Notification) {
	if !e.limiter.Allow() {
		metrics.AlertRateLimited.Inc()
		e.logger.Warn("Notification dropped by global cap",
			"kind", n.Kind, "condition", n.Condition)
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Error("Notification delivery failed",
			"kind", n.Kind, "condition", n.Condition, "error", err)
	}
}

// remediate fires the optional self-healing command for a raise.
func (e *Engine) remediate(ctx context.Context, device *models.Device, cond models.Condition) {
	if !e.cfg.AlertsEnableAutoRemediate || e.remediator == nil {
		return
	}

	var action models.Action
	switch cond {
	case models.CondOffline:
		action = models.ActionPing
	case models.CondServiceDown:
		action = models.ActionLaunchApp
	default:
		return
	}

	if _, err := e.remediator.Send(ctx, device.ID, action, nil); err != nil {
		e.logger.Error("Auto-remediation dispatch failed",
			"device_id", device.ID, "condition", cond, "action", action, "error", err)
		return
	}
	e.logger.Info("Auto-remediation dispatched",
		"device_id", device.ID, "condition", cond, "action", action)
}
