package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/models"
)

// WriteResult reports what a heartbeat write did.
type WriteResult struct {
	// Duplicate is set when the dedupe index absorbed the insert; the
	// projection is still refreshed in that case.
	Duplicate bool
	// Previous is the projection row before this write, nil for a
	// device's first heartbeat.
	Previous *models.LastStatus
}

// HeartbeatStore owns the timeseries and its projection.
type HeartbeatStore interface {
	// Write performs the dual write: append to the day partition and
	// advance the last-status projection, in one transaction.
	Write(ctx context.Context, hb *models.Heartbeat, status *models.LastStatus) (*WriteResult, error)

	// LastStatus returns the projection row for one device.
	LastStatus(ctx context.Context, deviceID string) (*models.LastStatus, error)

	// ListLastStatus returns the whole projection, one row per device.
	ListLastStatus(ctx context.Context) ([]*models.LastStatus, error)

	// History returns raw heartbeats for a device in [from, to).
	History(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]*models.Heartbeat, error)

	// ReconcileProjection repairs projection rows that trail the
	// timeseries, returning how many rows were fixed.
	ReconcileProjection(ctx context.Context, lookback time.Duration) (int64, error)
}

type heartbeatStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewHeartbeatStore creates a heartbeat store.
func NewHeartbeatStore(db *database.DB) HeartbeatStore {
	return &heartbeatStore{
		db:     db,
		logger: slog.Default().With("component", "heartbeat-store"),
	}
}

func (s *heartbeatStore) Write(ctx context.Context, hb *models.Heartbeat, status *models.LastStatus) (*WriteResult, error) {
	minute, idx := models.DedupeBucket(hb.Ts)
	partition := models.PartitionNameFor(hb.Ts)

	result := &WriteResult{}
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		// Read the previous projection row first so callers can detect
		// state transitions.
		prev, err := scanLastStatus(tx.QueryRowContext(ctx,
			`SELECT `+lastStatusColumns+` FROM device_last_status WHERE device_id = $1 FOR UPDATE`,
			hb.DeviceID))
		if err != nil && err != sql.ErrNoRows {
			return fault.Wrap(err, fault.CodeInternal, "failed to read previous status")
		}
		if err == nil {
			result.Previous = prev
		}

		// The leaf partition carries the unique dedupe index, so the
		// insert targets it by name. ON CONFLICT DO NOTHING absorbs
		// retries within the same 10-second bucket.
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (device_id, ts, bucket_minute, bucket_idx,
				battery_pct, charging, network_type, signal_dbm, uptime_s,
				ram_used_mb, monitored_fg_recent_s, agent_version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (device_id, bucket_minute, bucket_idx) DO NOTHING`, partition),
			hb.DeviceID, hb.Ts.UTC(), minute, idx,
			hb.BatteryPct, hb.Charging, hb.NetworkType, hb.SignalDbm, hb.UptimeS,
			hb.RAMUsedMB, hb.MonitoredFgRecentS, hb.AgentVersion)
		if err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to insert heartbeat")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to read rows affected")
		}
		result.Duplicate = n == 0

		// The ordering guard makes out-of-order arrivals harmless:
		// last_ts only advances.
		_, err = tx.ExecContext(ctx,
			`INSERT INTO device_last_status (device_id, last_ts, battery_pct,
				charging, network_type, signal_dbm, uptime_s, ram_used_mb,
				monitored_fg_recent_s, service_up, agent_version,
				monitored_package, threshold_minutes, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
			 ON CONFLICT (device_id) DO UPDATE SET
				last_ts = EXCLUDED.last_ts,
				battery_pct = EXCLUDED.battery_pct,
				charging = EXCLUDED.charging,
				network_type = EXCLUDED.network_type,
				signal_dbm = EXCLUDED.signal_dbm,
				uptime_s = EXCLUDED.uptime_s,
				ram_used_mb = EXCLUDED.ram_used_mb,
				monitored_fg_recent_s = EXCLUDED.monitored_fg_recent_s,
				service_up = EXCLUDED.service_up,
				agent_version = EXCLUDED.agent_version,
				monitored_package = EXCLUDED.monitored_package,
				threshold_minutes = EXCLUDED.threshold_minutes,
				updated_at = now()
			 WHERE device_last_status.last_ts < EXCLUDED.last_ts`,
			status.DeviceID, status.LastTs.UTC(), status.BatteryPct,
			status.Charging, status.NetworkType, status.SignalDbm, status.UptimeS,
			status.RAMUsedMB, status.MonitoredFgRecentS, status.ServiceUp,
			status.AgentVersion, status.MonitoredPackage, status.ThresholdMinutes)
		if err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to upsert last status")
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE devices SET last_heartbeat_at = $2 WHERE id = $1 AND
				(last_heartbeat_at IS NULL OR last_heartbeat_at < $2)`,
			hb.DeviceID, hb.Ts.UTC())
		if err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to stamp device heartbeat time")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

const lastStatusColumns = `device_id, last_ts, battery_pct, charging, network_type,
	signal_dbm, uptime_s, ram_used_mb, monitored_fg_recent_s, service_up,
	agent_version, monitored_package, threshold_minutes`

func scanLastStatus(row interface{ Scan(...any) error }) (*models.LastStatus, error) {
	ls := &models.LastStatus{}
	err := row.Scan(
		&ls.DeviceID, &ls.LastTs, &ls.BatteryPct, &ls.Charging, &ls.NetworkType,
		&ls.SignalDbm, &ls.UptimeS, &ls.RAMUsedMB, &ls.MonitoredFgRecentS,
		&ls.ServiceUp, &ls.AgentVersion, &ls.MonitoredPackage, &ls.ThresholdMinutes,
	)
	if err != nil {
		return nil, err
	}
	return ls, nil
}

func (s *heartbeatStore) LastStatus(ctx context.Context, deviceID string) (*models.LastStatus, error) {
	ls, err := scanLastStatus(s.db.QueryRowContext(ctx,
		`SELECT `+lastStatusColumns+` FROM device_last_status WHERE device_id = $1`,
		deviceID))
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeNotFound, "no status for device %s", deviceID)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to read last status")
	}
	return ls, nil
}

func (s *heartbeatStore) ListLastStatus(ctx context.Context) ([]*models.LastStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lastStatusColumns+` FROM device_last_status ORDER BY device_id`)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to list last status")
	}
	defer rows.Close()

	var out []*models.LastStatus
	for rows.Next() {
		ls, err := scanLastStatus(rows)
		if err != nil {
			return nil, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan status row")
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

func (s *heartbeatStore) History(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]*models.Heartbeat, error) {
	if limit <= 0 || limit > 5000 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, ts, battery_pct, charging, network_type, signal_dbm,
			uptime_s, ram_used_mb, monitored_fg_recent_s, agent_version
		 FROM device_heartbeats
		 WHERE device_id = $1 AND ts >= $2 AND ts < $3
		 ORDER BY ts DESC LIMIT $4`,
		deviceID, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to query heartbeat history")
	}
	defer rows.Close()

	var out []*models.Heartbeat
	for rows.Next() {
		hb := &models.Heartbeat{}
		if err := rows.Scan(&hb.DeviceID, &hb.Ts, &hb.BatteryPct, &hb.Charging,
			&hb.NetworkType, &hb.SignalDbm, &hb.UptimeS, &hb.RAMUsedMB,
			&hb.MonitoredFgRecentS, &hb.AgentVersion); err != nil {
			return nil, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan heartbeat row")
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}

// ReconcileProjection re-derives projection rows whose last_ts trails
// the newest heartbeat within the lookback window. The scan is bounded
// so a single run never walks the whole history.
func (s *heartbeatStore) ReconcileProjection(ctx context.Context, lookback time.Duration) (int64, error) {
	since := time.Now().UTC().Add(-lookback)

	res, err := s.db.ExecContext(ctx,
		`WITH latest AS (
			SELECT DISTINCT ON (device_id) device_id, ts, battery_pct, charging,
				network_type, signal_dbm, uptime_s, ram_used_mb,
				monitored_fg_recent_s, agent_version
			FROM device_heartbeats
			WHERE ts >= $1
			ORDER BY device_id, ts DESC
			LIMIT 5000
		)
		UPDATE device_last_status dls SET
			last_ts = l.ts,
			battery_pct = l.battery_pct,
			charging = l.charging,
			network_type = l.network_type,
			signal_dbm = l.signal_dbm,
			uptime_s = l.uptime_s,
			ram_used_mb = l.ram_used_mb,
			monitored_fg_recent_s = l.monitored_fg_recent_s,
			agent_version = l.agent_version,
			updated_at = now()
		FROM latest l
		WHERE dls.device_id = l.device_id AND dls.last_ts < l.ts`,
		since)
	if err != nil {
		return 0, fault.Wrap(err, fault.CodeInternal, "failed to reconcile projection")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Wrap(err, fault.CodeInternal, "failed to read rows affected")
	}
	if n > 0 {
		s.logger.Warn("Projection drift repaired", "rows", n)
	}
	return n, nil
}
