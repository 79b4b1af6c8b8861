// Package store contains the data access layer. Each store is an
// interface backed by an unexported struct over database/sql.
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/models"
)

// DeviceStore defines device registry access.
type DeviceStore interface {
	// List returns devices ordered by alias.
	List(ctx context.Context, opts ListOptions) ([]*models.Device, error)

	// Get returns a single device by ID.
	Get(ctx context.Context, id string) (*models.Device, error)

	// GetByTokenID looks up a device by its indexed token prefix.
	GetByTokenID(ctx context.Context, tokenID string) (*models.Device, error)

	// Create adds a new device.
	Create(ctx context.Context, device *models.Device) error

	// Update modifies monitoring configuration and push token.
	Update(ctx context.Context, device *models.Device) error

	// RevokeToken marks the device token revoked as of now.
	RevokeToken(ctx context.Context, id string, now time.Time) error

	// RotateToken installs a freshly minted credential.
	RotateToken(ctx context.Context, id, tokenID, tokenHash string) error

	// Delete removes a device and all dependent rows.
	Delete(ctx context.Context, id string) error

	// SelectTargets resolves a target spec to reachable devices in a
	// single read. Devices without a push token are excluded. The
	// online filter keeps devices heard from since onlineSince.
	SelectTargets(ctx context.Context, spec *models.TargetSpec, onlineSince time.Time) ([]*models.Target, error)
}

// ListOptions contains pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

type deviceStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewDeviceStore creates a device store.
func NewDeviceStore(db *database.DB) DeviceStore {
	return &deviceStore{
		db:     db,
		logger: slog.Default().With("component", "device-store"),
	}
}

const deviceColumns = `id, alias, token_id, token_hash, token_revoked_at, push_token,
	monitored_package, monitored_name, threshold_minutes, monitoring_enabled,
	device_owner_mode, last_heartbeat_at, created_at, updated_at`

func scanDevice(row interface{ Scan(...any) error }) (*models.Device, error) {
	d := &models.Device{}
	err := row.Scan(
		&d.ID, &d.Alias, &d.TokenID, &d.TokenHash, &d.TokenRevokedAt, &d.PushToken,
		&d.MonitoredPackage, &d.MonitoredName, &d.ThresholdMinutes, &d.MonitoringEnabled,
		&d.DeviceOwnerMode, &d.LastHeartbeatAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *deviceStore) List(ctx context.Context, opts ListOptions) ([]*models.Device, error) {
	if opts.Limit <= 0 || opts.Limit > 2000 {
		opts.Limit = 2000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY alias LIMIT $1 OFFSET $2`,
		opts.Limit, opts.Offset)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to list devices")
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan device row")
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to iterate device rows")
	}
	return devices, nil
}

func (s *deviceStore) Get(ctx context.Context, id string) (*models.Device, error) {
	if id == "" {
		return nil, fault.New(fault.CodeValidation, "device ID is required")
	}

	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeNotFound, "device %s not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to get device")
	}
	return d, nil
}

func (s *deviceStore) GetByTokenID(ctx context.Context, tokenID string) (*models.Device, error) {
	if tokenID == "" {
		return nil, fault.New(fault.CodeAuthFailure, "token is required")
	}

	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE token_id = $1`, tokenID))
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.CodeAuthFailure, "unknown token")
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to look up token")
	}
	return d, nil
}

func (s *deviceStore) Create(ctx context.Context, device *models.Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, alias, token_id, token_hash, push_token,
			monitored_package, monitored_name, threshold_minutes,
			monitoring_enabled, device_owner_mode)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		device.ID, device.Alias, device.TokenID, device.TokenHash, device.PushToken,
		device.MonitoredPackage, device.MonitoredName, device.ThresholdMinutes,
		device.MonitoringEnabled, device.DeviceOwnerMode)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Newf(fault.CodeConflict, "device alias %q already exists", device.Alias)
		}
		return fault.Wrap(err, fault.CodeInternal, "failed to create device")
	}

	s.logger.Info("Device registered", "device_id", device.ID, "alias", device.Alias)
	return nil
}

func (s *deviceStore) Update(ctx context.Context, device *models.Device) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET alias = $2, push_token = $3, monitored_package = $4,
			monitored_name = $5, threshold_minutes = $6, monitoring_enabled = $7,
			device_owner_mode = $8, updated_at = now()
		 WHERE id = $1`,
		device.ID, device.Alias, device.PushToken, device.MonitoredPackage,
		device.MonitoredName, device.ThresholdMinutes, device.MonitoringEnabled,
		device.DeviceOwnerMode)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Newf(fault.CodeConflict, "device alias %q already exists", device.Alias)
		}
		return fault.Wrap(err, fault.CodeInternal, "failed to update device")
	}
	return requireRowAffected(res, "device", device.ID)
}

func (s *deviceStore) RevokeToken(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET token_revoked_at = $2, updated_at = now() WHERE id = $1`,
		id, now.UTC())
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to revoke token")
	}
	return requireRowAffected(res, "device", id)
}

func (s *deviceStore) RotateToken(ctx context.Context, id, tokenID, tokenHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET token_id = $2, token_hash = $3, token_revoked_at = NULL,
			updated_at = now()
		 WHERE id = $1`,
		id, tokenID, tokenHash)
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to rotate token")
	}
	return requireRowAffected(res, "device", id)
}

func (s *deviceStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to delete device")
	}
	return requireRowAffected(res, "device", id)
}

func (s *deviceStore) SelectTargets(ctx context.Context, spec *models.TargetSpec, onlineSince time.Time) ([]*models.Target, error) {
	if err := spec.Validate(); err != nil {
		return nil, fault.Wrap(err, fault.CodeValidation, "invalid target spec")
	}

	const base = `SELECT id, alias, push_token FROM devices WHERE push_token <> ''`
	var (
		query string
		args  []any
	)
	switch {
	case len(spec.DeviceIDs) > 0:
		query = base + ` AND id = ANY($1) ORDER BY alias`
		args = append(args, pqStringArray(spec.DeviceIDs))
	case len(spec.Aliases) > 0:
		query = base + ` AND alias = ANY($1) ORDER BY alias`
		args = append(args, pqStringArray(spec.Aliases))
	case spec.Filter != nil && spec.Filter.Online:
		query = base + ` AND last_heartbeat_at >= $1 ORDER BY alias`
		args = append(args, onlineSince.UTC())
	default: // all, or a filter with no predicates
		query = base + ` ORDER BY alias`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to resolve bulk targets")
	}
	defer rows.Close()

	var out []*models.Target
	for rows.Next() {
		t := &models.Target{}
		if err := rows.Scan(&t.ID, &t.Alias, &t.PushToken); err != nil {
			return nil, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan bulk target")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
