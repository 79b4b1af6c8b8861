package store

import (
	"context"
	"log/slog"
	"time"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/models"
)

// AlertStore persists the per-(device, condition) alert state machine.
type AlertStore interface {
	// ListFiring returns all states currently in the firing phase.
	ListFiring(ctx context.Context) ([]*models.AlertState, error)

	// GetAll returns every alert state keyed by device then condition.
	GetAll(ctx context.Context) (map[string]map[models.Condition]*models.AlertState, error)

	// Raise flips a state to firing and arms the cooldown.
	Raise(ctx context.Context, deviceID string, cond models.Condition, value float64, now time.Time, cooldown time.Duration) error

	// Recover flips a state back to ok. The cooldown stays armed so a
	// flapping device cannot re-raise immediately.
	Recover(ctx context.Context, deviceID string, cond models.Condition, now time.Time) error

	// BumpViolations advances the consecutive-violation counter
	// without raising, returning the new count.
	BumpViolations(ctx context.Context, deviceID string, cond models.Condition, value float64, now time.Time) (int, error)

	// ResetViolations zeroes the consecutive-violation counter.
	ResetViolations(ctx context.Context, deviceID string, cond models.Condition, now time.Time) error
}

type alertStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewAlertStore creates an alert store.
func NewAlertStore(db *database.DB) AlertStore {
	return &alertStore{
		db:     db,
		logger: slog.Default().With("component", "alert-store"),
	}
}

const alertColumns = `device_id, condition, phase, last_raised, last_recovered,
	cooldown_until, consecutive_violations, last_value, updated_at`

func scanAlertState(row interface{ Scan(...any) error }) (*models.AlertState, error) {
	st := &models.AlertState{}
	err := row.Scan(&st.DeviceID, &st.Condition, &st.Phase, &st.LastRaised,
		&st.LastRecovered, &st.CooldownUntil, &st.ConsecutiveViolations,
		&st.LastValue, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *alertStore) ListFiring(ctx context.Context) ([]*models.AlertState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alert_states WHERE phase = 'firing'
		 ORDER BY device_id, condition`)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to list firing alerts")
	}
	defer rows.Close()

	var out []*models.AlertState
	for rows.Next() {
		st, err := scanAlertState(rows)
		if err != nil {
			return nil, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan alert state")
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *alertStore) GetAll(ctx context.Context) (map[string]map[models.Condition]*models.AlertState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alert_states`)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to list alert states")
	}
	defer rows.Close()

	out := make(map[string]map[models.Condition]*models.AlertState)
	for rows.Next() {
		st, err := scanAlertState(rows)
		if err != nil {
			return nil, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan alert state")
		}
		byCond, ok := out[st.DeviceID]
		if !ok {
			byCond = make(map[models.Condition]*models.AlertState)
			out[st.DeviceID] = byCond
		}
		byCond[st.Condition] = st
	}
	return out, rows.Err()
}

func (s *alertStore) Raise(ctx context.Context, deviceID string, cond models.Condition, value float64, now time.Time, cooldown time.Duration) error {
	utc := now.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_states (device_id, condition, phase, last_raised,
			cooldown_until, consecutive_violations, last_value, updated_at)
		 VALUES ($1, $2, 'firing', $3, $4, 1, $5, $3)
		 ON CONFLICT (device_id, condition) DO UPDATE SET
			phase = 'firing',
			last_raised = EXCLUDED.last_raised,
			cooldown_until = EXCLUDED.cooldown_until,
			consecutive_violations = alert_states.consecutive_violations + 1,
			last_value = EXCLUDED.last_value,
			updated_at = EXCLUDED.updated_at`,
		deviceID, cond, utc, utc.Add(cooldown), value)
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to raise alert")
	}
	return nil
}

// Recover keeps cooldown_until in place so a flapping device cannot
// re-raise immediately after recovering.
func (s *alertStore) Recover(ctx context.Context, deviceID string, cond models.Condition, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_states SET phase = 'ok', last_recovered = $3,
			consecutive_violations = 0, updated_at = $3
		 WHERE device_id = $1 AND condition = $2 AND phase = 'firing'`,
		deviceID, cond, now.UTC())
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to recover alert")
	}
	return nil
}

func (s *alertStore) BumpViolations(ctx context.Context, deviceID string, cond models.Condition, value float64, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO alert_states (device_id, condition, phase,
			consecutive_violations, last_value, updated_at)
		 VALUES ($1, $2, 'ok', 1, $3, $4)
		 ON CONFLICT (device_id, condition) DO UPDATE SET
			consecutive_violations = alert_states.consecutive_violations + 1,
			last_value = EXCLUDED.last_value,
			updated_at = EXCLUDED.updated_at
		 RETURNING consecutive_violations`,
		deviceID, cond, value, now.UTC()).Scan(&count)
	if err != nil {
		return 0, fault.Wrap(err, fault.CodeInternal, "failed to bump violations")
	}
	return count, nil
}

func (s *alertStore) ResetViolations(ctx context.Context, deviceID string, cond models.Condition, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_states SET consecutive_violations = 0, updated_at = $3
		 WHERE device_id = $1 AND condition = $2 AND consecutive_violations > 0`,
		deviceID, cond, now.UTC())
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to reset violations")
	}
	return nil
}
