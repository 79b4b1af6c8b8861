package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/models"
)

func TestAlertRaiseArmsCooldown(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewAlertStore(database.NewForTesting(db))
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO alert_states`).
		WithArgs("dev-1", models.CondOffline, now, now.Add(30*time.Minute), 31.5).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.Raise(context.Background(), "dev-1", models.CondOffline, 31.5, now, 30*time.Minute)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertRecoverLeavesCooldownArmed(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewAlertStore(database.NewForTesting(db))
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	// The full SET list is pinned: cooldown_until must not appear in it.
	mock.ExpectExec(`UPDATE alert_states SET phase = 'ok', last_recovered = \$3, consecutive_violations = 0, updated_at = \$3 WHERE device_id = \$1 AND condition = \$2 AND phase = 'firing'`).
		WithArgs("dev-1", models.CondOffline, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Recover(context.Background(), "dev-1", models.CondOffline, now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertBumpViolationsReturnsCount(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewAlertStore(database.NewForTesting(db))

	mock.ExpectQuery(`INSERT INTO alert_states .* RETURNING consecutive_violations`).
		WithArgs("dev-1", models.CondServiceDown, 0.0, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"consecutive_violations"}).AddRow(2))

	count, err := s.BumpViolations(context.Background(), "dev-1", models.CondServiceDown, 0, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertListFiring(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewAlertStore(database.NewForTesting(db))
	raised := time.Date(2026, 8, 24, 9, 40, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM alert_states WHERE phase = 'firing'`).
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "condition", "phase",
			"last_raised", "last_recovered", "cooldown_until",
			"consecutive_violations", "last_value", "updated_at"}).
			AddRow("dev-1", "offline", "firing", raised, nil, raised.Add(30*time.Minute), 1, 22.0, raised))

	firing, err := s.ListFiring(context.Background())
	require.NoError(t, err)
	require.Len(t, firing, 1)
	assert.Equal(t, models.CondOffline, firing[0].Condition)
	assert.Equal(t, models.AlertFiring, firing[0].Phase)
	require.NotNil(t, firing[0].CooldownUntil)
	assert.True(t, firing[0].InCooldown(raised.Add(10*time.Minute)))
	assert.False(t, firing[0].InCooldown(raised.Add(time.Hour)))
}
