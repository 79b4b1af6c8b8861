package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/models"
)

func targetRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "alias", "push_token"})
}

func TestSelectTargetsAll(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewDeviceStore(database.NewForTesting(db))

	mock.ExpectQuery(`SELECT id, alias, push_token FROM devices WHERE push_token <> '' ORDER BY alias`).
		WillReturnRows(targetRows().
			AddRow("dev-2", "kiosk-01", "pt-2").
			AddRow("dev-1", "kiosk-02", "pt-1"))

	targets, err := s.SelectTargets(context.Background(), &models.TargetSpec{All: true}, time.Now())
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "kiosk-01", targets[0].Alias)
	assert.Equal(t, "pt-2", targets[0].PushToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectTargetsByIDs(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewDeviceStore(database.NewForTesting(db))

	mock.ExpectQuery(`WHERE push_token <> '' AND id = ANY\(\$1\) ORDER BY alias`).
		WithArgs(pq.StringArray{"dev-1", "dev-3"}).
		WillReturnRows(targetRows().AddRow("dev-1", "kiosk-01", "pt-1"))

	spec := &models.TargetSpec{DeviceIDs: []string{"dev-1", "dev-3"}}
	targets, err := s.SelectTargets(context.Background(), spec, time.Now())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "dev-1", targets[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectTargetsByAliases(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewDeviceStore(database.NewForTesting(db))

	mock.ExpectQuery(`WHERE push_token <> '' AND alias = ANY\(\$1\) ORDER BY alias`).
		WithArgs(pq.StringArray{"kiosk-01"}).
		WillReturnRows(targetRows().AddRow("dev-1", "kiosk-01", "pt-1"))

	spec := &models.TargetSpec{Aliases: []string{"kiosk-01"}}
	targets, err := s.SelectTargets(context.Background(), spec, time.Now())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectTargetsOnlineFilter(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewDeviceStore(database.NewForTesting(db))
	since := time.Date(2026, 8, 24, 9, 50, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE push_token <> '' AND last_heartbeat_at >= \$1 ORDER BY alias`).
		WithArgs(since).
		WillReturnRows(targetRows())

	spec := &models.TargetSpec{Filter: &models.TargetFilter{Online: true}}
	targets, err := s.SelectTargets(context.Background(), spec, since)
	require.NoError(t, err)
	assert.Empty(t, targets)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectTargetsValidatesSpec(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewDeviceStore(database.NewForTesting(db))

	// Two variants at once never reaches the database.
	spec := &models.TargetSpec{All: true, Aliases: []string{"kiosk-01"}}
	_, err = s.SelectTargets(context.Background(), spec, time.Now())
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidation, fault.GetCode(err))
}

func TestCreateDuplicateAlias(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewDeviceStore(database.NewForTesting(db))

	mock.ExpectExec(`INSERT INTO devices`).
		WillReturnError(&pqUniqueErr)

	err = s.Create(context.Background(), &models.Device{ID: "dev-9", Alias: "kiosk-01"})
	require.Error(t, err)
	assert.Equal(t, fault.CodeConflict, fault.GetCode(err))
	assert.Contains(t, err.Error(), "kiosk-01")
}

func TestGetByTokenIDUnknown(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewDeviceStore(database.NewForTesting(db))

	mock.ExpectQuery(`FROM devices WHERE token_id = \$1`).
		WithArgs("tid-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = s.GetByTokenID(context.Background(), "tid-missing")
	require.Error(t, err)
	assert.Equal(t, fault.CodeAuthFailure, fault.GetCode(err))
}

func TestRevokeTokenUnknownDevice(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewDeviceStore(database.NewForTesting(db))

	mock.ExpectExec(`UPDATE devices SET token_revoked_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.RevokeToken(context.Background(), "dev-missing", time.Now())
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotFound, fault.GetCode(err))
}
