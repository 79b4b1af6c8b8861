package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewForTesting(sqlDB), mock
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("postgres://localhost/droidfleet")

	assert.Equal(t, 50, cfg.MaxOpenConns)
	assert.Equal(t, 10, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, time.Minute, cfg.ConnMaxIdleTime)
	assert.Equal(t, 30*time.Second, cfg.QueryTimeout)
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{"nil config", nil},
		{"missing DSN", &Config{MaxOpenConns: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestTransactionCommits(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE devices").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := db.Transaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(), "UPDATE devices SET alias = 'x'")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := db.Transaction(context.Background(), func(*sql.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionPanicPropagates(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.PanicsWithValue(t, "boom", func() {
		_ = db.Transaction(context.Background(), func(*sql.Tx) error { panic("boom") })
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolHealthSnapshot(t *testing.T) {
	db, _ := newMockDB(t)

	health := db.Health()
	assert.Equal(t, 50, health.MaxOpen)
	assert.Zero(t, health.UtilizationPct)
	assert.False(t, db.Saturated())
}

func TestUtilizationGuardsZeroCapacity(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := &DB{DB: sqlDB, config: &Config{}}
	assert.Zero(t, db.UtilizationPct())
	assert.False(t, db.Saturated())
}

func TestTryAdvisoryLockHeldElsewhere(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(LockReconcile).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	lock, err := db.TryAdvisoryLock(context.Background(), LockReconcile)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestAdvisoryLockAcquireAndRelease(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(LockMaintenance).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock").
		WithArgs(LockMaintenance).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	lock, err := db.TryAdvisoryLock(context.Background(), LockMaintenance)
	require.NoError(t, err)
	require.NotNil(t, lock)

	require.NoError(t, lock.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseNilLockIsSafe(t *testing.T) {
	var lock *AdvisoryLock
	assert.NoError(t, lock.Release(context.Background()))
}
