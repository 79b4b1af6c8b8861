package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/fault"
)

func expectLockCycle(mock sqlmock.Sqlmock, key int64, acquired bool) {
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(acquired))
	if acquired {
		mock.ExpectQuery("SELECT pg_advisory_unlock").
			WithArgs(key).
			WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))
	}
}

func TestRunNowExecutesGuardedJob(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	var runs atomic.Int32
	s := New(database.NewForTesting(db))
	s.Register(&Job{
		Name:     "alert-tick",
		Interval: time.Hour,
		LockKey:  database.LockAlertTick,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	expectLockCycle(mock, database.LockAlertTick, true)
	require.NoError(t, s.RunNow(context.Background(), "alert-tick"))
	assert.Equal(t, int32(1), runs.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSkippedWhenLockHeldElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	var runs atomic.Int32
	s := New(database.NewForTesting(db))
	s.Register(&Job{
		Name:     "reconcile",
		Interval: time.Hour,
		LockKey:  database.LockReconcile,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	expectLockCycle(mock, database.LockReconcile, false)
	require.NoError(t, s.RunNow(context.Background(), "reconcile"))
	assert.Equal(t, int32(0), runs.Load())
}

func TestRunNowUnknownJob(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(database.NewForTesting(db))
	err = s.RunNow(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotFound, fault.GetCode(err))
}

func TestJobErrorIsReleasedAndReturned(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := New(database.NewForTesting(db))
	s.Register(&Job{
		Name:     "maintenance",
		Interval: time.Hour,
		LockKey:  database.LockMaintenance,
		Run: func(context.Context) error {
			return fault.New(fault.CodeInternal, "boom")
		},
	})

	expectLockCycle(mock, database.LockMaintenance, true)
	err = s.RunNow(context.Background(), "maintenance")
	require.Error(t, err)
	// The unlock still happened.
	assert.NoError(t, mock.ExpectationsWereMet())
}
