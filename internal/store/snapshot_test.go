package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/fault"
)

func TestSnapshotCreate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewSnapshotStore(database.NewForTesting(db))
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO device_selection_snapshots`).
		WithArgs(sqlmock.AnyArg(), []byte(`["dev-1","dev-2"]`), now, now.Add(SnapshotTTL)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	snap, err := s.Create(context.Background(), []string{"dev-1", "dev-2"}, now)
	require.NoError(t, err)
	_, err = uuid.Parse(snap.ID)
	assert.NoError(t, err)
	assert.Equal(t, now.Add(SnapshotTTL), snap.ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotCreateRejectsEmptySelection(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSnapshotStore(database.NewForTesting(db))

	_, err = s.Create(context.Background(), nil, time.Now())
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidation, fault.GetCode(err))
}

func TestSnapshotGetDecodesSelection(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewSnapshotStore(database.NewForTesting(db))
	now := time.Now().UTC()
	id := uuid.NewString()

	mock.ExpectQuery(`FROM device_selection_snapshots WHERE id = \$1 AND expires_at > \$2`).
		WithArgs(id, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_ids", "created_at", "expires_at"}).
			AddRow(id, []byte(`["dev-1","dev-3"]`), now.Add(-time.Minute), now.Add(14*time.Minute)))

	snap, err := s.Get(context.Background(), id, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-1", "dev-3"}, snap.DeviceIDs)
}

func TestSnapshotGetExpired(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewSnapshotStore(database.NewForTesting(db))

	// Expiry is enforced in the WHERE clause, so expired and missing
	// snapshots are indistinguishable.
	mock.ExpectQuery(`FROM device_selection_snapshots`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = s.Get(context.Background(), uuid.NewString(), time.Now())
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotFound, fault.GetCode(err))
}

func TestSnapshotPruneExpired(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	s := NewSnapshotStore(database.NewForTesting(db))

	mock.ExpectExec(`DELETE FROM device_selection_snapshots WHERE expires_at <= \$1`).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.PruneExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
