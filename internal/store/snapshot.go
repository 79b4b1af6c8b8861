package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/models"
)

// SnapshotTTL is how long a frozen selection stays usable.
const SnapshotTTL = 15 * time.Minute

// SnapshotStore freezes device selections for bulk operations.
type SnapshotStore interface {
	// Create freezes a device id list and returns the snapshot.
	Create(ctx context.Context, deviceIDs []string, now time.Time) (*models.SelectionSnapshot, error)

	// Get returns a snapshot; expired snapshots come back not_found.
	Get(ctx context.Context, id string, now time.Time) (*models.SelectionSnapshot, error)

	// PruneExpired removes snapshots past their expiry.
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

type snapshotStore struct {
	db *database.DB
}

// NewSnapshotStore creates a snapshot store.
func NewSnapshotStore(db *database.DB) SnapshotStore {
	return &snapshotStore{db: db}
}

func (s *snapshotStore) Create(ctx context.Context, deviceIDs []string, now time.Time) (*models.SelectionSnapshot, error) {
	if len(deviceIDs) == 0 {
		return nil, fault.New(fault.CodeValidation, "selection is empty")
	}

	snap := &models.SelectionSnapshot{
		ID:        uuid.NewString(),
		DeviceIDs: deviceIDs,
		CreatedAt: now.UTC(),
		ExpiresAt: now.UTC().Add(SnapshotTTL),
	}

	ids, err := json.Marshal(snap.DeviceIDs)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to encode selection")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO device_selection_snapshots (id, device_ids, created_at, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		snap.ID, ids, snap.CreatedAt, snap.ExpiresAt); err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to create snapshot")
	}
	return snap, nil
}

func (s *snapshotStore) Get(ctx context.Context, id string, now time.Time) (*models.SelectionSnapshot, error) {
	snap := &models.SelectionSnapshot{}
	var ids []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, device_ids, created_at, expires_at
		 FROM device_selection_snapshots WHERE id = $1 AND expires_at > $2`,
		id, now.UTC()).
		Scan(&snap.ID, &ids, &snap.CreatedAt, &snap.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeNotFound, "snapshot %s not found or expired", id)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to get snapshot")
	}
	if err := json.Unmarshal(ids, &snap.DeviceIDs); err != nil {
		return nil, fault.Wrap(err, fault.CodeDataIntegrity, "failed to decode selection")
	}
	return snap, nil
}

func (s *snapshotStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM device_selection_snapshots WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fault.Wrap(err, fault.CodeInternal, "failed to prune snapshots")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Wrap(err, fault.CodeInternal, "failed to read rows affected")
	}
	return n, nil
}
