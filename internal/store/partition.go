package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/models"
)

const (
	// PartitionLeadDays is how far ahead daily partitions are created.
	PartitionLeadDays = 14
	// PartitionRetentionDays is how long a partition stays live before
	// it is archived and dropped.
	PartitionRetentionDays = 90
)

// PartitionStore manages the daily heartbeat partitions: creation
// ahead of time, stat refresh, archival to compressed CSV, dropping,
// and vacuum of the hot window.
type PartitionStore interface {
	// EnsureForward creates partitions covering yesterday through
	// now+PartitionLeadDays, registering each in the catalog.
	EnsureForward(ctx context.Context, now time.Time) (created int, err error)

	// List returns the partition catalog ordered by range start.
	List(ctx context.Context) ([]*models.Partition, error)

	// RefreshStats re-counts rows and bytes for live partitions.
	RefreshStats(ctx context.Context) (refreshed int, err error)

	// ArchiveExpired exports partitions older than the retention
	// window to gzip CSV (plus a .sha256 sidecar) under archiveDir and
	// marks them archived. A failed export marks the partition
	// archive_failed and keeps the data; the next run retries it.
	ArchiveExpired(ctx context.Context, archiveDir string, now time.Time) (archived int, err error)

	// DropArchived drops the tables of archived partitions and marks
	// them dropped. Runs after ArchiveExpired so data is only dropped
	// once its export is durable.
	DropArchived(ctx context.Context) (dropped int, err error)

	// VacuumHotWindow runs a vacuum-analyze over the partitions of the
	// last seven days.
	VacuumHotWindow(ctx context.Context, now time.Time) error
}

type partitionStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewPartitionStore creates a partition store.
func NewPartitionStore(db *database.DB) PartitionStore {
	return &partitionStore{
		db:     db,
		logger: slog.Default().With("component", "partition-store"),
	}
}

func (s *partitionStore) EnsureForward(ctx context.Context, now time.Time) (int, error) {
	created := 0
	// Cover yesterday too: a restart straddling midnight must not leave
	// a gap behind the write head.
	for d := -1; d <= PartitionLeadDays; d++ {
		day := now.UTC().AddDate(0, 0, d)
		name := models.PartitionNameFor(day)
		start, end := models.PartitionRangeFor(day)

		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM heartbeat_partitions WHERE name = $1)`,
			name).Scan(&exists)
		if err != nil {
			return created, fault.Wrap(err, fault.CodeInternal, "failed to check partition catalog")
		}
		if exists {
			continue
		}

		err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
			// Partition DDL cannot be parameterized; name and bounds
			// are derived from time, never from input.
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS %s PARTITION OF device_heartbeats
				 FOR VALUES FROM ('%s') TO ('%s')`,
				name, start.Format(time.RFC3339), end.Format(time.RFC3339))); err != nil {
				return fault.Wrapf(err, fault.CodeInternal, "failed to create partition %s", name)
			}
			// The dedupe index lives on the leaf so the uniqueness
			// guarantee does not need the partition key.
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`CREATE UNIQUE INDEX IF NOT EXISTS %s_dedupe_idx
				 ON %s (device_id, bucket_minute, bucket_idx)`, name, name)); err != nil {
				return fault.Wrapf(err, fault.CodeInternal, "failed to index partition %s", name)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO heartbeat_partitions (name, range_start, range_end, state)
				 VALUES ($1, $2, $3, 'active') ON CONFLICT (name) DO NOTHING`,
				name, start, end); err != nil {
				return fault.Wrapf(err, fault.CodeInternal, "failed to register partition %s", name)
			}
			return nil
		})
		if err != nil {
			return created, err
		}
		created++
		s.logger.Info("Partition created", "partition", name)
	}
	return created, nil
}

func (s *partitionStore) List(ctx context.Context) ([]*models.Partition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, range_start, range_end, state, row_count, byte_size,
			checksum, archive_url, last_error, created_at, updated_at
		 FROM heartbeat_partitions ORDER BY range_start`)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to list partitions")
	}
	defer rows.Close()

	var out []*models.Partition
	for rows.Next() {
		p := &models.Partition{}
		if err := rows.Scan(&p.Name, &p.RangeStart, &p.RangeEnd, &p.State,
			&p.RowCount, &p.ByteSize, &p.Checksum, &p.ArchiveURL, &p.LastError,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan partition row")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *partitionStore) ArchiveExpired(ctx context.Context, archiveDir string, now time.Time) (int, error) {
	cutoff := now.UTC().AddDate(0, 0, -PartitionRetentionDays)

	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM heartbeat_partitions
		 WHERE range_end <= $1 AND state IN ('active', 'archive_failed')
		 ORDER BY range_start`, cutoff)
	if err != nil {
		return 0, fault.Wrap(err, fault.CodeInternal, "failed to select expired partitions")
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan partition name")
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fault.Wrap(err, fault.CodeInternal, "failed to iterate partitions")
	}

	archived := 0
	for _, name := range names {
		if err := s.archiveOne(ctx, archiveDir, name); err != nil {
			s.logger.Error("Partition archive failed", "partition", name, "error", err)
			s.markArchiveFailed(ctx, name, err)
			continue
		}
		archived++
	}
	return archived, nil
}

func (s *partitionStore) archiveOne(ctx context.Context, archiveDir, name string) error {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to create archive directory")
	}
	path := filepath.Join(archiveDir, name+".csv.gz")

	f, err := os.Create(path)
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to create archive file")
	}
	defer f.Close()

	hasher := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(f, hasher))
	w := csv.NewWriter(gz)

	rowCount, err := s.exportCSV(ctx, name, w)
	if err != nil {
		os.Remove(path)
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		os.Remove(path)
		return fault.Wrap(err, fault.CodeInternal, "failed to flush archive CSV")
	}
	if err := gz.Close(); err != nil {
		os.Remove(path)
		return fault.Wrap(err, fault.CodeInternal, "failed to close archive gzip stream")
	}
	if err := f.Sync(); err != nil {
		os.Remove(path)
		return fault.Wrap(err, fault.CodeInternal, "failed to sync archive file")
	}

	info, err := f.Stat()
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to stat archive file")
	}
	checksum := hex.EncodeToString(hasher.Sum(nil))

	// Sidecar in sha256sum format so `sha256sum -c` verifies the
	// artifact without the catalog.
	sidecar := checksum + "  " + filepath.Base(path) + "\n"
	if err := os.WriteFile(path+".sha256", []byte(sidecar), 0o644); err != nil {
		os.Remove(path)
		return fault.Wrap(err, fault.CodeInternal, "failed to write checksum sidecar")
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE heartbeat_partitions SET state = 'archived', row_count = $2,
			byte_size = $3, checksum = $4, archive_url = $5, last_error = '',
			updated_at = now()
		 WHERE name = $1`,
		name, rowCount, info.Size(), checksum, path); err != nil {
		return fault.Wrapf(err, fault.CodeInternal, "failed to mark partition %s archived", name)
	}
	s.logger.Info("Partition archived",
		"partition", name, "rows", rowCount, "bytes", info.Size())
	return nil
}

// DropArchived drops archived partition tables. The table drop and the
// catalog transition commit together; a crash between archive and drop
// just means the next nightly run drops it.
func (s *partitionStore) DropArchived(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM heartbeat_partitions WHERE state = 'archived' ORDER BY range_start`)
	if err != nil {
		return 0, fault.Wrap(err, fault.CodeInternal, "failed to select archived partitions")
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan partition name")
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fault.Wrap(err, fault.CodeInternal, "failed to iterate partitions")
	}

	dropped := 0
	for _, name := range names {
		err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
				return fault.Wrapf(err, fault.CodeInternal, "failed to drop partition %s", name)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE heartbeat_partitions SET state = 'dropped', updated_at = now()
				 WHERE name = $1`, name); err != nil {
				return fault.Wrapf(err, fault.CodeInternal, "failed to mark partition %s dropped", name)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("Partition drop failed", "partition", name, "error", err)
			continue
		}
		dropped++
		s.logger.Info("Partition dropped", "partition", name)
	}
	return dropped, nil
}

// RefreshStats snapshots row and byte counts for live partitions so
// the catalog answers size questions without touching the data.
func (s *partitionStore) RefreshStats(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM heartbeat_partitions
		 WHERE state IN ('active', 'archive_failed') ORDER BY range_start`)
	if err != nil {
		return 0, fault.Wrap(err, fault.CodeInternal, "failed to select live partitions")
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan partition name")
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fault.Wrap(err, fault.CodeInternal, "failed to iterate partitions")
	}

	refreshed := 0
	for _, name := range names {
		// Table names come from the catalog the store itself wrote.
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE heartbeat_partitions SET
				row_count = (SELECT count(*) FROM %s),
				byte_size = pg_total_relation_size('%s'),
				updated_at = now()
			 WHERE name = $1`, name, name), name); err != nil {
			s.logger.Error("Partition stat refresh failed", "partition", name, "error", err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// VacuumHotWindow vacuum-analyzes the partitions covering the last
// seven days. VACUUM cannot run inside a transaction, so each
// statement goes out on its own.
func (s *partitionStore) VacuumHotWindow(ctx context.Context, now time.Time) error {
	for d := 0; d < 7; d++ {
		name := models.PartitionNameFor(now.UTC().AddDate(0, 0, -d))

		var state models.PartitionState
		err := s.db.QueryRowContext(ctx,
			`SELECT state FROM heartbeat_partitions WHERE name = $1`, name).Scan(&state)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to look up hot partition")
		}
		if state != models.PartitionActive {
			continue
		}

		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`VACUUM (ANALYZE) %s`, name)); err != nil {
			return fault.Wrapf(err, fault.CodeInternal, "failed to vacuum partition %s", name)
		}
	}
	return nil
}

func (s *partitionStore) exportCSV(ctx context.Context, name string, w *csv.Writer) (int64, error) {
	if err := w.Write([]string{"device_id", "ts", "battery_pct", "charging",
		"network_type", "signal_dbm", "uptime_s", "ram_used_mb",
		"monitored_fg_recent_s", "agent_version"}); err != nil {
		return 0, fault.Wrap(err, fault.CodeInternal, "failed to write CSV header")
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT device_id, ts, battery_pct, charging, network_type, signal_dbm,
			uptime_s, ram_used_mb, monitored_fg_recent_s, agent_version
		 FROM %s ORDER BY ts`, name))
	if err != nil {
		return 0, fault.Wrapf(err, fault.CodeInternal, "failed to export partition %s", name)
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		hb := &models.Heartbeat{}
		if err := rows.Scan(&hb.DeviceID, &hb.Ts, &hb.BatteryPct, &hb.Charging,
			&hb.NetworkType, &hb.SignalDbm, &hb.UptimeS, &hb.RAMUsedMB,
			&hb.MonitoredFgRecentS, &hb.AgentVersion); err != nil {
			return 0, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan export row")
		}
		if err := w.Write([]string{
			hb.DeviceID,
			hb.Ts.UTC().Format(time.RFC3339),
			strconv.Itoa(hb.BatteryPct),
			strconv.FormatBool(hb.Charging),
			hb.NetworkType,
			strconv.Itoa(hb.SignalDbm),
			strconv.FormatInt(hb.UptimeS, 10),
			strconv.Itoa(hb.RAMUsedMB),
			strconv.FormatInt(hb.MonitoredFgRecentS, 10),
			hb.AgentVersion,
		}); err != nil {
			return 0, fault.Wrap(err, fault.CodeInternal, "failed to write CSV row")
		}
		count++
	}
	return count, rows.Err()
}

func (s *partitionStore) markArchiveFailed(ctx context.Context, name string, cause error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE heartbeat_partitions SET state = 'archive_failed', last_error = $2,
			updated_at = now()
		 WHERE name = $1`,
		name, cause.Error()); err != nil {
		s.logger.Error("Failed to record archive failure", "partition", name, "error", err)
	}
}
