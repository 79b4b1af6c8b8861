package models

import "time"

// PartitionState is the lifecycle state of a daily partition.
// Transitions are monotonic except archive_failed -> active (retry).
type PartitionState string

const (
	PartitionActive        PartitionState = "active"
	PartitionArchived      PartitionState = "archived"
	PartitionArchiveFailed PartitionState = "archive_failed"
	PartitionDropped       PartitionState = "dropped"
)

// Partition is one row of the partition catalog.
type Partition struct {
	Name       string         `json:"name"`
	RangeStart time.Time      `json:"range_start"` // inclusive
	RangeEnd   time.Time      `json:"range_end"`   // exclusive
	State      PartitionState `json:"state"`
	RowCount   int64          `json:"row_count"`
	ByteSize   int64          `json:"byte_size"`
	// Checksum is the hex SHA-256 of the archived CSV export.
	Checksum   string    `json:"checksum,omitempty"`
	ArchiveURL string    `json:"archive_url,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PartitionNameFor returns the partition name covering ts.
func PartitionNameFor(ts time.Time) string {
	return "device_heartbeats_" + ts.UTC().Format("20060102")
}

// PartitionRangeFor returns the half-open [start, end) day range
// covering ts.
func PartitionRangeFor(ts time.Time) (time.Time, time.Time) {
	utc := ts.UTC()
	start := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
