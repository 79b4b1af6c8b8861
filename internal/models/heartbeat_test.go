package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupeBucket(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	minute, idx := DedupeBucket(base.Add(17 * time.Second))
	assert.Equal(t, base, minute)
	assert.Equal(t, 1, idx)

	// 10..19s share a slot; 20s starts the next one.
	_, same := DedupeBucket(base.Add(19 * time.Second))
	_, next := DedupeBucket(base.Add(20 * time.Second))
	assert.Equal(t, 1, same)
	assert.Equal(t, 2, next)

	// Zone-shifted input lands in the same UTC slot.
	est := time.FixedZone("EST", -5*3600)
	minute, idx = DedupeBucket(base.Add(17 * time.Second).In(est))
	assert.Equal(t, base, minute)
	assert.Equal(t, 1, idx)
}

func TestEvalServiceState(t *testing.T) {
	tests := []struct {
		name       string
		installed  bool
		fgRecentS  int64
		thresholdS int
		want       ServiceState
	}{
		{"foregrounded recently", true, 30, 600, ServiceUp},
		{"exactly at threshold", true, 600, 600, ServiceUp},
		{"just past threshold", true, 601, 600, ServiceDown},
		{"recency unreported", true, FgUnknown, 600, ServiceUnknown},
		{"not installed", false, 30, 600, ServiceUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvalServiceState(tt.installed, tt.fgRecentS, tt.thresholdS))
		})
	}
}

func TestPartitionNaming(t *testing.T) {
	// 23:30 EST on the 23rd is already the 24th in UTC.
	est := time.FixedZone("EST", -5*3600)
	ts := time.Date(2026, 8, 23, 23, 30, 0, 0, est)

	assert.Equal(t, "device_heartbeats_20260824", PartitionNameFor(ts))

	start, end := PartitionRangeFor(ts)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), end)
}
