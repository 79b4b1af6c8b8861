package ingest

import (
	"context"
	"log/slog"
	"time"

	"droidfleet.sh/internal/metrics"
	"droidfleet.sh/internal/store"
)

// ReconcileLookback bounds how far back the projection repair scans.
const ReconcileLookback = 24 * time.Hour

// Reconciler repairs projection rows that drifted behind the
// timeseries, e.g. after a partial failure between the two writes.
type Reconciler struct {
	heartbeats store.HeartbeatStore
	logger     *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(heartbeats store.HeartbeatStore) *Reconciler {
	return &Reconciler{
		heartbeats: heartbeats,
		logger:     slog.Default().With("component", "reconciler"),
	}
}

// Run performs one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) error {
	n, err := r.heartbeats.ReconcileProjection(ctx, ReconcileLookback)
	if err != nil {
		return err
	}
	metrics.ReconcileUpdatesTotal.Add(float64(n))
	if n > 0 {
		r.logger.Warn("Projection rows repaired", "count", n)
	}
	return nil
}
