package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/metrics"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/store"
)

// fanoutPacing spaces provider calls so a 2,000-device run does not
// trip provider-side rate limits.
const fanoutPacing = 50 * time.Millisecond

// BulkRequest describes a fan-out run.
type BulkRequest struct {
	Mode   models.BulkMode   `json:"mode"`
	Action models.Action     `json:"action"`
	Params map[string]string `json:"params,omitempty"`
	// Command is the raw shell line for shell mode; it must pass the
	// exec_shell subset check.
	Command string `json:"command,omitempty"`
	// Targets selects the fleet slice: all, an online filter, an
	// alias list, or the frozen ids of a selection snapshot.
	Targets *models.TargetSpec `json:"targets"`
	// TargetLabel overrides the audit label, e.g. "snapshot:<id>"
	// when the handler expanded a selection snapshot.
	TargetLabel string `json:"-"`
}

// BulkRunner fans one command out to many devices.
type BulkRunner struct {
	devices      store.DeviceStore
	dispatches   store.DispatchStore
	dispatcher   *Dispatcher
	onlineWindow time.Duration
	logger       *slog.Logger
}

// NewBulkRunner creates a bulk runner. onlineWindow defines how recent
// a heartbeat must be for the online target filter.
func NewBulkRunner(devices store.DeviceStore, dispatches store.DispatchStore, dispatcher *Dispatcher, onlineWindow time.Duration) *BulkRunner {
	return &BulkRunner{
		devices:      devices,
		dispatches:   dispatches,
		dispatcher:   dispatcher,
		onlineWindow: onlineWindow,
		logger:       slog.Default().With("component", "bulk-runner"),
	}
}

// Start validates the request, resolves targets under a single read,
// pre-creates the parent and all pending children, then fans pushes
// out in the background. The returned exec reflects the initial
// running state.
func (r *BulkRunner) Start(ctx context.Context, req *BulkRequest) (*models.BulkExec, error) {
	action := req.Action
	raw := string(req.Action)
	if req.Mode == models.BulkModeShell {
		action = models.ActionExecShell
		raw = req.Command
		if err := ValidateShellCommand(req.Command); err != nil {
			return nil, err
		}
	}
	if !models.AllowedActions[action] {
		return nil, fault.Newf(fault.CodeValidation, "action %q is not allowed", action)
	}
	if req.Targets == nil {
		return nil, fault.New(fault.CodeValidation, "targets are required")
	}

	// Devices without push tokens cannot be reached; a run with no
	// reachable target is a caller error, not a completed run.
	targets, err := r.devices.SelectTargets(ctx, req.Targets, time.Now().Add(-r.onlineWindow))
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fault.New(fault.CodeValidation, "no targeted device has a push token")
	}

	label := req.TargetLabel
	if label == "" {
		label = req.Targets.Describe()
	}

	now := time.Now().UTC()
	exec := &models.BulkExec{
		ExecID:     uuid.NewString(),
		Mode:       req.Mode,
		RawRequest: raw,
		TargetSpec: label,
		Sent:       len(targets),
		Status:     models.BulkRunning,
		CreatedAt:  now,
	}

	params := req.Params
	if req.Mode == models.BulkModeShell {
		params = map[string]string{"command": req.Command}
	}

	type pending struct {
		dispatch  *models.Dispatch
		payload   *CommandPayload
		pushToken string
	}
	children := make([]*models.Dispatch, 0, len(targets))
	work := make([]pending, 0, len(targets))
	for _, target := range targets {
		payload := r.dispatcher.buildPayload(target.ID, action, params, now)
		d := &models.Dispatch{
			RequestID:   payload.RequestID,
			DeviceID:    target.ID,
			Action:      action,
			SentAt:      now,
			PushStatus:  models.PushPending,
			Result:      models.ResultPending,
			PayloadHash: payloadDigest(payload),
			ExecID:      exec.ExecID,
		}
		children = append(children, d)
		work = append(work, pending{dispatch: d, payload: payload, pushToken: target.PushToken})
	}

	if err := r.dispatches.CreateBulk(ctx, exec, children); err != nil {
		return nil, err
	}

	r.logger.Info("Bulk run started",
		"exec_id", exec.ExecID, "mode", exec.Mode,
		"target_spec", exec.TargetSpec, "targets", len(targets))

	// The fan-out outlives the HTTP request that started it. Push
	// tokens were captured at resolution time, so no further device
	// reads happen on this path.
	go func() {
		fanCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		for i, p := range work {
			if i > 0 {
				select {
				case <-fanCtx.Done():
					r.logger.Error("Bulk fan-out aborted",
						"exec_id", exec.ExecID, "delivered", i)
					return
				case <-time.After(fanoutPacing):
				}
			}
			r.dispatcher.deliver(fanCtx, p.pushToken, p.dispatch, p.payload)
		}
		metrics.DispatchesTotal.WithLabelValues(string(action), "fanout").Add(float64(len(work)))
	}()

	return exec, nil
}

// Status returns a bulk run with its per-device results.
func (r *BulkRunner) Status(ctx context.Context, execID string) (*models.BulkExec, []*models.BulkResult, error) {
	return r.dispatches.GetBulk(ctx, execID)
}
