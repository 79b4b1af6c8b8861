package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/metrics"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/security"
	"droidfleet.sh/internal/store"
)

// DefaultAckTimeout is how long a dispatch may stay pending before the
// liveness sweep demotes it to timeout.
const DefaultAckTimeout = 60 * time.Second

// Dispatcher sends signed commands and processes acknowledgements.
type Dispatcher struct {
	devices    store.DeviceStore
	dispatches store.DispatchStore
	keyring    *security.Keyring
	push       PushClient
	hub        *events.Hub
	ackTimeout time.Duration
	logger     *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(devices store.DeviceStore, dispatches store.DispatchStore, keyring *security.Keyring, push PushClient, hub *events.Hub) *Dispatcher {
	return &Dispatcher{
		devices:    devices,
		dispatches: dispatches,
		keyring:    keyring,
		push:       push,
		hub:        hub,
		ackTimeout: DefaultAckTimeout,
		logger:     slog.Default().With("component", "dispatcher"),
	}
}

// buildPayload mints the request id, timestamps and signs one command.
func (d *Dispatcher) buildPayload(deviceID string, action models.Action, params map[string]string, now time.Time) *CommandPayload {
	requestID := uuid.NewString()
	ts := now.UTC().Truncate(time.Second)
	return &CommandPayload{
		RequestID: requestID,
		DeviceID:  deviceID,
		Action:    string(action),
		Params:    params,
		Ts:        ts.Format(time.RFC3339),
		Signature: d.keyring.SignCommand(requestID, deviceID, string(action), ts),
	}
}

// Send dispatches one signed command to one device. The dispatch row
// is persisted before the push attempt so a provider failure is still
// auditable.
func (d *Dispatcher) Send(ctx context.Context, deviceID string, action models.Action, params map[string]string) (*models.Dispatch, error) {
	if !models.AllowedActions[action] {
		return nil, fault.Newf(fault.CodeValidation, "action %q is not allowed", action)
	}
	if action == models.ActionExecShell {
		if err := ValidateShellCommand(params["command"]); err != nil {
			return nil, err
		}
	}

	device, err := d.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.HasPushToken() {
		return nil, fault.Newf(fault.CodeValidation, "device %s has no push token", deviceID)
	}

	now := time.Now()
	payload := d.buildPayload(device.ID, action, params, now)

	dispatch := &models.Dispatch{
		RequestID:   payload.RequestID,
		DeviceID:    device.ID,
		Action:      action,
		SentAt:      now.UTC(),
		PushStatus:  models.PushPending,
		Result:      models.ResultPending,
		PayloadHash: payloadDigest(payload),
	}
	if err := d.dispatches.CreateDispatch(ctx, dispatch); err != nil {
		return nil, err
	}

	d.deliver(ctx, device.PushToken, dispatch, payload)
	return dispatch, nil
}

// deliver performs the push-provider leg with bounded retries and
// records the outcome on the dispatch row.
func (d *Dispatcher) deliver(ctx context.Context, pushToken string, dispatch *models.Dispatch, payload *CommandPayload) {
	var result *PushResult
	err := fault.Retry(ctx, fault.DefaultRetryConfig(), func() error {
		var sendErr error
		result, sendErr = d.push.Send(ctx, pushToken, payload)
		return sendErr
	})

	status := models.PushSent
	msgID := ""
	httpCode := 0
	if result != nil {
		msgID = result.MsgID
		httpCode = result.HTTPCode
	}
	if err != nil {
		status = models.PushFailed
		if isTimeout(err) || ctx.Err() != nil {
			status = models.PushTimeout
		}
		d.logger.Error("Push delivery failed",
			"request_id", dispatch.RequestID, "device_id", dispatch.DeviceID,
			"action", dispatch.Action, "error", err)
	}

	metrics.DispatchesTotal.WithLabelValues(string(dispatch.Action), string(status)).Inc()

	if merr := d.dispatches.MarkPush(ctx, dispatch.RequestID, status, msgID, httpCode); merr != nil {
		d.logger.Error("Failed to record push status",
			"request_id", dispatch.RequestID, "error", merr)
	}
	dispatch.PushStatus = status
	dispatch.PushMsgID = msgID
	dispatch.PushHTTPCode = httpCode
}

// AckRequest is the device-reported command result.
type AckRequest struct {
	RequestID string              `json:"request_id"`
	Result    models.ResultStatus `json:"result"`
	Message   string              `json:"message,omitempty"`
	ExitCode  *int                `json:"exit_code,omitempty"`
	Output    string              `json:"output,omitempty"`
}

// Ack applies a device acknowledgement. Repeats and late arrivals are
// dropped without error so agents can retry blindly. The store lookup
// is scoped to the calling device, so another device's request id
// reads as not found.
func (d *Dispatcher) Ack(ctx context.Context, device *models.Device, req *AckRequest) (*models.Dispatch, error) {
	if req.RequestID == "" {
		return nil, fault.New(fault.CodeValidation, "request_id is required")
	}
	if !req.Result.Terminal() {
		return nil, fault.Newf(fault.CodeValidation, "result %q is not terminal", req.Result)
	}

	outcome, err := d.dispatches.Ack(ctx, req.RequestID, device.ID, req.Result, req.Message, req.ExitCode, req.Output, time.Now())
	if err != nil {
		return nil, err
	}

	if !outcome.Applied {
		metrics.DispatchAcksTotal.WithLabelValues("dropped").Inc()
		return outcome.Dispatch, nil
	}

	metrics.DispatchAcksTotal.WithLabelValues(string(req.Result)).Inc()
	d.hub.Publish(events.TypeCommandResult, map[string]any{
		"request_id": req.RequestID,
		"device_id":  device.ID,
		"action":     string(outcome.Dispatch.Action),
		"result":     string(req.Result),
	})
	if outcome.ParentCompleted {
		d.logger.Info("Bulk run completed", "exec_id", outcome.Dispatch.ExecID)
	}
	return outcome.Dispatch, nil
}

// isTimeout reports whether a provider error was a deadline rather
// than a refusal, looking through fault wrapping. The http client's
// own timeout surfaces as a net.Error without cancelling the context.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// SweepTimeouts demotes dispatches that outlived the ack timeout.
func (d *Dispatcher) SweepTimeouts(ctx context.Context) (int64, error) {
	n, err := d.dispatches.TimeoutStale(ctx, time.Now().Add(-d.ackTimeout))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.DispatchAcksTotal.WithLabelValues("timeout").Add(float64(n))
	}
	return n, nil
}
