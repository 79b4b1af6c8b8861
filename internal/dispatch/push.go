// Package dispatch implements signed command delivery: single
// dispatches, bulk fan-out, acknowledgements and liveness timeouts.
package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/metrics"
)

const (
	// pushTimeout bounds one push-provider call.
	pushTimeout = 5 * time.Second
	// maxPushResponseBody caps how much of a provider error response
	// is read and persisted.
	maxPushResponseBody = 2 << 10
)

// CommandPayload is the signed message delivered through the push
// provider to the device agent.
type CommandPayload struct {
	RequestID string            `json:"request_id"`
	DeviceID  string            `json:"device_id"`
	Action    string            `json:"action"`
	Params    map[string]string `json:"params,omitempty"`
	Ts        string            `json:"ts"`
	Signature string            `json:"sig"`
}

// PushResult reports one provider call.
type PushResult struct {
	MsgID    string
	HTTPCode int
}

// PushClient delivers a command payload to one device.
type PushClient interface {
	Send(ctx context.Context, pushToken string, payload *CommandPayload) (*PushResult, error)
}

// HTTPPushClient talks to the push provider over HTTPS.
type HTTPPushClient struct {
	endpoint    string
	credentials string
	client      *http.Client
}

// NewHTTPPushClient creates a provider client.
func NewHTTPPushClient(endpoint, credentials string) *HTTPPushClient {
	return &HTTPPushClient{
		endpoint:    endpoint,
		credentials: credentials,
		client:      &http.Client{Timeout: pushTimeout},
	}
}

type providerRequest struct {
	To   string          `json:"to"`
	Data *CommandPayload `json:"data"`
	// High priority wakes dozing devices.
	Priority string `json:"priority"`
}

type providerResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

func (c *HTTPPushClient) Send(ctx context.Context, pushToken string, payload *CommandPayload) (*PushResult, error) {
	start := time.Now()

	body, err := json.Marshal(providerRequest{
		To: pushToken, Data: payload, Priority: "high",
	})
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to encode push request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to build push request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.credentials)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeUpstream, "push provider unreachable")
	}
	defer resp.Body.Close()

	metrics.PushLatency.Observe(time.Since(start).Seconds())

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPushResponseBody))
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeUpstream, "failed to read push response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &PushResult{HTTPCode: resp.StatusCode},
			fault.Newf(fault.CodeUpstream, "push provider returned %d: %s",
				resp.StatusCode, string(raw))
	}

	var decoded providerResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fault.Wrap(err, fault.CodeUpstream, "failed to decode push response")
	}
	if decoded.Error != "" {
		return &PushResult{HTTPCode: resp.StatusCode},
			fault.Newf(fault.CodeUpstream, "push provider error: %s", decoded.Error)
	}
	return &PushResult{MsgID: decoded.MessageID, HTTPCode: resp.StatusCode}, nil
}

var _ PushClient = (*HTTPPushClient)(nil)

// payloadDigest returns the hex SHA-256 of the canonical payload,
// persisted with the dispatch row for audit.
func payloadDigest(p *CommandPayload) string {
	raw, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
