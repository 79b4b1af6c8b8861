package models

import (
	"errors"
	"fmt"
	"time"
)

// Action is a remote command from the closed allow-list.
type Action string

const (
	ActionPing             Action = "ping"
	ActionRing             Action = "ring"
	ActionLaunchApp        Action = "launch_app"
	ActionInstallAPK       Action = "install_apk"
	ActionUpdate           Action = "update"
	ActionGrantPermissions Action = "grant_permissions"
	ActionWifiConnect      Action = "wifi_connect"
	ActionExecShell        Action = "exec_shell"
)

// AllowedActions is the closed dispatch allow-list. Anything outside
// it is rejected before signing.
var AllowedActions = map[Action]bool{
	ActionPing:             true,
	ActionRing:             true,
	ActionLaunchApp:        true,
	ActionInstallAPK:       true,
	ActionUpdate:           true,
	ActionGrantPermissions: true,
	ActionWifiConnect:      true,
	ActionExecShell:        true,
}

// PushStatus tracks the push-provider leg of a dispatch.
type PushStatus string

const (
	PushPending PushStatus = "pending"
	PushSent    PushStatus = "sent"
	PushFailed  PushStatus = "failed"
	PushTimeout PushStatus = "timeout"
)

// ResultStatus tracks the device-acknowledgement leg.
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultOK      ResultStatus = "ok"
	ResultFailed  ResultStatus = "failed"
	ResultTimeout ResultStatus = "timeout"
	ResultDenied  ResultStatus = "denied"
)

// Terminal reports whether a result status is final. Terminal states
// are immutable.
func (s ResultStatus) Terminal() bool {
	return s == ResultOK || s == ResultFailed || s == ResultTimeout || s == ResultDenied
}

// Dispatch is one signed command sent to one device.
type Dispatch struct {
	RequestID    string       `json:"request_id"`
	DeviceID     string       `json:"device_id"`
	Action       Action       `json:"action"`
	SentAt       time.Time    `json:"sent_at"`
	PushStatus   PushStatus   `json:"push_status"`
	PushMsgID    string       `json:"push_msg_id,omitempty"`
	PushHTTPCode int          `json:"push_http_code,omitempty"`
	Result       ResultStatus `json:"result"`
	ResultMsg    string       `json:"result_msg,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	RetryCount   int          `json:"retry_count"`
	PayloadHash  string       `json:"payload_hash,omitempty"`
	ExecID       string       `json:"exec_id,omitempty"` // parent bulk run, if any
}

// BulkMode distinguishes push-command fan-out from allow-listed shell.
type BulkMode string

const (
	BulkModePush  BulkMode = "push"
	BulkModeShell BulkMode = "shell"
)

// BulkStatus is the parent record status.
type BulkStatus string

const (
	BulkRunning   BulkStatus = "running"
	BulkCompleted BulkStatus = "completed"
	BulkFailed    BulkStatus = "failed"
)

// BulkExec is the parent record of a fan-out run. The counters are
// maintained database-side; acked + errored <= sent always holds, and
// status is completed iff acked + errored = sent.
type BulkExec struct {
	ExecID      string     `json:"exec_id"`
	Mode        BulkMode   `json:"mode"`
	RawRequest  string     `json:"raw_request"`
	TargetSpec  string     `json:"target_spec"`
	Sent        int        `json:"sent"`
	Acked       int        `json:"acked"`
	Errored     int        `json:"errored"`
	Status      BulkStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BulkResult is one per-device child row of a bulk run.
type BulkResult struct {
	ExecID    string       `json:"exec_id"`
	DeviceID  string       `json:"device_id"`
	RequestID string       `json:"request_id"`
	Status    ResultStatus `json:"status"`
	ExitCode  *int         `json:"exit_code,omitempty"`
	Output    string       `json:"output,omitempty"`
	Error     string       `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SelectionSnapshot freezes a target list so a long-running bulk
// operation targets the fleet as it existed at request time.
type SelectionSnapshot struct {
	ID        string    `json:"id"`
	DeviceIDs []string  `json:"device_ids"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"` // creation + 15 min
}

// TargetFilter narrows a fleet-wide selection.
type TargetFilter struct {
	Online bool `json:"online"`
}

// TargetSpec selects bulk targets. Exactly one variant must be set:
// the whole fleet, an online filter, an alias list, or a frozen
// device-id list (from a selection snapshot).
type TargetSpec struct {
	All       bool          `json:"all,omitempty"`
	Filter    *TargetFilter `json:"filter,omitempty"`
	Aliases   []string      `json:"aliases,omitempty"`
	DeviceIDs []string      `json:"-"`
}

// Validate rejects empty and ambiguous specs.
func (s *TargetSpec) Validate() error {
	n := 0
	if s.All {
		n++
	}
	if s.Filter != nil {
		n++
	}
	if len(s.Aliases) > 0 {
		n++
	}
	if len(s.DeviceIDs) > 0 {
		n++
	}
	if n != 1 {
		return errors.New("targets must set exactly one of all, filter, or aliases")
	}
	return nil
}

// Describe renders a short target label for the bulk run's audit column.
func (s *TargetSpec) Describe() string {
	switch {
	case s.All:
		return "all"
	case s.Filter != nil && s.Filter.Online:
		return "filter:online"
	case s.Filter != nil:
		return "filter"
	case len(s.Aliases) > 0:
		return fmt.Sprintf("aliases:%d", len(s.Aliases))
	case len(s.DeviceIDs) > 0:
		return fmt.Sprintf("ids:%d", len(s.DeviceIDs))
	default:
		return ""
	}
}

// Target is one resolved, reachable bulk target.
type Target struct {
	ID        string `json:"id"`
	Alias     string `json:"alias"`
	PushToken string `json:"-"`
}
