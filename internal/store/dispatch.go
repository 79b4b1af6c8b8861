package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/models"
)

// AckOutcome reports what an acknowledgement did.
type AckOutcome struct {
	// Applied is false when the dispatch was already terminal; late
	// or duplicate acks are dropped without touching counters.
	Applied bool
	// ParentCompleted is set when this ack closed out a bulk run.
	ParentCompleted bool
	Dispatch        *models.Dispatch
}

// DispatchStore persists command dispatches and bulk runs.
type DispatchStore interface {
	// CreateDispatch inserts a pending dispatch row.
	CreateDispatch(ctx context.Context, d *models.Dispatch) error

	// GetDispatch returns a dispatch by request id.
	GetDispatch(ctx context.Context, requestID string) (*models.Dispatch, error)

	// MarkPush records the push-provider outcome.
	MarkPush(ctx context.Context, requestID string, status models.PushStatus, msgID string, httpCode int) error

	// Ack applies a device acknowledgement. The row is looked up by
	// (request id, device id) so a device can only complete its own
	// dispatches. Terminal dispatches are immutable; bulk counters
	// advance database-side in the same transaction, and the parent
	// flips to completed exactly once.
	Ack(ctx context.Context, requestID, deviceID string, result models.ResultStatus, msg string, exitCode *int, output string, now time.Time) (*AckOutcome, error)

	// TimeoutStale demotes pending dispatches older than cutoff to
	// result timeout, charging them as errored on their parents.
	TimeoutStale(ctx context.Context, cutoff time.Time) (int64, error)

	// CreateBulk inserts the parent and its pre-created pending
	// children in one transaction.
	CreateBulk(ctx context.Context, exec *models.BulkExec, children []*models.Dispatch) error

	// GetBulk returns a bulk run with its per-device results.
	GetBulk(ctx context.Context, execID string) (*models.BulkExec, []*models.BulkResult, error)

	// ListRecent returns the most recent dispatches for a device.
	ListRecent(ctx context.Context, deviceID string, limit int) ([]*models.Dispatch, error)
}

type dispatchStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewDispatchStore creates a dispatch store.
func NewDispatchStore(db *database.DB) DispatchStore {
	return &dispatchStore{
		db:     db,
		logger: slog.Default().With("component", "dispatch-store"),
	}
}

const dispatchColumns = `request_id, device_id, action, sent_at, push_status,
	push_msg_id, push_http_code, result, result_msg, completed_at, retry_count,
	payload_hash, COALESCE(exec_id::text, '')`

func scanDispatch(row interface{ Scan(...any) error }) (*models.Dispatch, error) {
	d := &models.Dispatch{}
	err := row.Scan(
		&d.RequestID, &d.DeviceID, &d.Action, &d.SentAt, &d.PushStatus,
		&d.PushMsgID, &d.PushHTTPCode, &d.Result, &d.ResultMsg, &d.CompletedAt,
		&d.RetryCount, &d.PayloadHash, &d.ExecID,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *dispatchStore) CreateDispatch(ctx context.Context, d *models.Dispatch) error {
	var execID any
	if d.ExecID != "" {
		execID = d.ExecID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_dispatches (request_id, device_id, action, sent_at,
			push_status, result, payload_hash, exec_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.RequestID, d.DeviceID, d.Action, d.SentAt.UTC(),
		d.PushStatus, d.Result, d.PayloadHash, execID)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.Newf(fault.CodeConflict, "dispatch %s already exists", d.RequestID)
		}
		return fault.Wrap(err, fault.CodeInternal, "failed to create dispatch")
	}
	return nil
}

func (s *dispatchStore) GetDispatch(ctx context.Context, requestID string) (*models.Dispatch, error) {
	d, err := scanDispatch(s.db.QueryRowContext(ctx,
		`SELECT `+dispatchColumns+` FROM command_dispatches WHERE request_id = $1`,
		requestID))
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeNotFound, "dispatch %s not found", requestID)
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to get dispatch")
	}
	return d, nil
}

func (s *dispatchStore) MarkPush(ctx context.Context, requestID string, status models.PushStatus, msgID string, httpCode int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE command_dispatches SET push_status = $2, push_msg_id = $3,
			push_http_code = $4
		 WHERE request_id = $1`,
		requestID, status, msgID, httpCode)
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to mark push status")
	}
	return requireRowAffected(res, "dispatch", requestID)
}

func (s *dispatchStore) Ack(ctx context.Context, requestID, deviceID string, result models.ResultStatus, msg string, exitCode *int, output string, now time.Time) (*AckOutcome, error) {
	if !result.Terminal() {
		return nil, fault.Newf(fault.CodeValidation, "result %q is not terminal", result)
	}

	outcome := &AckOutcome{}
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		// The result = 'pending' guard is the idempotency barrier:
		// a second ack, or one arriving after a timeout demotion,
		// matches zero rows. Scoping by device_id means a dispatch
		// belonging to another device is indistinguishable from an
		// unknown one.
		row := tx.QueryRowContext(ctx,
			`UPDATE command_dispatches SET result = $3, result_msg = $4,
				completed_at = $5
			 WHERE request_id = $1 AND device_id = $2 AND result = 'pending'
			 RETURNING `+dispatchColumns,
			requestID, deviceID, result, msg, now.UTC())

		d, err := scanDispatch(row)
		if err == sql.ErrNoRows {
			// Distinguish unknown from already-terminal.
			existing, gerr := scanDispatch(tx.QueryRowContext(ctx,
				`SELECT `+dispatchColumns+` FROM command_dispatches
				 WHERE request_id = $1 AND device_id = $2`,
				requestID, deviceID))
			if gerr == sql.ErrNoRows {
				return fault.Newf(fault.CodeNotFound, "dispatch %s not found", requestID)
			}
			if gerr != nil {
				return fault.Wrap(gerr, fault.CodeInternal, "failed to get dispatch")
			}
			outcome.Dispatch = existing
			return nil
		}
		if err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to ack dispatch")
		}
		outcome.Applied = true
		outcome.Dispatch = d

		if d.ExecID == "" {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE remote_exec_results SET status = $3, exit_code = $4,
				output = $5, error = $6, updated_at = now()
			 WHERE exec_id = $1 AND device_id = $2 AND status = 'pending'`,
			d.ExecID, d.DeviceID, result, exitCode, output, msg); err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to record bulk result")
		}

		// Counters advance database-side so concurrent acks never
		// lose increments.
		counter := "errored"
		if result == models.ResultOK {
			counter = "acked"
		}
		var sent, acked, errored int
		if err := tx.QueryRowContext(ctx,
			`UPDATE remote_execs SET `+counter+` = `+counter+` + 1
			 WHERE exec_id = $1
			 RETURNING sent, acked, errored`,
			d.ExecID).Scan(&sent, &acked, &errored); err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to advance bulk counters")
		}

		if acked+errored == sent {
			res, err := tx.ExecContext(ctx,
				`UPDATE remote_execs SET status = 'completed', completed_at = $2
				 WHERE exec_id = $1 AND status = 'running'`,
				d.ExecID, now.UTC())
			if err != nil {
				return fault.Wrap(err, fault.CodeInternal, "failed to complete bulk run")
			}
			if n, _ := res.RowsAffected(); n > 0 {
				outcome.ParentCompleted = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *dispatchStore) TimeoutStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var demoted int64
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`UPDATE command_dispatches SET result = 'timeout', completed_at = now()
			 WHERE result = 'pending' AND sent_at < $1
			 RETURNING request_id, device_id, COALESCE(exec_id::text, '')`,
			cutoff.UTC())
		if err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to demote stale dispatches")
		}

		type stale struct{ requestID, deviceID, execID string }
		var demotedRows []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.requestID, &st.deviceID, &st.execID); err != nil {
				rows.Close()
				return fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan demoted dispatch")
			}
			demotedRows = append(demotedRows, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to iterate demoted dispatches")
		}
		demoted = int64(len(demotedRows))

		for _, st := range demotedRows {
			if st.execID == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE remote_exec_results SET status = 'timeout', updated_at = now()
				 WHERE exec_id = $1 AND device_id = $2 AND status = 'pending'`,
				st.execID, st.deviceID); err != nil {
				return fault.Wrap(err, fault.CodeInternal, "failed to time out bulk result")
			}
			var sent, acked, errored int
			if err := tx.QueryRowContext(ctx,
				`UPDATE remote_execs SET errored = errored + 1
				 WHERE exec_id = $1
				 RETURNING sent, acked, errored`,
				st.execID).Scan(&sent, &acked, &errored); err != nil {
				return fault.Wrap(err, fault.CodeInternal, "failed to charge bulk timeout")
			}
			if acked+errored == sent {
				if _, err := tx.ExecContext(ctx,
					`UPDATE remote_execs SET status = 'completed', completed_at = now()
					 WHERE exec_id = $1 AND status = 'running'`,
					st.execID); err != nil {
					return fault.Wrap(err, fault.CodeInternal, "failed to complete bulk run")
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if demoted > 0 {
		s.logger.Info("Stale dispatches timed out", "count", demoted)
	}
	return demoted, nil
}

func (s *dispatchStore) CreateBulk(ctx context.Context, exec *models.BulkExec, children []*models.Dispatch) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO remote_execs (exec_id, mode, raw_request, target_spec,
				sent, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, 'running', $6)`,
			exec.ExecID, exec.Mode, exec.RawRequest, exec.TargetSpec,
			exec.Sent, exec.CreatedAt.UTC()); err != nil {
			return fault.Wrap(err, fault.CodeInternal, "failed to create bulk run")
		}

		for _, d := range children {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO command_dispatches (request_id, device_id, action,
					sent_at, push_status, result, payload_hash, exec_id)
				 VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)`,
				d.RequestID, d.DeviceID, d.Action, d.SentAt.UTC(),
				d.PushStatus, d.PayloadHash, exec.ExecID); err != nil {
				return fault.Wrap(err, fault.CodeInternal, "failed to create bulk child dispatch")
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO remote_exec_results (exec_id, device_id, request_id, status)
				 VALUES ($1, $2, $3, 'pending')`,
				exec.ExecID, d.DeviceID, d.RequestID); err != nil {
				return fault.Wrap(err, fault.CodeInternal, "failed to create bulk result row")
			}
		}
		return nil
	})
}

func (s *dispatchStore) GetBulk(ctx context.Context, execID string) (*models.BulkExec, []*models.BulkResult, error) {
	exec := &models.BulkExec{}
	err := s.db.QueryRowContext(ctx,
		`SELECT exec_id, mode, raw_request, target_spec, sent, acked, errored,
			status, created_at, completed_at
		 FROM remote_execs WHERE exec_id = $1`, execID).
		Scan(&exec.ExecID, &exec.Mode, &exec.RawRequest, &exec.TargetSpec,
			&exec.Sent, &exec.Acked, &exec.Errored, &exec.Status,
			&exec.CreatedAt, &exec.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil, fault.Newf(fault.CodeNotFound, "bulk run %s not found", execID)
	}
	if err != nil {
		return nil, nil, fault.Wrap(err, fault.CodeInternal, "failed to get bulk run")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT exec_id, device_id, request_id, status, exit_code, output, error, updated_at
		 FROM remote_exec_results WHERE exec_id = $1 ORDER BY device_id`, execID)
	if err != nil {
		return nil, nil, fault.Wrap(err, fault.CodeInternal, "failed to list bulk results")
	}
	defer rows.Close()

	var results []*models.BulkResult
	for rows.Next() {
		r := &models.BulkResult{}
		if err := rows.Scan(&r.ExecID, &r.DeviceID, &r.RequestID, &r.Status,
			&r.ExitCode, &r.Output, &r.Error, &r.UpdatedAt); err != nil {
			return nil, nil, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan bulk result")
		}
		results = append(results, r)
	}
	return exec, results, rows.Err()
}

func (s *dispatchStore) ListRecent(ctx context.Context, deviceID string, limit int) ([]*models.Dispatch, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dispatchColumns+` FROM command_dispatches
		 WHERE device_id = $1 ORDER BY sent_at DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "failed to list dispatches")
	}
	defer rows.Close()

	var out []*models.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, fault.Wrap(err, fault.CodeDataIntegrity, "failed to scan dispatch row")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
