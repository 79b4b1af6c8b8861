package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Advisory lock keys, one per periodic job. Acquisition is always
// non-blocking: a held lock means another instance owns the tick and
// this one skips.
const (
	LockAlertTick   int64 = 7411001
	LockReconcile   int64 = 7411002
	LockMaintenance int64 = 7411003
)

// AdvisoryLock holds a session-scoped pg advisory lock on a dedicated
// connection until released.
type AdvisoryLock struct {
	conn *sql.Conn
	key  int64
}

// TryAdvisoryLock attempts a non-blocking pg_try_advisory_lock on a
// dedicated connection. Returns (nil, nil) when the lock is held
// elsewhere.
func (db *DB) TryAdvisoryLock(ctx context.Context, key int64) (*AdvisoryLock, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to try advisory lock %d: %w", key, err)
	}
	if !acquired {
		conn.Close()
		return nil, nil
	}
	return &AdvisoryLock{conn: conn, key: key}, nil
}

// Release unlocks and returns the connection to the pool.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	defer l.conn.Close()

	var released bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&released); err != nil {
		return fmt.Errorf("failed to release advisory lock %d: %w", l.key, err)
	}
	l.conn = nil
	return nil
}
