package store

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"droidfleet.sh/internal/fault"
)

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// requireRowAffected converts a zero-rows UPDATE/DELETE into not_found.
func requireRowAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Wrap(err, fault.CodeInternal, "failed to read rows affected")
	}
	if n == 0 {
		return fault.Newf(fault.CodeNotFound, "%s %s not found", kind, id)
	}
	return nil
}

// pqStringArray wraps ids for use with = ANY($1).
func pqStringArray(ids []string) pq.StringArray {
	return pq.StringArray(ids)
}
