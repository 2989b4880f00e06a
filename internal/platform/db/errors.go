package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE codes the ledger reacts to.
const (
	CodeForeignKeyViolation  = "23503"
	CodeUniqueViolation      = "23505"
	CodeCheckViolation       = "23514"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
)

// SQLState returns the SQLSTATE carried by err, or "" when err is not a server error.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsContention reports whether err is a lock wait timeout, deadlock or serialization conflict.
// Such failures are safe to retry.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	switch SQLState(err) {
	case CodeLockNotAvailable, CodeDeadlockDetected, CodeSerializationFailure:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsUniqueViolation reports whether err was raised by a unique constraint.
func IsUniqueViolation(err error) bool {
	return SQLState(err) == CodeUniqueViolation
}

// IsCheckViolation reports whether err was raised by a CHECK constraint.
func IsCheckViolation(err error) bool {
	return SQLState(err) == CodeCheckViolation
}

// IsForeignKeyViolation reports whether err references a missing parent row.
func IsForeignKeyViolation(err error) bool {
	return SQLState(err) == CodeForeignKeyViolation
}
