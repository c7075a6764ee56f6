package db

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-directory/internal/shared"
)

// PostgreSQL error codes the directory reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// MapError translates driver errors into shared error kinds. Unique violations
// become conflicts. Serialization failures, deadlocks and connection faults
// become retryable unavailability. Context cancellation and unknown errors pass through.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if shared.KindOf(err) != nil {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return shared.Conflict("duplicate key "+pgErr.ConstraintName, err)
		case codeSerializationFailure, codeDeadlockDetected:
			return shared.Contention(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return shared.Unavailable(err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return shared.Unavailable(err)
	}
	return err
}
