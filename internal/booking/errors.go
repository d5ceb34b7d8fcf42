package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrTransientStore marks a store failure worth retrying: connection
	// loss, serialization conflicts, lock or statement timeouts.
	ErrTransientStore = errors.New("booking: transient store failure")

	// ErrPersistenceFailure marks a fatal, non-retryable store failure.
	// The session surfaces it as a spoken apology and ends the call.
	ErrPersistenceFailure = errors.New("booking: persistence failure")
)

// retryable postgres error classes and codes.
const (
	pgClassConnection      = "08"
	pgCodeSerialization    = "40001"
	pgCodeDeadlockDetected = "40P01"
	pgCodeLockNotAvailable = "55P03"
)

// classifyStoreErr folds a raw database error into the booking taxonomy.
func classifyStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTransientStore, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == pgClassConnection,
			pgErr.Code == pgCodeSerialization,
			pgErr.Code == pgCodeDeadlockDetected,
			pgErr.Code == pgCodeLockNotAvailable:
			return fmt.Errorf("%w: %s: %v", ErrTransientStore, op, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrPersistenceFailure, op, err)
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %s: %v", ErrTransientStore, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistenceFailure, op, err)
}
