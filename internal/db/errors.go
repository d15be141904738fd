// Package db provides error types for audit store operations.
package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for store operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDoubleCompletion indicates an ingest run was completed a second
	// time. The original completion stands; the caller's transition is
	// rejected.
	ErrDoubleCompletion = errors.New("ingest run already completed")

	// ErrLeaseHeld indicates an unexpired computation lease is held by
	// another worker. Callers should await the holder's result rather than
	// recompute.
	ErrLeaseHeld = errors.New("computation lease held")

	// ErrRunReferenced indicates a purge was refused because snapshots
	// still reference the ingest run.
	ErrRunReferenced = errors.New("ingest run referenced by snapshots")

	// ErrTransactionConflict indicates a SurrealDB transaction conflict.
	// Callers should typically retry the operation.
	ErrTransactionConflict = errors.New("transaction conflict")
)

// wrapQueryError inspects a SurrealDB error and wraps it with the matching
// sentinel. Store-level invariants are enforced with THROW inside the
// queries; the thrown messages are mapped back to typed errors here.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		switch {
		case strings.Contains(msg, "not found"):
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		case strings.Contains(msg, "already completed"):
			return fmt.Errorf("%w: %s", ErrDoubleCompletion, msg)
		case strings.Contains(msg, "lease held"):
			return fmt.Errorf("%w: %s", ErrLeaseHeld, msg)
		case strings.Contains(msg, "run referenced"):
			return fmt.Errorf("%w: %s", ErrRunReferenced, msg)
		case strings.Contains(msg, "Transaction conflict"):
			return fmt.Errorf("%w: %s", ErrTransactionConflict, msg)
		}
	}

	return err
}
