package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// AcquireLease claims the computation lease for a key. If another worker
// holds an unexpired lease the query throws, mapped to ErrLeaseHeld. An
// expired lease is taken over silently; expiry is the crash-recovery path.
// The check and the upsert run in one query against the lease record.
func (c *Client) AcquireLease(ctx context.Context, key, holder string, acquiredAt, expiresAt time.Time) (*models.ComputationLease, error) {
	sql := `
		LET $existing = (SELECT * FROM ONLY type::record("computation_lease", $key));
		IF $existing != NONE AND $existing.expires_at > time::now() AND $existing.holder != $holder {
			THROW "computation lease held"
		};
		UPSERT type::record("computation_lease", $key) SET
			key = $key,
			holder = $holder,
			acquired_at = $acquired_at,
			expires_at = $expires_at
		RETURN AFTER;
	`

	results, err := surrealdb.Query[[]models.ComputationLease](ctx, c.db, sql, map[string]any{
		"key":         key,
		"holder":      holder,
		"acquired_at": acquiredAt,
		"expires_at":  expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return nil, fmt.Errorf("acquire lease: no result returned")
	}
	// The UPSERT is the last statement; its result carries the lease row
	last := (*results)[len(*results)-1].Result
	if len(last) == 0 {
		return nil, fmt.Errorf("acquire lease: no result returned")
	}
	return &last[0], nil
}

// ReleaseLease drops the lease if still held by the given holder. Releasing
// a lease taken over by someone else is a no-op.
func (c *Client) ReleaseLease(ctx context.Context, key, holder string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		DELETE type::record("computation_lease", $key) WHERE holder = $holder
	`, map[string]any{"key": key, "holder": holder})
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// GetLease returns the current lease row for a key, expired or not.
// Returns nil if no lease exists.
func (c *Client) GetLease(ctx context.Context, key string) (*models.ComputationLease, error) {
	results, err := surrealdb.Query[[]models.ComputationLease](ctx, c.db, `
		SELECT * FROM type::record("computation_lease", $key)
	`, map[string]any{"key": key})
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}
