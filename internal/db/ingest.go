package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// CreateIngestRun inserts a new run row. The caller supplies the id and
// started_at; status is always "running" on insert.
func (c *Client) CreateIngestRun(ctx context.Context, run models.IngestRun) error {
	sql := `
		CREATE type::record("ingest_run", $id) SET
			source_system = $source_system,
			status = "running",
			started_at = $started_at,
			records_loaded = 0,
			input_hash = $input_hash
	`

	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"id":            models.MustRecordIDString(run.ID),
		"source_system": run.SourceSystem,
		"started_at":    run.StartedAt,
		"input_hash":    run.InputHash,
	})
	if err != nil {
		return fmt.Errorf("create ingest run: %w", wrapQueryError(err))
	}
	return nil
}

// GetIngestRun retrieves a run by id. Returns nil if not found.
func (c *Client) GetIngestRun(ctx context.Context, id string) (*models.IngestRun, error) {
	results, err := surrealdb.Query[[]models.IngestRun](ctx, c.db, `
		SELECT * FROM type::record("ingest_run", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get ingest run: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// FindSucceededRunByHash returns the most recent succeeded run with the
// given input hash, or nil. This backs idempotent replay in Start.
func (c *Client) FindSucceededRunByHash(ctx context.Context, inputHash string) (*models.IngestRun, error) {
	results, err := surrealdb.Query[[]models.IngestRun](ctx, c.db, `
		SELECT * FROM ingest_run
		WHERE input_hash = $hash AND status = "succeeded"
		ORDER BY started_at DESC
		LIMIT 1
	`, map[string]any{"hash": inputHash})
	if err != nil {
		return nil, fmt.Errorf("find run by hash: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// CompleteIngestRun transitions a running row to a terminal status exactly
// once. A second completion throws and is mapped to ErrDoubleCompletion; the
// check and the update run in one query, so the guard holds under
// concurrent writers.
func (c *Client) CompleteIngestRun(ctx context.Context, id string, status models.RunStatus, recordsLoaded int64, details string, completedAt time.Time) error {
	sql := `
		LET $run = (SELECT * FROM ONLY type::record("ingest_run", $id));
		IF $run == NONE { THROW "ingest run not found" };
		IF $run.status != "running" { THROW "ingest run already completed" };
		UPDATE type::record("ingest_run", $id) SET
			status = $status,
			records_loaded = $records,
			details = $details,
			completed_at = $completed_at;
	`

	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"id":           id,
		"status":       string(status),
		"records":      recordsLoaded,
		"details":      details,
		"completed_at": completedAt,
	})
	if err != nil {
		return fmt.Errorf("complete ingest run: %w", wrapQueryError(err))
	}
	return nil
}

// ListIngestRuns returns runs ordered by start time, most recent first.
func (c *Client) ListIngestRuns(ctx context.Context, limit int) ([]models.IngestRun, error) {
	results, err := surrealdb.Query[[]models.IngestRun](ctx, c.db, `
		SELECT * FROM ingest_run ORDER BY started_at DESC LIMIT $limit
	`, map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list ingest runs: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.IngestRun{}, nil
	}
	return (*results)[0].Result, nil
}

// PurgeIngestRun deletes a run and its quality issues. Refused while any
// snapshot references the run; snapshots are never deleted, so purging a
// referenced run would orphan audit lineage.
func (c *Client) PurgeIngestRun(ctx context.Context, id string) error {
	sql := `
		BEGIN TRANSACTION;
		LET $refs = (SELECT count() AS c FROM kpi_snapshot WHERE ingest_run_id = $id GROUP ALL);
		IF $refs[0].c > 0 { THROW "ingest run referenced" };
		DELETE quality_issue WHERE ingest_run_id = $id;
		DELETE type::record("ingest_run", $id);
		COMMIT TRANSACTION;
	`

	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("purge ingest run: %w", wrapQueryError(err))
	}
	return nil
}
