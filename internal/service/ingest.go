package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/kpiledger/internal/models"
)

// IngestTracker records the lifecycle of every data load.
type IngestTracker struct {
	store IngestStore
	log   *slog.Logger
}

// NewIngestTracker creates an ingest tracker.
func NewIngestTracker(store IngestStore, log *slog.Logger) *IngestTracker {
	if log == nil {
		log = slog.Default()
	}
	return &IngestTracker{store: store, log: log}
}

// Start opens a new ingest run, or returns the prior run when an identical
// input hash already succeeded, which makes replays idempotent. The returned
// bool is true when the run was deduplicated.
func (t *IngestTracker) Start(ctx context.Context, sourceSystem, inputHash string) (*models.IngestRun, bool, error) {
	if sourceSystem == "" {
		return nil, false, fmt.Errorf("source system is required")
	}
	if inputHash == "" {
		return nil, false, fmt.Errorf("input hash is required")
	}

	prior, err := t.store.FindSucceededRunByHash(ctx, inputHash)
	if err != nil {
		return nil, false, fmt.Errorf("check replay: %w", err)
	}
	if prior != nil {
		t.log.Info("ingest replay deduplicated",
			"run_id", models.MustRecordIDString(prior.ID),
			"source", sourceSystem,
			"input_hash", inputHash)
		return prior, true, nil
	}

	run := models.IngestRun{
		ID:           models.NewRecordID("ingest_run", uuid.New().String()),
		SourceSystem: sourceSystem,
		StartedAt:    time.Now().UTC(),
		Status:       models.RunRunning,
		InputHash:    inputHash,
	}
	if err := t.store.CreateIngestRun(ctx, run); err != nil {
		return nil, false, fmt.Errorf("start ingest run: %w", err)
	}

	t.log.Info("ingest run started",
		"run_id", models.MustRecordIDString(run.ID),
		"source", sourceSystem)
	return &run, false, nil
}

// Complete transitions a running row to a terminal status exactly once. A
// second completion fails with db.ErrDoubleCompletion and the original
// completion stands.
func (t *IngestTracker) Complete(ctx context.Context, runID string, status models.RunStatus, recordsLoaded int64, details string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	if err := t.store.CompleteIngestRun(ctx, runID, status, recordsLoaded, details, time.Now().UTC()); err != nil {
		return err
	}

	t.log.Info("ingest run completed",
		"run_id", runID,
		"status", string(status),
		"records_loaded", recordsLoaded)
	return nil
}

// Get returns a run by id, or nil if it does not exist.
func (t *IngestTracker) Get(ctx context.Context, runID string) (*models.IngestRun, error) {
	return t.store.GetIngestRun(ctx, runID)
}

// List returns recent runs, most recent first.
func (t *IngestTracker) List(ctx context.Context, limit int) ([]models.IngestRun, error) {
	if limit <= 0 {
		limit = 50
	}
	return t.store.ListIngestRuns(ctx, limit)
}

// Purge deletes a run and its issues. Only explicit: never cascades from
// anywhere else, and refuses while snapshots reference the run.
func (t *IngestTracker) Purge(ctx context.Context, runID string) error {
	if err := t.store.PurgeIngestRun(ctx, runID); err != nil {
		return err
	}
	t.log.Warn("ingest run purged", "run_id", runID)
	return nil
}
