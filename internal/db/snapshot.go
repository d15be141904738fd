package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// CreateSnapshotWithSteps persists a snapshot and its full lineage chain in
// one transaction. Snapshot and steps are created together or not at all;
// there is no code path that writes a snapshot without lineage.
func (c *Client) CreateSnapshotWithSteps(ctx context.Context, snap models.KpiSnapshot, steps []models.LineageStep) error {
	snapID := models.MustRecordIDString(snap.ID)

	stepRows := make([]map[string]any, len(steps))
	for i, s := range steps {
		stepRows[i] = map[string]any{
			"id":              models.MustRecordIDString(s.ID),
			"kpi_snapshot_id": snapID,
			"step_order":      s.StepOrder,
			"step_name":       s.StepName,
			"input_table":     s.InputTable,
			"transformation":  s.Transformation,
			"checksum":        s.Checksum,
		}
	}

	sql := `
		BEGIN TRANSACTION;
		CREATE type::record("kpi_snapshot", $id) SET
			kpi_id = $kpi_id,
			calculated_at = $calculated_at,
			value = $value,
			calculation_version = $version,
			source_table = $source_table,
			ingest_run_id = $ingest_run_id,
			quality_gated = $quality_gated,
			chain_hash = $chain_hash;
		INSERT INTO lineage_step $steps;
		COMMIT TRANSACTION;
	`

	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"id":            snapID,
		"kpi_id":        snap.KpiID,
		"calculated_at": snap.CalculatedAt,
		"value":         snap.Value,
		"version":       snap.CalculationVersion,
		"source_table":  snap.SourceTable,
		"ingest_run_id": snap.IngestRunID,
		"quality_gated": snap.QualityGated,
		"chain_hash":    snap.ChainHash,
		"steps":         stepRows,
	})
	if err != nil {
		return fmt.Errorf("create snapshot: %w", wrapQueryError(err))
	}
	return nil
}

// GetSnapshot retrieves a snapshot by id. Returns nil if not found.
func (c *Client) GetSnapshot(ctx context.Context, id string) (*models.KpiSnapshot, error) {
	results, err := surrealdb.Query[[]models.KpiSnapshot](ctx, c.db, `
		SELECT * FROM type::record("kpi_snapshot", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// LatestSnapshot returns the newest snapshot for a (kpi_id, version) pair,
// or nil if none exists.
func (c *Client) LatestSnapshot(ctx context.Context, kpiID, version string) (*models.KpiSnapshot, error) {
	results, err := surrealdb.Query[[]models.KpiSnapshot](ctx, c.db, `
		SELECT * FROM kpi_snapshot
		WHERE kpi_id = $kpi_id AND calculation_version = $version
		ORDER BY calculated_at DESC
		LIMIT 1
	`, map[string]any{"kpi_id": kpiID, "version": version})
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// SnapshotsAsOf returns snapshots for a KPI with calculated_at <= asOf,
// newest first, across all calculation versions. The trace facade walks
// these until one passes chain verification.
func (c *Client) SnapshotsAsOf(ctx context.Context, kpiID string, asOf time.Time, limit int) ([]models.KpiSnapshot, error) {
	results, err := surrealdb.Query[[]models.KpiSnapshot](ctx, c.db, `
		SELECT * FROM kpi_snapshot
		WHERE kpi_id = $kpi_id AND calculated_at <= $as_of
		ORDER BY calculated_at DESC
		LIMIT $limit
	`, map[string]any{"kpi_id": kpiID, "as_of": asOf, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("snapshots as of: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.KpiSnapshot{}, nil
	}
	return (*results)[0].Result, nil
}

// LineageSteps returns the stored steps for a snapshot in step order.
func (c *Client) LineageSteps(ctx context.Context, snapshotID string) ([]models.LineageStep, error) {
	results, err := surrealdb.Query[[]models.LineageStep](ctx, c.db, `
		SELECT * FROM lineage_step
		WHERE kpi_snapshot_id = $snapshot_id
		ORDER BY step_order ASC
	`, map[string]any{"snapshot_id": snapshotID})
	if err != nil {
		return nil, fmt.Errorf("lineage steps: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.LineageStep{}, nil
	}
	return (*results)[0].Result, nil
}
