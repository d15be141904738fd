package db

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// CreateAgentRun persists a validated agent run. Validation happens in the
// recorder before this is called; the store only appends.
func (c *Client) CreateAgentRun(ctx context.Context, run models.AgentRun) error {
	citations := make([]map[string]any, len(run.Citations))
	for i, cit := range run.Citations {
		row := map[string]any{"kpi_id": cit.KpiID}
		if cit.SnapshotID != "" {
			row["snapshot_id"] = cit.SnapshotID
		}
		if cit.UnavailableReason != "" {
			row["unavailable_reason"] = cit.UnavailableReason
		}
		citations[i] = row
	}

	sql := `
		CREATE type::record("agent_run", $id) SET
			started_at = $started_at,
			completed_at = $completed_at,
			input_data_hash = $input_data_hash,
			prompt_version = $prompt_version,
			model_used = $model_used,
			output_narrative = $output_narrative,
			citations = $citations,
			accuracy_score = $accuracy_score,
			requires_human_review = $requires_human_review,
			kpi_snapshot_id = $kpi_snapshot_id,
			metadata = $metadata
	`

	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"id":                    models.MustRecordIDString(run.ID),
		"started_at":            run.StartedAt,
		"completed_at":          run.CompletedAt,
		"input_data_hash":       run.InputDataHash,
		"prompt_version":        run.PromptVersion,
		"model_used":            run.ModelUsed,
		"output_narrative":      run.OutputNarrative,
		"citations":             citations,
		"accuracy_score":        run.AccuracyScore,
		"requires_human_review": run.RequiresHumanReview,
		"kpi_snapshot_id":       run.KpiSnapshotID,
		"metadata":              run.Metadata,
	})
	if err != nil {
		return fmt.Errorf("create agent run: %w", wrapQueryError(err))
	}
	return nil
}

// AgentRunsCiting returns agent runs with a citation resolving to the given
// snapshot, oldest first.
func (c *Client) AgentRunsCiting(ctx context.Context, snapshotID string) ([]models.AgentRun, error) {
	results, err := surrealdb.Query[[]models.AgentRun](ctx, c.db, `
		SELECT * FROM agent_run
		WHERE citations[*].snapshot_id CONTAINS $snapshot_id
		ORDER BY started_at ASC
	`, map[string]any{"snapshot_id": snapshotID})
	if err != nil {
		return nil, fmt.Errorf("agent runs citing: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.AgentRun{}, nil
	}
	return (*results)[0].Result, nil
}
