package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

// CreateIssue appends a data-quality issue to an existing run. The run
// existence check and the insert run in one query.
func (c *Client) CreateIssue(ctx context.Context, issue models.DataQualityIssue) error {
	sql := `
		LET $run = (SELECT * FROM ONLY type::record("ingest_run", $run_id));
		IF $run == NONE { THROW "ingest run not found" };
		CREATE type::record("quality_issue", $id) SET
			ingest_run_id = $run_id,
			detected_at = $detected_at,
			severity = $severity,
			kpi_id = $kpi_id,
			issue_type = $issue_type,
			payload = $payload;
	`

	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"id":          models.MustRecordIDString(issue.ID),
		"run_id":      issue.IngestRunID,
		"detected_at": issue.DetectedAt,
		"severity":    string(issue.Severity),
		"kpi_id":      issue.KpiID,
		"issue_type":  issue.IssueType,
		"payload":     issue.Payload,
	})
	if err != nil {
		return fmt.Errorf("create issue: %w", wrapQueryError(err))
	}
	return nil
}

// CountOpenCritical returns the number of unresolved critical issues on a
// run. The snapshot engine consults this before trusting a computation.
func (c *Client) CountOpenCritical(ctx context.Context, runID string) (int, error) {
	results, err := surrealdb.Query[[]struct{ C int }](ctx, c.db, `
		SELECT count() AS c FROM quality_issue
		WHERE ingest_run_id = $run_id AND severity = "critical" AND resolved_at = NONE
		GROUP ALL
	`, map[string]any{"run_id": runID})
	if err != nil {
		return 0, fmt.Errorf("count open critical: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return (*results)[0].Result[0].C, nil
}

// ResolveIssue sets resolved_at on an issue. Resolving an already-resolved
// issue is a no-op; the original resolution time stands.
func (c *Client) ResolveIssue(ctx context.Context, id string, at time.Time) error {
	sql := `
		LET $issue = (SELECT * FROM ONLY type::record("quality_issue", $id));
		IF $issue == NONE { THROW "issue not found" };
		UPDATE type::record("quality_issue", $id) SET resolved_at = $at
		WHERE resolved_at = NONE;
	`

	_, err := surrealdb.Query[any](ctx, c.db, sql, map[string]any{
		"id": id,
		"at": at,
	})
	if err != nil {
		return fmt.Errorf("resolve issue: %w", wrapQueryError(err))
	}
	return nil
}

// ListIssues returns all issues for a run, oldest first.
func (c *Client) ListIssues(ctx context.Context, runID string) ([]models.DataQualityIssue, error) {
	results, err := surrealdb.Query[[]models.DataQualityIssue](ctx, c.db, `
		SELECT * FROM quality_issue WHERE ingest_run_id = $run_id ORDER BY detected_at ASC
	`, map[string]any{"run_id": runID})
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []models.DataQualityIssue{}, nil
	}
	return (*results)[0].Result, nil
}
