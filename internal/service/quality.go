package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/kpiledger/internal/models"
)

// QualityAuditor attaches detected data-quality issues to ingest runs and
// answers the gating predicate the snapshot engine consults.
type QualityAuditor struct {
	store QualityStore
	log   *slog.Logger
}

// NewQualityAuditor creates a quality auditor.
func NewQualityAuditor(store QualityStore, log *slog.Logger) *QualityAuditor {
	if log == nil {
		log = slog.Default()
	}
	return &QualityAuditor{store: store, log: log}
}

// RecordIssue appends an issue to a run. Always succeeds provided the run
// exists and the severity is known.
func (a *QualityAuditor) RecordIssue(ctx context.Context, runID string, severity models.Severity, issueType string, payload map[string]any, kpiID string) (*models.DataQualityIssue, error) {
	if !severity.Valid() {
		return nil, fmt.Errorf("unknown severity %q", severity)
	}
	if issueType == "" {
		return nil, fmt.Errorf("issue type is required")
	}

	issue := models.DataQualityIssue{
		ID:          models.NewRecordID("quality_issue", uuid.New().String()),
		IngestRunID: runID,
		DetectedAt:  time.Now().UTC(),
		Severity:    severity,
		IssueType:   issueType,
		Payload:     payload,
	}
	if kpiID != "" {
		issue.KpiID = &kpiID
	}

	if err := a.store.CreateIssue(ctx, issue); err != nil {
		return nil, err
	}

	a.log.Info("quality issue recorded",
		"issue_id", models.MustRecordIDString(issue.ID),
		"run_id", runID,
		"severity", string(severity),
		"issue_type", issueType)
	return &issue, nil
}

// HasOpenCritical reports whether the run carries any unresolved critical
// issue. True means downstream snapshots are quality-gated.
func (a *QualityAuditor) HasOpenCritical(ctx context.Context, runID string) (bool, error) {
	n, err := a.store.CountOpenCritical(ctx, runID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResolveIssue marks an issue resolved. Idempotent: re-resolving keeps the
// original resolution time.
func (a *QualityAuditor) ResolveIssue(ctx context.Context, issueID string) error {
	if err := a.store.ResolveIssue(ctx, issueID, time.Now().UTC()); err != nil {
		return err
	}
	a.log.Info("quality issue resolved", "issue_id", issueID)
	return nil
}

// ListIssues returns all issues for a run, oldest first.
func (a *QualityAuditor) ListIssues(ctx context.Context, runID string) ([]models.DataQualityIssue, error) {
	return a.store.ListIssues(ctx, runID)
}
