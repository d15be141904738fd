package server

import (
	"time"

	"github.com/raphaelgruber/kpiledger/internal/models"
)

// API views carry string ids; record ids never cross the HTTP boundary raw.

type runView struct {
	ID            string     `json:"id"`
	SourceSystem  string     `json:"source_system"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Status        string     `json:"status"`
	RecordsLoaded int64      `json:"records_loaded"`
	InputHash     string     `json:"input_hash"`
	Details       *string    `json:"details,omitempty"`
}

func viewRun(r *models.IngestRun) runView {
	return runView{
		ID:            models.MustRecordIDString(r.ID),
		SourceSystem:  r.SourceSystem,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		Status:        string(r.Status),
		RecordsLoaded: r.RecordsLoaded,
		InputHash:     r.InputHash,
		Details:       r.Details,
	}
}

func viewRuns(runs []models.IngestRun) []runView {
	out := make([]runView, len(runs))
	for i := range runs {
		out[i] = viewRun(&runs[i])
	}
	return out
}

type issueView struct {
	ID          string         `json:"id"`
	IngestRunID string         `json:"ingest_run_id"`
	DetectedAt  time.Time      `json:"detected_at"`
	Severity    string         `json:"severity"`
	KpiID       *string        `json:"kpi_id,omitempty"`
	IssueType   string         `json:"issue_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

func viewIssue(i *models.DataQualityIssue) issueView {
	return issueView{
		ID:          models.MustRecordIDString(i.ID),
		IngestRunID: i.IngestRunID,
		DetectedAt:  i.DetectedAt,
		Severity:    string(i.Severity),
		KpiID:       i.KpiID,
		IssueType:   i.IssueType,
		Payload:     i.Payload,
		ResolvedAt:  i.ResolvedAt,
	}
}

func viewIssues(issues []models.DataQualityIssue) []issueView {
	out := make([]issueView, len(issues))
	for i := range issues {
		out[i] = viewIssue(&issues[i])
	}
	return out
}

type snapshotView struct {
	ID                 string    `json:"id"`
	KpiID              string    `json:"kpi_id"`
	CalculatedAt       time.Time `json:"calculated_at"`
	Value              float64   `json:"value"`
	ValueString        string    `json:"value_string"`
	CalculationVersion string    `json:"calculation_version"`
	SourceTable        string    `json:"source_table"`
	IngestRunID        *string   `json:"ingest_run_id,omitempty"`
	QualityGated       bool      `json:"quality_gated"`
	ChainHash          string    `json:"chain_hash"`
}

func viewSnapshot(s *models.KpiSnapshot) snapshotView {
	return snapshotView{
		ID:                 models.MustRecordIDString(s.ID),
		KpiID:              s.KpiID,
		CalculatedAt:       s.CalculatedAt,
		Value:              s.Value,
		ValueString:        s.ValueString(),
		CalculationVersion: s.CalculationVersion,
		SourceTable:        s.SourceTable,
		IngestRunID:        s.IngestRunID,
		QualityGated:       s.QualityGated,
		ChainHash:          s.ChainHash,
	}
}

type agentRunView struct {
	ID                  string            `json:"id"`
	StartedAt           time.Time         `json:"started_at"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	InputDataHash       string            `json:"input_data_hash"`
	PromptVersion       string            `json:"prompt_version,omitempty"`
	ModelUsed           string            `json:"model_used,omitempty"`
	OutputNarrative     string            `json:"output_narrative"`
	Citations           []models.Citation `json:"citations"`
	AccuracyScore       *float64          `json:"accuracy_score,omitempty"`
	RequiresHumanReview bool              `json:"requires_human_review"`
	KpiSnapshotID       *string           `json:"kpi_snapshot_id,omitempty"`
	Metadata            map[string]any    `json:"metadata,omitempty"`
}

func viewAgentRun(r *models.AgentRun) agentRunView {
	return agentRunView{
		ID:                  models.MustRecordIDString(r.ID),
		StartedAt:           r.StartedAt,
		CompletedAt:         r.CompletedAt,
		InputDataHash:       r.InputDataHash,
		PromptVersion:       r.PromptVersion,
		ModelUsed:           r.ModelUsed,
		OutputNarrative:     r.OutputNarrative,
		Citations:           r.Citations,
		AccuracyScore:       r.AccuracyScore,
		RequiresHumanReview: r.RequiresHumanReview,
		KpiSnapshotID:       r.KpiSnapshotID,
		Metadata:            r.Metadata,
	}
}
