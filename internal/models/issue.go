package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Severity classifies a data-quality issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// DataQualityIssue is one issue detected during an ingest run. Issues are
// append-only; resolution sets ResolvedAt, it never deletes the row. An
// unresolved critical issue gates every snapshot computed against the run.
type DataQualityIssue struct {
	ID          surrealmodels.RecordID `json:"id"`
	IngestRunID string                 `json:"ingest_run_id"`
	DetectedAt  time.Time              `json:"detected_at"`
	Severity    Severity               `json:"severity"`
	KpiID       *string                `json:"kpi_id,omitempty"`
	IssueType   string                 `json:"issue_type"`
	Payload     map[string]any         `json:"payload,omitempty"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
}

// Open reports whether the issue has not been resolved yet.
func (i *DataQualityIssue) Open() bool {
	return i.ResolvedAt == nil
}
