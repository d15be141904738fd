package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Citation is a reference from a narrative to a specific snapshot, or an
// explicit unavailability for a KPI. Exactly one of SnapshotID and
// UnavailableReason is set.
type Citation struct {
	KpiID             string `json:"kpi_id"`
	SnapshotID        string `json:"snapshot_id,omitempty"`
	UnavailableReason string `json:"unavailable_reason,omitempty"`
}

// AgentRun is one persisted narrative output together with the citations
// backing every number it claims. Rows are immutable; a correction is a new
// row whose metadata carries the superseded run id.
type AgentRun struct {
	ID                  surrealmodels.RecordID `json:"id"`
	StartedAt           time.Time              `json:"started_at"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
	InputDataHash       string                 `json:"input_data_hash"`
	PromptVersion       string                 `json:"prompt_version"`
	ModelUsed           string                 `json:"model_used"`
	OutputNarrative     string                 `json:"output_narrative"`
	Citations           []Citation             `json:"citations"`
	AccuracyScore       *float64               `json:"accuracy_score,omitempty"`
	RequiresHumanReview bool                   `json:"requires_human_review"`

	// KpiSnapshotID is the primary cited snapshot. Null exactly when the
	// primary citation is an explicit unavailability.
	KpiSnapshotID *string        `json:"kpi_snapshot_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
