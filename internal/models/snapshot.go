package models

import (
	"strconv"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// KpiSnapshot is an immutable computed KPI value. Snapshots are append-only:
// recomputation inserts a new row, never updates one. The latest value for a
// (kpi_id, calculation_version) pair is the row with the greatest CalculatedAt.
type KpiSnapshot struct {
	ID                 surrealmodels.RecordID `json:"id"`
	KpiID              string                 `json:"kpi_id"`
	CalculatedAt       time.Time              `json:"calculated_at"`
	Value              float64                `json:"value"`
	CalculationVersion string                 `json:"calculation_version"`
	SourceTable        string                 `json:"source_table"`
	IngestRunID        *string                `json:"ingest_run_id,omitempty"`
	QualityGated       bool                   `json:"quality_gated"`

	// ChainHash is the sealed lineage chain hash, written together with the
	// snapshot and its steps in one transaction. Re-deriving it from the
	// stored steps is the tamper-evidence check.
	ChainHash string `json:"chain_hash"`
}

// FormatValue renders a KPI value in its canonical stored representation.
// Citation matching and the JSON API both use this exact string; a narrative
// claiming a number must contain it verbatim.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ValueString returns the snapshot's value in canonical form.
func (s *KpiSnapshot) ValueString() string {
	return FormatValue(s.Value)
}
