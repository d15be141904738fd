package models

import (
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// LineageStep is one transformation in the chain that produced a snapshot.
// Steps for a snapshot form a gap-free 1..N sequence and are written in the
// same transaction as the snapshot itself.
type LineageStep struct {
	ID             surrealmodels.RecordID `json:"id"`
	KpiSnapshotID  string                 `json:"kpi_snapshot_id"`
	StepOrder      int                    `json:"step_order"`
	StepName       string                 `json:"step_name"`
	InputTable     string                 `json:"input_table"`
	Transformation string                 `json:"transformation"`
	Checksum       string                 `json:"checksum"`
}
