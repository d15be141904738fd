// Package models defines the persisted entities of the kpiledger audit store.
package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// RunStatus is the lifecycle state of an ingest run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status may no longer change.
// A run transitions running -> terminal exactly once, never back.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunPartial, RunCancelled:
		return true
	}
	return false
}

// Trusted reports whether snapshots may be computed against a run
// in this state. Partial loads are trusted but leave their mark via
// the quality gate, not here.
func (s RunStatus) Trusted() bool {
	return s == RunSucceeded || s == RunPartial
}

// IngestRun records one execution of a data-loading pipeline, from start
// to terminal status. InputHash enables idempotent replay: starting a run
// with the hash of a prior succeeded run returns that run instead.
type IngestRun struct {
	ID            surrealmodels.RecordID `json:"id"`
	SourceSystem  string                 `json:"source_system"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	Status        RunStatus              `json:"status"`
	RecordsLoaded int64                  `json:"records_loaded"`
	InputHash     string                 `json:"input_hash"`
	Details       *string                `json:"details,omitempty"`
}
