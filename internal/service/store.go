package service

import (
	"context"
	"time"

	"github.com/raphaelgruber/kpiledger/internal/models"
)

// The services consume narrow store interfaces; *db.Client satisfies all of
// them, and db/memory provides an in-memory implementation for tests and
// local development.

// IngestStore persists ingest run lifecycle state.
type IngestStore interface {
	CreateIngestRun(ctx context.Context, run models.IngestRun) error
	GetIngestRun(ctx context.Context, id string) (*models.IngestRun, error)
	FindSucceededRunByHash(ctx context.Context, inputHash string) (*models.IngestRun, error)
	CompleteIngestRun(ctx context.Context, id string, status models.RunStatus, recordsLoaded int64, details string, completedAt time.Time) error
	ListIngestRuns(ctx context.Context, limit int) ([]models.IngestRun, error)
	PurgeIngestRun(ctx context.Context, id string) error
}

// QualityStore persists data-quality issues.
type QualityStore interface {
	CreateIssue(ctx context.Context, issue models.DataQualityIssue) error
	CountOpenCritical(ctx context.Context, runID string) (int, error)
	ResolveIssue(ctx context.Context, id string, at time.Time) error
	ListIssues(ctx context.Context, runID string) ([]models.DataQualityIssue, error)
}

// SnapshotStore persists snapshots with their lineage chains.
type SnapshotStore interface {
	CreateSnapshotWithSteps(ctx context.Context, snap models.KpiSnapshot, steps []models.LineageStep) error
	GetSnapshot(ctx context.Context, id string) (*models.KpiSnapshot, error)
	LatestSnapshot(ctx context.Context, kpiID, version string) (*models.KpiSnapshot, error)
	SnapshotsAsOf(ctx context.Context, kpiID string, asOf time.Time, limit int) ([]models.KpiSnapshot, error)
	LineageSteps(ctx context.Context, snapshotID string) ([]models.LineageStep, error)
}

// AgentStore persists validated agent runs.
type AgentStore interface {
	CreateAgentRun(ctx context.Context, run models.AgentRun) error
	AgentRunsCiting(ctx context.Context, snapshotID string) ([]models.AgentRun, error)
}

// LeaseStore manages the per-key computation lease.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, holder string, acquiredAt, expiresAt time.Time) (*models.ComputationLease, error)
	ReleaseLease(ctx context.Context, key, holder string) error
	GetLease(ctx context.Context, key string) (*models.ComputationLease, error)
}

// Store is the full audit store surface.
type Store interface {
	IngestStore
	QualityStore
	SnapshotStore
	AgentStore
	LeaseStore
}
