package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/kpiledger/internal/metrics"
	"github.com/raphaelgruber/kpiledger/internal/models"
)

// traceCandidateLimit bounds how many snapshots at or before as-of the
// facade will chain-verify before giving up.
const traceCandidateLimit = 5

// TraceStep is one lineage step in a trace response.
type TraceStep struct {
	Order          int    `json:"order"`
	Name           string `json:"name"`
	InputTable     string `json:"input_table,omitempty"`
	Transformation string `json:"transformation,omitempty"`
	Checksum       string `json:"checksum"`
}

// TraceRun summarizes the ingest run behind a traced snapshot.
type TraceRun struct {
	ID            string     `json:"id"`
	SourceSystem  string     `json:"source_system"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	RecordsLoaded int64      `json:"records_loaded"`
}

// TraceAgentRun summarizes one narrative that cited the traced snapshot.
type TraceAgentRun struct {
	ID                  string    `json:"id"`
	StartedAt           time.Time `json:"started_at"`
	ModelUsed           string    `json:"model_used,omitempty"`
	PromptVersion       string    `json:"prompt_version,omitempty"`
	RequiresHumanReview bool      `json:"requires_human_review"`
}

// TraceResult is the full audit answer for "where did this number come
// from": the verified value, its lineage chain, the run it was computed
// from, and every narrative that cited it.
type TraceResult struct {
	KpiID              string          `json:"kpi_id"`
	SnapshotID         string          `json:"snapshot_id"`
	Value              float64         `json:"value"`
	ValueString        string          `json:"value_string"`
	CalculationVersion string          `json:"calculation_version"`
	CalculatedAt       time.Time       `json:"calculated_at"`
	SourceTable        string          `json:"source_table"`
	QualityGated       bool            `json:"quality_gated"`
	ChainHash          string          `json:"chain_hash"`
	Lineage            []TraceStep     `json:"lineage"`
	IngestRun          *TraceRun       `json:"ingest_run,omitempty"`
	CitedBy            []TraceAgentRun `json:"cited_by"`
}

// TraceService is the read-only audit facade. It never writes, and it never
// serves a snapshot whose lineage chain fails verification.
type TraceService struct {
	store   Store
	log     *slog.Logger
	metrics *metrics.Collector

	// OnIntegrityError is the audit channel for tamper evidence. Defaults
	// to structured error logging.
	OnIntegrityError func(*LineageIntegrityError)
}

// NewTraceService creates a trace facade.
func NewTraceService(store Store, log *slog.Logger, collector *metrics.Collector) *TraceService {
	if log == nil {
		log = slog.Default()
	}
	s := &TraceService{store: store, log: log, metrics: collector}
	s.OnIntegrityError = func(e *LineageIntegrityError) {
		s.log.Error("lineage integrity violation",
			"snapshot_id", e.SnapshotID,
			"kpi_id", e.KpiID,
			"stored_hash", e.StoredHash,
			"computed_hash", e.ComputedHash,
			"reason", e.Reason)
	}
	return s
}

// Trace resolves the newest chain-verified snapshot for a KPI at or before
// asOf. Snapshots that fail verification are reported to the audit channel
// and skipped; if no candidate verifies, the result is Unavailable with
// reason no_snapshot_before_asof.
func (s *TraceService) Trace(ctx context.Context, kpiID string, asOf time.Time) (*TraceResult, error) {
	start := time.Now()
	res, err := s.trace(ctx, kpiID, asOf)
	s.metrics.RecordTiming(metrics.OpTrace, time.Since(start), err != nil)
	return res, err
}

func (s *TraceService) trace(ctx context.Context, kpiID string, asOf time.Time) (*TraceResult, error) {
	if kpiID == "" {
		return nil, fmt.Errorf("kpi id is required")
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	candidates, err := s.store.SnapshotsAsOf(ctx, kpiID, asOf, traceCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("resolve snapshots: %w", err)
	}
	if len(candidates) == 0 {
		return nil, unavailable(ReasonNoSnapshot,
			fmt.Sprintf("no snapshot for %s at or before %s", kpiID, asOf.Format(time.RFC3339)))
	}

	for i := range candidates {
		snap := &candidates[i]
		snapID := models.MustRecordIDString(snap.ID)

		steps, err := s.store.LineageSteps(ctx, snapID)
		if err != nil {
			return nil, fmt.Errorf("load lineage for %s: %w", snapID, err)
		}
		if ierr := VerifySteps(snap, steps); ierr != nil {
			if s.OnIntegrityError != nil {
				s.OnIntegrityError(ierr)
			}
			continue
		}
		return s.assemble(ctx, snap, snapID, steps)
	}

	return nil, unavailable(ReasonNoSnapshot,
		fmt.Sprintf("no verifiable snapshot for %s at or before %s", kpiID, asOf.Format(time.RFC3339)))
}

func (s *TraceService) assemble(ctx context.Context, snap *models.KpiSnapshot, snapID string, steps []models.LineageStep) (*TraceResult, error) {
	res := &TraceResult{
		KpiID:              snap.KpiID,
		SnapshotID:         snapID,
		Value:              snap.Value,
		ValueString:        snap.ValueString(),
		CalculationVersion: snap.CalculationVersion,
		CalculatedAt:       snap.CalculatedAt,
		SourceTable:        snap.SourceTable,
		QualityGated:       snap.QualityGated,
		ChainHash:          snap.ChainHash,
		Lineage:            make([]TraceStep, len(steps)),
		CitedBy:            []TraceAgentRun{},
	}
	for i, st := range steps {
		res.Lineage[i] = TraceStep{
			Order:          st.StepOrder,
			Name:           st.StepName,
			InputTable:     st.InputTable,
			Transformation: st.Transformation,
			Checksum:       st.Checksum,
		}
	}

	if snap.IngestRunID != nil {
		run, err := s.store.GetIngestRun(ctx, *snap.IngestRunID)
		if err != nil {
			return nil, fmt.Errorf("load ingest run: %w", err)
		}
		if run != nil {
			res.IngestRun = &TraceRun{
				ID:            models.MustRecordIDString(run.ID),
				SourceSystem:  run.SourceSystem,
				Status:        string(run.Status),
				StartedAt:     run.StartedAt,
				CompletedAt:   run.CompletedAt,
				RecordsLoaded: run.RecordsLoaded,
			}
		}
	}

	citing, err := s.store.AgentRunsCiting(ctx, snapID)
	if err != nil {
		return nil, fmt.Errorf("load citing agent runs: %w", err)
	}
	for _, ar := range citing {
		res.CitedBy = append(res.CitedBy, TraceAgentRun{
			ID:                  models.MustRecordIDString(ar.ID),
			StartedAt:           ar.StartedAt,
			ModelUsed:           ar.ModelUsed,
			PromptVersion:       ar.PromptVersion,
			RequiresHumanReview: ar.RequiresHumanReview,
		})
	}

	return res, nil
}
