package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/kpiledger/internal/metrics"
	"github.com/raphaelgruber/kpiledger/internal/models"
)

// defaultReviewThreshold is the accuracy score below which a run is flagged
// for human review.
const defaultReviewThreshold = 0.8

// RecordRunInput carries everything needed to persist one agent run.
type RecordRunInput struct {
	Narrative     string
	Citations     []models.Citation
	StartedAt     time.Time
	CompletedAt   *time.Time
	InputDataHash string
	PromptVersion string
	ModelUsed     string
	AccuracyScore *float64

	// Supersedes, when set, records the id of the run this one corrects.
	Supersedes string

	Metadata map[string]any
}

// AgentRecorder validates and persists agent narrative outputs. Validation
// happens synchronously before the write; a run that fails citation checks
// is rejected and never stored.
type AgentRecorder struct {
	store           Store
	log             *slog.Logger
	metrics         *metrics.Collector
	reviewThreshold float64
}

// NewAgentRecorder creates an agent recorder with the default review
// threshold.
func NewAgentRecorder(store Store, log *slog.Logger, collector *metrics.Collector) *AgentRecorder {
	if log == nil {
		log = slog.Default()
	}
	return &AgentRecorder{
		store:           store,
		log:             log,
		metrics:         collector,
		reviewThreshold: defaultReviewThreshold,
	}
}

// SetReviewThreshold overrides the accuracy score below which runs are
// flagged for review.
func (r *AgentRecorder) SetReviewThreshold(t float64) {
	r.reviewThreshold = t
}

// Record validates the narrative against its citations and persists the run.
// Every cited snapshot must exist, belong to the cited KPI, and have its
// canonical value string verbatim in the narrative. Every unavailability
// citation must have its literal marker in the narrative. Violations return
// a *CitationError.
func (r *AgentRecorder) Record(ctx context.Context, in RecordRunInput) (*models.AgentRun, error) {
	start := time.Now()
	run, err := r.record(ctx, in)
	r.metrics.RecordTiming(metrics.OpAgentRecord, time.Since(start), err != nil)
	return run, err
}

func (r *AgentRecorder) record(ctx context.Context, in RecordRunInput) (*models.AgentRun, error) {
	if in.Narrative == "" {
		return nil, fmt.Errorf("narrative is required")
	}
	if len(in.Citations) == 0 {
		return nil, fmt.Errorf("at least one citation is required")
	}

	gated := false
	var primarySnapshot *string
	for _, c := range in.Citations {
		snapGated, err := r.validateCitation(ctx, in.Narrative, c)
		if err != nil {
			return nil, err
		}
		gated = gated || snapGated
		if primarySnapshot == nil && c.SnapshotID != "" {
			id := c.SnapshotID
			primarySnapshot = &id
		}
	}

	review := gated
	if in.AccuracyScore != nil && *in.AccuracyScore < r.reviewThreshold {
		review = true
	}

	startedAt := in.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	inputHash := in.InputDataHash
	if inputHash == "" {
		sum := sha256.Sum256([]byte(in.Narrative))
		inputHash = hex.EncodeToString(sum[:])
	}

	meta := in.Metadata
	if in.Supersedes != "" {
		if meta == nil {
			meta = make(map[string]any, 1)
		}
		meta["supersedes"] = in.Supersedes
	}

	run := models.AgentRun{
		ID:                  models.NewRecordID("agent_run", uuid.New().String()),
		StartedAt:           startedAt,
		CompletedAt:         in.CompletedAt,
		InputDataHash:       inputHash,
		PromptVersion:       in.PromptVersion,
		ModelUsed:           in.ModelUsed,
		OutputNarrative:     in.Narrative,
		Citations:           in.Citations,
		AccuracyScore:       in.AccuracyScore,
		RequiresHumanReview: review,
		KpiSnapshotID:       primarySnapshot,
		Metadata:            meta,
	}

	if err := r.store.CreateAgentRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist agent run: %w", err)
	}

	r.log.Info("agent run recorded",
		"run_id", models.MustRecordIDString(run.ID),
		"citations", len(run.Citations),
		"requires_human_review", review)
	return &run, nil
}

// validateCitation checks one citation against the narrative. Returns
// whether the cited snapshot is quality-gated.
func (r *AgentRecorder) validateCitation(ctx context.Context, narrative string, c models.Citation) (bool, error) {
	if c.KpiID == "" {
		return false, &CitationError{Reason: "citation has no kpi id"}
	}
	if (c.SnapshotID == "") == (c.UnavailableReason == "") {
		return false, &CitationError{
			KpiID:  c.KpiID,
			Reason: "exactly one of snapshot_id and unavailable_reason must be set",
		}
	}

	if c.UnavailableReason != "" {
		marker := MarkerFor(c.UnavailableReason)
		if !strings.Contains(narrative, marker) {
			return false, &CitationError{
				KpiID:  c.KpiID,
				Reason: fmt.Sprintf("narrative lacks marker %q", marker),
			}
		}
		return false, nil
	}

	snap, err := r.store.GetSnapshot(ctx, c.SnapshotID)
	if err != nil {
		return false, fmt.Errorf("resolve citation %s: %w", c.SnapshotID, err)
	}
	if snap == nil {
		return false, &CitationError{
			KpiID:  c.KpiID,
			Reason: fmt.Sprintf("cited snapshot %s does not exist", c.SnapshotID),
		}
	}
	if snap.KpiID != c.KpiID {
		return false, &CitationError{
			KpiID:  c.KpiID,
			Reason: fmt.Sprintf("cited snapshot %s belongs to kpi %q", c.SnapshotID, snap.KpiID),
		}
	}
	if !strings.Contains(narrative, snap.ValueString()) {
		return false, &CitationError{
			KpiID:  c.KpiID,
			Reason: fmt.Sprintf("narrative lacks cited value %s", snap.ValueString()),
		}
	}
	return snap.QualityGated, nil
}

// RunsCiting returns all agent runs that cite a snapshot, oldest first.
func (r *AgentRecorder) RunsCiting(ctx context.Context, snapshotID string) ([]models.AgentRun, error) {
	return r.store.AgentRunsCiting(ctx, snapshotID)
}
