package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/raphaelgruber/kpiledger/internal/db"
	"github.com/raphaelgruber/kpiledger/internal/metrics"
	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/raphaelgruber/kpiledger/internal/tabular"
)

// KpiKind bounds the values a KPI may take. Unregistered KPIs default to
// unbounded.
type KpiKind string

const (
	KindUnbounded   KpiKind = "unbounded"
	KindPercentage  KpiKind = "percentage"
	KindNonNegative KpiKind = "non_negative"
)

// ParseKpiKind validates a kind name.
func ParseKpiKind(s string) (KpiKind, error) {
	switch KpiKind(s) {
	case KindUnbounded, KindPercentage, KindNonNegative:
		return KpiKind(s), nil
	}
	return "", fmt.Errorf("unknown kpi kind %q", s)
}

// EngineConfig tunes the snapshot engine. Zero values fall back to defaults.
type EngineConfig struct {
	// LeaseTTL bounds how long a crashed worker can hold a computation key.
	LeaseTTL time.Duration

	// EvalTimeout bounds a single evaluator call.
	EvalTimeout time.Duration

	// PollInterval is how often a lease waiter re-checks for the holder's
	// snapshot.
	PollInterval time.Duration
}

const (
	defaultLeaseTTL     = 2 * time.Minute
	defaultEvalTimeout  = 30 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

func (c EngineConfig) withDefaults() EngineConfig {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = defaultEvalTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// SnapshotEngine computes and persists KPI snapshots. Concurrent requests
// for the same (kpi_id, version) collapse: in-process via singleflight,
// across processes via the persisted computation lease. Exactly one
// snapshot row results from any burst of concurrent requests for one key.
type SnapshotEngine struct {
	store     Store
	auditor   *QualityAuditor
	evaluator Evaluator
	cfg       EngineConfig
	log       *slog.Logger
	metrics   *metrics.Collector

	// holder identifies this engine instance on lease rows.
	holder string

	flight singleflight.Group

	mu    sync.RWMutex
	kinds map[string]KpiKind
}

// NewSnapshotEngine creates a snapshot engine. evaluator may be nil when
// the deployment only serves traces; Compute then fails until one is set.
func NewSnapshotEngine(store Store, auditor *QualityAuditor, evaluator Evaluator, cfg EngineConfig, log *slog.Logger, collector *metrics.Collector) *SnapshotEngine {
	if log == nil {
		log = slog.Default()
	}
	return &SnapshotEngine{
		store:     store,
		auditor:   auditor,
		evaluator: evaluator,
		cfg:       cfg.withDefaults(),
		log:       log,
		metrics:   collector,
		holder:    uuid.New().String(),
		kinds:     make(map[string]KpiKind),
	}
}

// RegisterKind declares the value bounds for a KPI. Unregistered KPIs are
// unbounded.
func (e *SnapshotEngine) RegisterKind(kpiID string, kind KpiKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds[kpiID] = kind
}

func (e *SnapshotEngine) kindOf(kpiID string) KpiKind {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if k, ok := e.kinds[kpiID]; ok {
		return k
	}
	return KindUnbounded
}

// checkBounds validates a computed value against the KPI's declared kind.
func (e *SnapshotEngine) checkBounds(kpiID string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("value is not a finite number")
	}
	switch e.kindOf(kpiID) {
	case KindPercentage:
		if v < 0 || v > 100 {
			return fmt.Errorf("percentage value %s outside [0,100]", models.FormatValue(v))
		}
	case KindNonNegative:
		if v < 0 {
			return fmt.Errorf("non-negative value %s below zero", models.FormatValue(v))
		}
	}
	return nil
}

// Latest returns the newest snapshot for a KPI and version, or nil.
func (e *SnapshotEngine) Latest(ctx context.Context, kpiID, version string) (*models.KpiSnapshot, error) {
	return e.store.LatestSnapshot(ctx, kpiID, version)
}

// Compute derives and persists a new snapshot for a KPI. The run must be in
// a trusted terminal state; anything else is Unavailable, never a silent
// default. Concurrent calls for the same (kpi_id, version) share one
// computation and all receive the same snapshot.
func (e *SnapshotEngine) Compute(ctx context.Context, kpiID, version, runID string) (*models.KpiSnapshot, error) {
	start := time.Now()
	snap, err := e.compute(ctx, kpiID, version, runID)
	e.metrics.RecordTiming(metrics.OpCompute, time.Since(start), err != nil)
	return snap, err
}

func (e *SnapshotEngine) compute(ctx context.Context, kpiID, version, runID string) (*models.KpiSnapshot, error) {
	if kpiID == "" || version == "" {
		return nil, fmt.Errorf("kpi id and calculation version are required")
	}
	if e.evaluator == nil {
		return nil, fmt.Errorf("no evaluator configured")
	}
	if runID == "" {
		return nil, unavailable(ReasonSourceUnresolved, "no ingest run given")
	}

	run, err := e.store.GetIngestRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("resolve ingest run: %w", err)
	}
	if run == nil || !run.Status.Trusted() {
		status := "missing"
		if run != nil {
			status = string(run.Status)
		}
		return nil, unavailable(ReasonSourceUnresolved,
			fmt.Sprintf("ingest run %s is %s", runID, status))
	}

	key := models.LeaseKey(kpiID, version)
	v, err, _ := e.flight.Do(key, func() (any, error) {
		return e.computeLeased(ctx, key, kpiID, version, run)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.KpiSnapshot), nil
}

// computeLeased runs under the in-process singleflight; the persisted lease
// extends the same exclusivity across processes.
func (e *SnapshotEngine) computeLeased(ctx context.Context, key, kpiID, version string, run *models.IngestRun) (*models.KpiSnapshot, error) {
	now := time.Now().UTC()
	_, err := e.store.AcquireLease(ctx, key, e.holder, now, now.Add(e.cfg.LeaseTTL))
	if errors.Is(err, db.ErrLeaseHeld) {
		return e.awaitHolder(ctx, key, kpiID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	defer func() {
		// Release on a detached context so a canceled request cannot
		// strand the lease until TTL expiry.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := e.store.ReleaseLease(rctx, key, e.holder); rerr != nil {
			e.log.Warn("lease release failed", "key", key, "error", rerr)
		}
	}()

	result, err := e.evaluate(ctx, kpiID, version, run)
	if err != nil {
		return nil, err
	}

	if verr := result.Validate(); verr != nil {
		return nil, unavailable(ReasonInvalidValue, verr.Error())
	}
	if berr := e.checkBounds(kpiID, result.Value); berr != nil {
		return nil, unavailable(ReasonInvalidValue, berr.Error())
	}

	chain := NewChain()
	for i, s := range result.Steps {
		if aerr := chain.Append(i+1, s.Name, s.InputTable, s.Transformation, s.Checksum); aerr != nil {
			return nil, unavailable(ReasonInvalidValue, aerr.Error())
		}
	}
	hash, err := chain.Seal()
	if err != nil {
		return nil, unavailable(ReasonInvalidValue, err.Error())
	}

	runID := models.MustRecordIDString(run.ID)
	gated, err := e.auditor.HasOpenCritical(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("quality gate check: %w", err)
	}

	snap := models.KpiSnapshot{
		ID:                 models.NewRecordID("kpi_snapshot", uuid.New().String()),
		KpiID:              kpiID,
		CalculatedAt:       time.Now().UTC(),
		Value:              result.Value,
		CalculationVersion: version,
		SourceTable:        result.SourceTable,
		IngestRunID:        &runID,
		QualityGated:       gated,
		ChainHash:          hash,
	}

	snapID := models.MustRecordIDString(snap.ID)
	steps := make([]models.LineageStep, len(result.Steps))
	for i, s := range result.Steps {
		steps[i] = models.LineageStep{
			ID:             models.NewRecordID("lineage_step", uuid.New().String()),
			KpiSnapshotID:  snapID,
			StepOrder:      i + 1,
			StepName:       s.Name,
			InputTable:     s.InputTable,
			Transformation: s.Transformation,
			Checksum:       s.Checksum,
		}
	}

	if err := e.store.CreateSnapshotWithSteps(ctx, snap, steps); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	e.log.Info("snapshot computed",
		"snapshot_id", snapID,
		"kpi_id", kpiID,
		"version", version,
		"value", snap.ValueString(),
		"steps", len(steps),
		"quality_gated", gated)
	return &snap, nil
}

// evaluate runs the evaluator under the configured timeout. Any evaluator
// failure is Unavailable with reason source_timeout; the caller may retry.
func (e *SnapshotEngine) evaluate(ctx context.Context, kpiID, version string, run *models.IngestRun) (*tabular.Result, error) {
	ectx, cancel := context.WithTimeout(ctx, e.cfg.EvalTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.evaluator.Evaluate(ectx, kpiID, version, run)
	e.metrics.RecordTiming(metrics.OpEvaluator, time.Since(start), err != nil)
	if err != nil {
		e.log.Warn("evaluator failed", "kpi_id", kpiID, "version", version, "error", err)
		return nil, unavailable(ReasonSourceTimeout, err.Error())
	}
	if res == nil {
		return nil, unavailable(ReasonSourceTimeout, "evaluator returned no result")
	}
	return res, nil
}

// awaitHolder waits for another worker's in-flight computation. It polls for
// a snapshot calculated at or after the lease was acquired and gives up,
// bounded, at lease expiry.
func (e *SnapshotEngine) awaitHolder(ctx context.Context, key, kpiID, version string) (*models.KpiSnapshot, error) {
	lease, err := e.store.GetLease(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("inspect lease %s: %w", key, err)
	}

	// Holder finished between our acquire attempt and the lookup. Its
	// snapshot, if any, is already the latest row.
	if lease == nil {
		snap, err := e.store.LatestSnapshot(ctx, kpiID, version)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			return snap, nil
		}
		return nil, unavailable(ReasonLeaseTimeout,
			fmt.Sprintf("lease on %s released without a snapshot", key))
	}

	deadline := lease.ExpiresAt
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		snap, err := e.store.LatestSnapshot(ctx, kpiID, version)
		if err != nil {
			return nil, err
		}
		if snap != nil && !snap.CalculatedAt.Before(lease.AcquiredAt) {
			return snap, nil
		}

		if !time.Now().UTC().Before(deadline) {
			return nil, unavailable(ReasonLeaseTimeout,
				fmt.Sprintf("lease on %s held past expiry by %s", key, lease.Holder))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
