package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/raphaelgruber/kpiledger/internal/service"
	"github.com/raphaelgruber/kpiledger/internal/tabular"
)

func TestComputeSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	runID := h.succeededRun(t, "hash-compute")
	h.evaluator.Set("revenue", "v1", fixtureResult(12500))

	snap, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	require.NoError(t, err)
	assert.Equal(t, "revenue", snap.KpiID)
	assert.Equal(t, 12500.0, snap.Value)
	assert.Equal(t, "v1", snap.CalculationVersion)
	assert.Equal(t, "orders", snap.SourceTable)
	assert.Equal(t, runID, *snap.IngestRunID)
	assert.False(t, snap.QualityGated)
	assert.NotEmpty(t, snap.ChainHash)

	// Stored steps re-derive the stored hash
	snapID := models.MustRecordIDString(snap.ID)
	steps, err := h.store.LineageSteps(ctx, snapID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Nil(t, service.VerifySteps(snap, steps))
}

func TestComputeRequiresTrustedRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.evaluator.Set("revenue", "v1", fixtureResult(1))

	// No run at all
	_, err := h.engine.Compute(ctx, "revenue", "v1", "")
	u, ok := service.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, service.ReasonSourceUnresolved, u.Reason)

	// Unknown run
	_, err = h.engine.Compute(ctx, "revenue", "v1", "no-such-run")
	u, ok = service.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, service.ReasonSourceUnresolved, u.Reason)

	// Still running
	run, _, err := h.tracker.Start(ctx, "warehouse", "hash-running")
	require.NoError(t, err)
	_, err = h.engine.Compute(ctx, "revenue", "v1", models.MustRecordIDString(run.ID))
	u, ok = service.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, service.ReasonSourceUnresolved, u.Reason)

	// Failed
	failed, _, err := h.tracker.Start(ctx, "warehouse", "hash-failed-run")
	require.NoError(t, err)
	failedID := models.MustRecordIDString(failed.ID)
	require.NoError(t, h.tracker.Complete(ctx, failedID, models.RunFailed, 0, ""))
	_, err = h.engine.Compute(ctx, "revenue", "v1", failedID)
	u, ok = service.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, service.ReasonSourceUnresolved, u.Reason)
}

func TestComputeAcceptsPartialRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, _, err := h.tracker.Start(ctx, "warehouse", "hash-partial")
	require.NoError(t, err)
	runID := models.MustRecordIDString(run.ID)
	require.NoError(t, h.tracker.Complete(ctx, runID, models.RunPartial, 50, "late rows"))

	h.evaluator.Set("revenue", "v1", fixtureResult(99))
	snap, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	require.NoError(t, err)
	assert.Equal(t, 99.0, snap.Value)
}

func TestComputeEvaluatorFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	runID := h.succeededRun(t, "hash-eval-fail")
	h.evaluator.SetError("revenue", "v1", errors.New("view layer unreachable"))

	_, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	u, ok := service.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, service.ReasonSourceTimeout, u.Reason)

	// Nothing was persisted
	latest, err := h.engine.Latest(ctx, "revenue", "v1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestComputeRejectsNonFiniteValues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-nan")

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		h.evaluator.Set("revenue", "v1", fixtureResult(v))
		_, err := h.engine.Compute(ctx, "revenue", "v1", runID)
		u, ok := service.AsUnavailable(err)
		require.True(t, ok)
		assert.Equal(t, service.ReasonInvalidValue, u.Reason)
	}
}

func TestComputeEnforcesKindBounds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-bounds")

	h.engine.RegisterKind("conversion_rate", service.KindPercentage)
	h.engine.RegisterKind("order_count", service.KindNonNegative)

	h.evaluator.Set("conversion_rate", "v1", fixtureResult(104.5))
	_, err := h.engine.Compute(ctx, "conversion_rate", "v1", runID)
	u, ok := service.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, service.ReasonInvalidValue, u.Reason)

	h.evaluator.Set("order_count", "v1", fixtureResult(-3))
	_, err = h.engine.Compute(ctx, "order_count", "v1", runID)
	u, ok = service.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, service.ReasonInvalidValue, u.Reason)

	// In-bounds values pass
	h.evaluator.Set("conversion_rate", "v1", fixtureResult(42.5))
	_, err = h.engine.Compute(ctx, "conversion_rate", "v1", runID)
	assert.NoError(t, err)
}

func TestComputeRejectsEmptyLineage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-nosteps")

	res := fixtureResult(10)
	res.Steps = nil
	h.evaluator.Set("revenue", "v1", res)

	_, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	u, ok := service.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, service.ReasonInvalidValue, u.Reason)
}

func TestComputeQualityGating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-gate")
	h.evaluator.Set("revenue", "v1", fixtureResult(100))

	issue, err := h.auditor.RecordIssue(ctx, runID, models.SeverityCritical, "row_count_mismatch", nil, "")
	require.NoError(t, err)

	gated, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	require.NoError(t, err)
	assert.True(t, gated.QualityGated)

	// Resolving and recomputing appends a clean snapshot; the gated row is
	// immutable history.
	require.NoError(t, h.auditor.ResolveIssue(ctx, models.MustRecordIDString(issue.ID)))
	clean, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	require.NoError(t, err)
	assert.False(t, clean.QualityGated)
	assert.NotEqual(t, gated.ID, clean.ID)

	old, err := h.store.GetSnapshot(ctx, models.MustRecordIDString(gated.ID))
	require.NoError(t, err)
	assert.True(t, old.QualityGated)
}

func TestConcurrentComputeProducesOneSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-conc")
	h.evaluator.Set("revenue", "v1", fixtureResult(777))

	// Slow the evaluator down so every worker joins the same flight.
	slow := service.EvaluatorFunc(func(ctx context.Context, kpiID, version string, _ *models.IngestRun) (*tabular.Result, error) {
		time.Sleep(100 * time.Millisecond)
		return fixtureResult(777), nil
	})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := service.NewSnapshotEngine(h.store, h.auditor, slow, service.EngineConfig{
		LeaseTTL:     time.Second,
		EvalTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
	}, log, nil)

	const workers = 20
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			snap, err := engine.Compute(ctx, "revenue", "v1", runID)
			if err == nil {
				ids[n] = models.MustRecordIDString(snap.ID)
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.Equal(t, ids[0], id)
	}

	snaps, err := h.store.SnapshotsAsOf(ctx, "revenue", time.Now().UTC().Add(time.Minute), 50)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestComputeHoldsAndReleasesLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-lease-lifecycle")

	release := make(chan struct{})
	blocking := service.EvaluatorFunc(func(ctx context.Context, kpiID, version string, _ *models.IngestRun) (*tabular.Result, error) {
		<-release
		return fixtureResult(42), nil
	})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := service.NewSnapshotEngine(h.store, h.auditor, blocking, service.EngineConfig{
		LeaseTTL:     5 * time.Second,
		EvalTimeout:  5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}, log, nil)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Compute(ctx, "revenue", "v1", runID)
		done <- err
	}()

	// The lease row exists while the evaluator runs.
	key := models.LeaseKey("revenue", "v1")
	require.Eventually(t, func() bool {
		lease, err := h.store.GetLease(ctx, key)
		return err == nil && lease != nil
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-done)

	// And is gone once the computation finishes.
	lease, err := h.store.GetLease(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestComputeSeparateVersions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-versions")

	h.evaluator.Set("revenue", "v1", fixtureResult(100))
	h.evaluator.Set("revenue", "v2", fixtureResult(110))

	v1, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	require.NoError(t, err)
	v2, err := h.engine.Compute(ctx, "revenue", "v2", runID)
	require.NoError(t, err)

	assert.NotEqual(t, v1.ID, v2.ID)
	assert.Equal(t, 100.0, v1.Value)
	assert.Equal(t, 110.0, v2.Value)
}

func TestComputeWaitsForForeignLeaseHolder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-lease-wait")
	h.evaluator.Set("revenue", "v1", fixtureResult(500))

	// Another worker holds the lease.
	key := models.LeaseKey("revenue", "v1")
	now := time.Now().UTC()
	_, err := h.store.AcquireLease(ctx, key, "other-worker", now, now.Add(time.Second))
	require.NoError(t, err)

	done := make(chan struct{})
	var snap *models.KpiSnapshot
	var computeErr error
	go func() {
		defer close(done)
		snap, computeErr = h.engine.Compute(ctx, "revenue", "v1", runID)
	}()

	// Simulate the holder finishing its computation.
	time.Sleep(50 * time.Millisecond)
	theirs := models.KpiSnapshot{
		ID:                 models.NewRecordID("kpi_snapshot", "foreign-snap"),
		KpiID:              "revenue",
		CalculatedAt:       time.Now().UTC(),
		Value:              500,
		CalculationVersion: "v1",
		ChainHash:          service.ChainHash([]string{"cs1"}),
		IngestRunID:        &runID,
	}
	steps := []models.LineageStep{{
		ID:            models.NewRecordID("lineage_step", "foreign-step"),
		KpiSnapshotID: "foreign-snap",
		StepOrder:     1,
		StepName:      "load",
		Checksum:      "cs1",
	}}
	require.NoError(t, h.store.CreateSnapshotWithSteps(ctx, theirs, steps))

	<-done
	require.NoError(t, computeErr)
	assert.Equal(t, "foreign-snap", models.MustRecordIDString(snap.ID))
}

func TestComputeLeaseTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-lease-timeout")
	h.evaluator.Set("revenue", "v1", fixtureResult(500))

	// A stuck worker holds the lease and never produces a snapshot.
	key := models.LeaseKey("revenue", "v1")
	now := time.Now().UTC()
	_, err := h.store.AcquireLease(ctx, key, "stuck-worker", now, now.Add(150*time.Millisecond))
	require.NoError(t, err)

	_, err = h.engine.Compute(ctx, "revenue", "v1", runID)
	u, ok := service.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, service.ReasonLeaseTimeout, u.Reason)
}
