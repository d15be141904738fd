package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/raphaelgruber/kpiledger/internal/service"
)

func TestTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	runID := h.succeededRun(t, "hash-trace")
	h.evaluator.Set("revenue", "v1", fixtureResult(12500))
	snap, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	require.NoError(t, err)
	snapID := models.MustRecordIDString(snap.ID)

	_, err = h.recorder.Record(ctx, service.RecordRunInput{
		Narrative: "Revenue was " + snap.ValueString() + ".",
		Citations: []models.Citation{{KpiID: "revenue", SnapshotID: snapID}},
	})
	require.NoError(t, err)

	res, err := h.tracer.Trace(ctx, "revenue", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, snapID, res.SnapshotID)
	assert.Equal(t, 12500.0, res.Value)
	assert.Equal(t, snap.ValueString(), res.ValueString)
	assert.Equal(t, "v1", res.CalculationVersion)
	require.Len(t, res.Lineage, 2)
	assert.Equal(t, 1, res.Lineage[0].Order)
	require.NotNil(t, res.IngestRun)
	assert.Equal(t, runID, res.IngestRun.ID)
	assert.Equal(t, "warehouse", res.IngestRun.SourceSystem)
	require.Len(t, res.CitedBy, 1)
}

func TestTraceNoSnapshot(t *testing.T) {
	h := newHarness(t)

	_, err := h.tracer.Trace(context.Background(), "revenue", time.Time{})
	u, ok := service.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, service.ReasonNoSnapshot, u.Reason)
}

func TestTraceAsOfResolvesHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-asof")

	h.evaluator.Set("revenue", "v1", fixtureResult(100))
	first, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	require.NoError(t, err)

	cut := first.CalculatedAt

	time.Sleep(5 * time.Millisecond)
	h.evaluator.Set("revenue", "v1", fixtureResult(200))
	second, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	require.NoError(t, err)
	require.True(t, second.CalculatedAt.After(cut))

	// As of the first computation, the first value answers
	res, err := h.tracer.Trace(ctx, "revenue", cut)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.Value)

	// Now, the second does
	res, err = h.tracer.Trace(ctx, "revenue", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 200.0, res.Value)

	// Before everything: no snapshot
	_, err = h.tracer.Trace(ctx, "revenue", cut.Add(-time.Hour))
	u, ok := service.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, service.ReasonNoSnapshot, u.Reason)
}

func TestTraceSkipsTamperedSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-tamper")

	h.evaluator.Set("revenue", "v1", fixtureResult(100))
	older, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	h.evaluator.Set("revenue", "v1", fixtureResult(200))
	newer, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	require.NoError(t, err)
	newerID := models.MustRecordIDString(newer.ID)

	// Corrupt the newest snapshot's stored lineage
	require.True(t, h.store.TamperStepChecksum(newerID, 1, "tampered"))

	var reported []*service.LineageIntegrityError
	h.tracer.OnIntegrityError = func(e *service.LineageIntegrityError) {
		reported = append(reported, e)
	}

	res, err := h.tracer.Trace(ctx, "revenue", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.MustRecordIDString(older.ID), res.SnapshotID)
	assert.Equal(t, 100.0, res.Value)

	require.Len(t, reported, 1)
	assert.Equal(t, newerID, reported[0].SnapshotID)
	assert.Equal(t, "revenue", reported[0].KpiID)
}

func TestTraceAllCandidatesTampered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-all-tampered")

	h.evaluator.Set("revenue", "v1", fixtureResult(100))
	snap, err := h.engine.Compute(ctx, "revenue", "v1", runID)
	require.NoError(t, err)
	require.True(t, h.store.TamperStepChecksum(models.MustRecordIDString(snap.ID), 1, "tampered"))

	_, err = h.tracer.Trace(ctx, "revenue", time.Time{})
	u, ok := service.AsUnavailable(err)
	require.True(t, ok)
	assert.Equal(t, service.ReasonNoSnapshot, u.Reason)
}
