package service_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kpiledger/internal/db/memory"
	"github.com/raphaelgruber/kpiledger/internal/metrics"
	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/raphaelgruber/kpiledger/internal/service"
	"github.com/raphaelgruber/kpiledger/internal/tabular"
)

// harness wires the full service stack over the in-memory store with fast
// timeouts.
type harness struct {
	store     *memory.Store
	tracker   *service.IngestTracker
	auditor   *service.QualityAuditor
	evaluator *service.FixtureEvaluator
	engine    *service.SnapshotEngine
	recorder  *service.AgentRecorder
	tracer    *service.TraceService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	collector := metrics.NewCollector()

	auditor := service.NewQualityAuditor(store, log)
	evaluator := service.NewFixtureEvaluator()
	engine := service.NewSnapshotEngine(store, auditor, evaluator, service.EngineConfig{
		LeaseTTL:     500 * time.Millisecond,
		EvalTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
	}, log, collector)

	recorder := service.NewAgentRecorder(store, log, collector)

	return &harness{
		store:     store,
		tracker:   service.NewIngestTracker(store, log),
		auditor:   auditor,
		evaluator: evaluator,
		engine:    engine,
		recorder:  recorder,
		tracer:    service.NewTraceService(store, log, collector),
	}
}

// succeededRun starts and completes an ingest run, returning its id.
func (h *harness) succeededRun(t *testing.T, inputHash string) string {
	t.Helper()

	ctx := context.Background()
	run, deduped, err := h.tracker.Start(ctx, "warehouse", inputHash)
	require.NoError(t, err)
	require.False(t, deduped)

	id := models.MustRecordIDString(run.ID)
	require.NoError(t, h.tracker.Complete(ctx, id, models.RunSucceeded, 100, ""))
	return id
}

// fixtureResult is a minimal valid evaluator result.
func fixtureResult(value float64) *tabular.Result {
	loaded := []tabular.Row{{"total": tabular.Float(value)}}
	summed := []tabular.Row{{"sum": tabular.Float(value)}}
	return &tabular.Result{
		Value:       value,
		SourceTable: "orders",
		Steps: []tabular.Step{
			{Name: "load", InputTable: "orders", Transformation: "select", Checksum: tabular.RowsChecksum(loaded)},
			{Name: "aggregate", Transformation: "sum(total)", Checksum: tabular.RowsChecksum(summed)},
		},
	}
}
