package service_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/raphaelgruber/kpiledger/internal/service"
	"github.com/raphaelgruber/kpiledger/internal/tabular"
)

func ordersProvider() tabular.StaticProvider {
	return tabular.StaticProvider{
		"orders": {
			{"total": tabular.Float(100.5), "region": tabular.String("eu")},
			{"total": tabular.Float(200), "region": tabular.String("us")},
			{"total": tabular.Int(50), "region": tabular.String("us")},
		},
	}
}

func TestProviderEvaluatorAggregates(t *testing.T) {
	ctx := context.Background()
	eval := service.NewProviderEvaluator(ordersProvider())
	eval.Define("revenue", "v1", service.KpiDefinition{Table: "orders", Column: "total", Aggregate: "sum"})
	eval.Define("avg_order", "v1", service.KpiDefinition{Table: "orders", Column: "total", Aggregate: "avg"})
	eval.Define("order_count", "v1", service.KpiDefinition{Table: "orders", Aggregate: "count"})

	sum, err := eval.Evaluate(ctx, "revenue", "v1", nil)
	require.NoError(t, err)
	assert.Equal(t, 350.5, sum.Value)
	assert.Equal(t, "orders", sum.SourceTable)
	require.Len(t, sum.Steps, 2)
	assert.Equal(t, "load", sum.Steps[0].Name)
	assert.Equal(t, "sum", sum.Steps[1].Name)
	assert.NoError(t, sum.Validate())

	avg, err := eval.Evaluate(ctx, "avg_order", "v1", nil)
	require.NoError(t, err)
	assert.InDelta(t, 350.5/3, avg.Value, 1e-9)

	count, err := eval.Evaluate(ctx, "order_count", "v1", nil)
	require.NoError(t, err)
	assert.Equal(t, 3.0, count.Value)

	// Same definitions over the same rows checksum identically; the load
	// checksum moves when the rows do.
	again, err := eval.Evaluate(ctx, "revenue", "v1", nil)
	require.NoError(t, err)
	assert.Equal(t, sum.Steps[0].Checksum, again.Steps[0].Checksum)

	grown := service.NewProviderEvaluator(tabular.StaticProvider{
		"orders": append(ordersProvider()["orders"], tabular.Row{"total": tabular.Float(1)}),
	})
	grown.Define("revenue", "v1", service.KpiDefinition{Table: "orders", Column: "total", Aggregate: "sum"})
	changed, err := grown.Evaluate(ctx, "revenue", "v1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, sum.Steps[0].Checksum, changed.Steps[0].Checksum)
}

func TestProviderEvaluatorErrors(t *testing.T) {
	ctx := context.Background()
	eval := service.NewProviderEvaluator(ordersProvider())

	// No definition registered
	_, err := eval.Evaluate(ctx, "unknown", "v1", nil)
	assert.Error(t, err)

	// Unknown table
	eval.Define("ghost", "v1", service.KpiDefinition{Table: "no_such_table", Column: "x", Aggregate: "sum"})
	_, err = eval.Evaluate(ctx, "ghost", "v1", nil)
	assert.Error(t, err)

	// Missing column
	eval.Define("missing", "v1", service.KpiDefinition{Table: "orders", Column: "discount", Aggregate: "sum"})
	_, err = eval.Evaluate(ctx, "missing", "v1", nil)
	assert.Error(t, err)

	// Non-numeric column
	eval.Define("text", "v1", service.KpiDefinition{Table: "orders", Column: "region", Aggregate: "sum"})
	_, err = eval.Evaluate(ctx, "text", "v1", nil)
	assert.Error(t, err)

	// Unknown aggregate
	eval.Define("median", "v1", service.KpiDefinition{Table: "orders", Column: "total", Aggregate: "median"})
	_, err = eval.Evaluate(ctx, "median", "v1", nil)
	assert.Error(t, err)

	// Average over an empty table
	empty := service.NewProviderEvaluator(tabular.StaticProvider{"orders": {}})
	empty.Define("avg", "v1", service.KpiDefinition{Table: "orders", Column: "total", Aggregate: "avg"})
	_, err = empty.Evaluate(ctx, "avg", "v1", nil)
	assert.Error(t, err)
}

func TestComputeWithProviderEvaluator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.succeededRun(t, "hash-provider")

	eval := service.NewProviderEvaluator(ordersProvider())
	eval.Define("revenue", "v1", service.KpiDefinition{Table: "orders", Column: "total", Aggregate: "sum"})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := service.NewSnapshotEngine(h.store, h.auditor, eval, service.EngineConfig{
		LeaseTTL:     time.Second,
		EvalTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
	}, log, nil)

	snap, err := engine.Compute(ctx, "revenue", "v1", runID)
	require.NoError(t, err)
	assert.Equal(t, 350.5, snap.Value)
	assert.Equal(t, "orders", snap.SourceTable)

	steps, err := h.store.LineageSteps(ctx, models.MustRecordIDString(snap.ID))
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Nil(t, service.VerifySteps(snap, steps))
}
