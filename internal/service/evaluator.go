package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/raphaelgruber/kpiledger/internal/tabular"
)

// Evaluator computes a KPI value against the external tabular data source.
// The engine owns timeouts, validation, leasing and persistence; evaluators
// own only the derivation. The SQL view layer behind a provider is opaque
// to everything in this package.
type Evaluator interface {
	Evaluate(ctx context.Context, kpiID, version string, run *models.IngestRun) (*tabular.Result, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, kpiID, version string, run *models.IngestRun) (*tabular.Result, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, kpiID, version string, run *models.IngestRun) (*tabular.Result, error) {
	return f(ctx, kpiID, version, run)
}

// KpiDefinition describes how a KPI derives from a provider table: one
// column, one aggregate.
type KpiDefinition struct {
	Table     string
	Column    string
	Aggregate string // sum, avg or count
}

// ProviderEvaluator derives KPI values from a tabular.Provider using
// registered definitions. The load step checksums the fetched rows, the
// aggregate step checksums the derived value, so recomputation over changed
// inputs is visible in the lineage chain.
type ProviderEvaluator struct {
	provider tabular.Provider

	mu   sync.RWMutex
	defs map[string]KpiDefinition
}

// NewProviderEvaluator creates an evaluator over the given provider.
func NewProviderEvaluator(p tabular.Provider) *ProviderEvaluator {
	return &ProviderEvaluator{
		provider: p,
		defs:     make(map[string]KpiDefinition),
	}
}

// Define registers the derivation for a KPI and version.
func (e *ProviderEvaluator) Define(kpiID, version string, def KpiDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[models.LeaseKey(kpiID, version)] = def
}

// Evaluate fetches the definition's table and applies its aggregate.
func (e *ProviderEvaluator) Evaluate(ctx context.Context, kpiID, version string, _ *models.IngestRun) (*tabular.Result, error) {
	e.mu.RLock()
	def, ok := e.defs[models.LeaseKey(kpiID, version)]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no definition for %s", models.LeaseKey(kpiID, version))
	}

	rows, err := e.provider.Rows(ctx, def.Table)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", def.Table, err)
	}

	var value float64
	switch def.Aggregate {
	case "count":
		value = float64(len(rows))
	case "sum", "avg":
		var sum float64
		for i, row := range rows {
			cell, ok := row[def.Column]
			if !ok {
				return nil, fmt.Errorf("table %s row %d: missing column %q", def.Table, i, def.Column)
			}
			f, ferr := cell.AsFloat()
			if ferr != nil {
				return nil, fmt.Errorf("table %s row %d: %w", def.Table, i, ferr)
			}
			sum += f
		}
		value = sum
		if def.Aggregate == "avg" {
			if len(rows) == 0 {
				return nil, fmt.Errorf("avg over empty table %s", def.Table)
			}
			value = sum / float64(len(rows))
		}
	default:
		return nil, fmt.Errorf("unknown aggregate %q", def.Aggregate)
	}

	derived := []tabular.Row{{def.Column: tabular.Float(value)}}
	return &tabular.Result{
		Value:       value,
		SourceTable: def.Table,
		Steps: []tabular.Step{
			{
				Name:           "load",
				InputTable:     def.Table,
				Transformation: "select " + def.Column,
				Checksum:       tabular.RowsChecksum(rows),
			},
			{
				Name:           def.Aggregate,
				Transformation: fmt.Sprintf("%s(%s)", def.Aggregate, def.Column),
				Checksum:       tabular.RowsChecksum(derived),
			},
		},
	}, nil
}

// FixtureEvaluator serves canned results keyed by kpi_id@version. Used in
// tests and for local development of the server binary.
type FixtureEvaluator struct {
	mu      sync.RWMutex
	results map[string]*tabular.Result
	errs    map[string]error
}

// NewFixtureEvaluator creates an empty fixture evaluator.
func NewFixtureEvaluator() *FixtureEvaluator {
	return &FixtureEvaluator{
		results: make(map[string]*tabular.Result),
		errs:    make(map[string]error),
	}
}

// Set registers a canned result for a KPI and version.
func (e *FixtureEvaluator) Set(kpiID, version string, result *tabular.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[models.LeaseKey(kpiID, version)] = result
}

// SetError registers a canned failure for a KPI and version.
func (e *FixtureEvaluator) SetError(kpiID, version string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs[models.LeaseKey(kpiID, version)] = err
}

// Evaluate returns the canned result, the canned error, or an error for
// unknown keys.
func (e *FixtureEvaluator) Evaluate(ctx context.Context, kpiID, version string, _ *models.IngestRun) (*tabular.Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	key := models.LeaseKey(kpiID, version)
	if err, ok := e.errs[key]; ok {
		return nil, err
	}
	if r, ok := e.results[key]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("no fixture for %s", key)
}
