package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/raphaelgruber/kpiledger/internal/service"
	"github.com/raphaelgruber/kpiledger/internal/tabular"
)

var (
	computeVersion     string
	computeRunID       string
	computeValue       float64
	computeSourceTable string
	computeKind        string
	computeSteps       []string
)

var computeCmd = &cobra.Command{
	Use:   "compute <kpi-id>",
	Short: "Record a manually computed KPI snapshot with its lineage",
	Long: `Record a snapshot for a value computed outside the engine (a backfill or
a manual correction run). The value and its transformation steps are
declared on the command line; the engine applies the same gates as a
live computation: the ingest run must be trusted, the value must pass
numeric validation, and open critical issues mark the snapshot gated.

Each --step takes name:input-table:transformation and is checksummed
over those declared fields.

Examples:
  kpiledger compute revenue_mtd --version v1 --run 7f3a... --value 184200.5 \
    --source-table fct_revenue \
    --step "load:fct_revenue:SELECT amount FROM fct_revenue" \
    --step "sum::SUM(amount)"`,
	Args: cobra.ExactArgs(1),
	RunE: runCompute,
}

func init() {
	computeCmd.Flags().StringVar(&computeVersion, "version", "", "calculation version (required)")
	computeCmd.Flags().StringVar(&computeRunID, "run", "", "ingest run id the value derives from (required)")
	computeCmd.Flags().Float64Var(&computeValue, "value", 0, "computed value (required)")
	computeCmd.Flags().StringVar(&computeSourceTable, "source-table", "", "table the value was derived from")
	computeCmd.Flags().StringVar(&computeKind, "kind", "", "value bounds: unbounded, percentage or non_negative")
	computeCmd.Flags().StringArrayVar(&computeSteps, "step", nil, "lineage step as name:input-table:transformation (repeatable, required)")
	computeCmd.MarkFlagRequired("version")
	computeCmd.MarkFlagRequired("run")
	computeCmd.MarkFlagRequired("value")
	computeCmd.MarkFlagRequired("step")
	rootCmd.AddCommand(computeCmd)
}

func runCompute(cmd *cobra.Command, args []string) error {
	kpiID := args[0]

	steps := make([]tabular.Step, 0, len(computeSteps))
	for _, raw := range computeSteps {
		parts := strings.SplitN(raw, ":", 3)
		step := tabular.Step{Name: parts[0]}
		if len(parts) > 1 {
			step.InputTable = parts[1]
		}
		if len(parts) > 2 {
			step.Transformation = parts[2]
		}
		if step.Name == "" {
			return fmt.Errorf("invalid --step %q: empty name", raw)
		}
		step.Checksum = tabular.RowsChecksum([]tabular.Row{{
			"step":           tabular.String(step.Name),
			"input_table":    tabular.String(step.InputTable),
			"transformation": tabular.String(step.Transformation),
			"value":          tabular.Float(computeValue),
		}})
		steps = append(steps, step)
	}

	evaluator := service.NewFixtureEvaluator()
	evaluator.Set(kpiID, computeVersion, &tabular.Result{
		Value:       computeValue,
		SourceTable: computeSourceTable,
		Steps:       steps,
	})

	auditor := service.NewQualityAuditor(store, nil)
	engine := service.NewSnapshotEngine(store, auditor, evaluator, service.EngineConfig{
		LeaseTTL:     cfg.LeaseTTL,
		EvalTimeout:  cfg.EvalTimeout,
		PollInterval: cfg.PollInterval,
	}, nil, nil)

	if computeKind != "" {
		kind, err := service.ParseKpiKind(computeKind)
		if err != nil {
			return err
		}
		engine.RegisterKind(kpiID, kind)
	}

	snap, err := engine.Compute(context.Background(), kpiID, computeVersion, computeRunID)
	if err != nil {
		if u, ok := service.AsUnavailable(err); ok {
			fmt.Println(service.MarkerFor(u.Reason))
			if u.Detail != "" {
				fmt.Printf("  %s\n", u.Detail)
			}
			return nil
		}
		return fmt.Errorf("compute: %w", err)
	}

	fmt.Printf("Recorded snapshot for %s\n", kpiID)
	fmt.Printf("  ID: %s\n", models.MustRecordIDString(snap.ID))
	fmt.Printf("  Value: %s (version %s)\n", snap.ValueString(), snap.CalculationVersion)
	fmt.Printf("  Calculated: %s\n", snap.CalculatedAt.Format(time.RFC3339))
	fmt.Printf("  Chain hash: %s\n", snap.ChainHash)
	fmt.Printf("  Steps: %d\n", len(steps))
	if snap.QualityGated {
		fmt.Println("  QUALITY GATED: the ingest run has open critical issues")
	}
	return nil
}
