package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kpiledger/internal/service"
)

var traceAsOf string

var traceCmd = &cobra.Command{
	Use:   "trace <kpi-id>",
	Short: "Show the full audit trail for a KPI value",
	Long: `Resolve the newest chain-verified snapshot for a KPI and print its
value, lineage chain, ingest run and citing narratives. Snapshots that
fail chain verification are skipped and reported.

Examples:
  kpiledger trace revenue_mtd
  kpiledger trace revenue_mtd --as-of 2026-08-01T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	traceCmd.Flags().StringVar(&traceAsOf, "as-of", "", "point in time (RFC3339, default now)")
	rootCmd.AddCommand(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	var asOf time.Time
	if traceAsOf != "" {
		t, err := time.Parse(time.RFC3339, traceAsOf)
		if err != nil {
			return fmt.Errorf("parse --as-of: %w", err)
		}
		asOf = t
	}

	tracer := service.NewTraceService(store, nil, nil)
	res, err := tracer.Trace(context.Background(), args[0], asOf)
	if err != nil {
		if u, ok := service.AsUnavailable(err); ok {
			fmt.Println(service.MarkerFor(u.Reason))
			if u.Detail != "" {
				fmt.Printf("  %s\n", u.Detail)
			}
			return nil
		}
		return fmt.Errorf("trace: %w", err)
	}

	fmt.Printf("KPI: %s\n", res.KpiID)
	fmt.Printf("  Value: %s (version %s)\n", res.ValueString, res.CalculationVersion)
	fmt.Printf("  Calculated: %s\n", res.CalculatedAt.Format(time.RFC3339))
	fmt.Printf("  Snapshot: %s\n", res.SnapshotID)
	fmt.Printf("  Source table: %s\n", res.SourceTable)
	fmt.Printf("  Chain hash: %s\n", res.ChainHash)
	if res.QualityGated {
		fmt.Println("  QUALITY GATED: computed against a run with open critical issues")
	}

	fmt.Println("  Lineage:")
	for _, step := range res.Lineage {
		fmt.Printf("    %d. %s", step.Order, step.Name)
		if step.InputTable != "" {
			fmt.Printf(" (from %s)", step.InputTable)
		}
		fmt.Printf("\n       checksum %s\n", step.Checksum)
	}

	if res.IngestRun != nil {
		fmt.Printf("  Ingest run: %s (%s, %s, %d records)\n",
			res.IngestRun.ID, res.IngestRun.SourceSystem, res.IngestRun.Status, res.IngestRun.RecordsLoaded)
	}

	if len(res.CitedBy) == 0 {
		fmt.Println("  Cited by: no agent runs")
	} else {
		fmt.Println("  Cited by:")
		for _, ar := range res.CitedBy {
			flag := ""
			if ar.RequiresHumanReview {
				flag = " [needs review]"
			}
			fmt.Printf("    %s at %s%s\n", ar.ID, ar.StartedAt.Format(time.RFC3339), flag)
		}
	}
	return nil
}
