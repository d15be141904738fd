package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/raphaelgruber/kpiledger/internal/service"
)

var (
	ingestSource  string
	ingestHash    string
	ingestStatus  string
	ingestRecords int64
	ingestDetails string
	ingestLimit   int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Track ingest run lifecycles",
	Long: `Start, complete, list and purge ingest runs.

Examples:
  kpiledger ingest start --source warehouse --hash sha256:abc...
  kpiledger ingest complete 7f3a... --status succeeded --records 1200
  kpiledger ingest list
  kpiledger ingest purge 7f3a...`,
}

var ingestStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new ingest run",
	RunE:  runIngestStart,
}

var ingestCompleteCmd = &cobra.Command{
	Use:   "complete <run-id>",
	Short: "Complete a running ingest run",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestComplete,
}

var ingestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent ingest runs",
	RunE:  runIngestList,
}

var ingestPurgeCmd = &cobra.Command{
	Use:   "purge <run-id>",
	Short: "Delete a run and its issues (refused while snapshots reference it)",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestPurge,
}

func init() {
	ingestStartCmd.Flags().StringVarP(&ingestSource, "source", "s", "", "source system name (required)")
	ingestStartCmd.Flags().StringVar(&ingestHash, "hash", "", "input data hash (required)")
	_ = ingestStartCmd.MarkFlagRequired("source")
	_ = ingestStartCmd.MarkFlagRequired("hash")

	ingestCompleteCmd.Flags().StringVar(&ingestStatus, "status", "succeeded", "terminal status: succeeded, failed, partial, cancelled")
	ingestCompleteCmd.Flags().Int64Var(&ingestRecords, "records", 0, "records loaded")
	ingestCompleteCmd.Flags().StringVar(&ingestDetails, "details", "", "completion details")

	ingestListCmd.Flags().IntVarP(&ingestLimit, "limit", "n", 20, "max results")

	ingestCmd.AddCommand(ingestStartCmd)
	ingestCmd.AddCommand(ingestCompleteCmd)
	ingestCmd.AddCommand(ingestListCmd)
	ingestCmd.AddCommand(ingestPurgeCmd)
	rootCmd.AddCommand(ingestCmd)
}

func ingestTracker() *service.IngestTracker {
	return service.NewIngestTracker(store, nil)
}

func runIngestStart(cmd *cobra.Command, args []string) error {
	run, deduped, err := ingestTracker().Start(context.Background(), ingestSource, ingestHash)
	if err != nil {
		return fmt.Errorf("start ingest run: %w", err)
	}

	if deduped {
		fmt.Printf("Replay deduplicated: run %s already succeeded for this input\n",
			models.MustRecordIDString(run.ID))
		return nil
	}
	fmt.Printf("Started run %s (source %s)\n", models.MustRecordIDString(run.ID), run.SourceSystem)
	return nil
}

func runIngestComplete(cmd *cobra.Command, args []string) error {
	err := ingestTracker().Complete(context.Background(), args[0],
		models.RunStatus(ingestStatus), ingestRecords, ingestDetails)
	if err != nil {
		return fmt.Errorf("complete ingest run: %w", err)
	}
	fmt.Printf("Run %s completed as %s\n", args[0], ingestStatus)
	return nil
}

func runIngestList(cmd *cobra.Command, args []string) error {
	runs, err := ingestTracker().List(context.Background(), ingestLimit)
	if err != nil {
		return fmt.Errorf("list ingest runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No ingest runs found")
		return nil
	}

	fmt.Printf("%-38s %-14s %-10s %-10s %s\n", "ID", "SOURCE", "STATUS", "RECORDS", "STARTED")
	fmt.Println("--------------------------------------------------------------------------------------")
	for _, run := range runs {
		fmt.Printf("%-38s %-14s %-10s %-10d %s\n",
			models.MustRecordIDString(run.ID),
			run.SourceSystem,
			run.Status,
			run.RecordsLoaded,
			run.StartedAt.Format(time.RFC3339))
	}
	return nil
}

func runIngestPurge(cmd *cobra.Command, args []string) error {
	if err := ingestTracker().Purge(context.Background(), args[0]); err != nil {
		return fmt.Errorf("purge ingest run: %w", err)
	}
	fmt.Printf("Run %s purged\n", args[0])
	return nil
}
