package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kpiledger/internal/models"
	"github.com/raphaelgruber/kpiledger/internal/service"
)

var (
	agentNarrative   string
	agentCites       []string
	agentUnavailable []string
	agentModel       string
	agentPrompt      string
	agentSupersedes  string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Record and inspect agent narrative runs",
	Long: `Persist agent narrative outputs with citation enforcement. Every
number the narrative claims must be backed by a cited snapshot; every
unavailable KPI must carry its literal marker.

Examples:
  kpiledger agent record --narrative "Revenue was 12500." \
      --cite revenue_mtd:7f3a...
  kpiledger agent citing 7f3a...`,
}

var agentRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Validate and persist an agent run",
	RunE:  runAgentRecord,
}

var agentCitingCmd = &cobra.Command{
	Use:   "citing <snapshot-id>",
	Short: "List agent runs that cite a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentCiting,
}

func init() {
	agentRecordCmd.Flags().StringVar(&agentNarrative, "narrative", "", "narrative text (required)")
	agentRecordCmd.Flags().StringArrayVar(&agentCites, "cite", nil, "citation as kpi_id:snapshot_id (repeatable)")
	agentRecordCmd.Flags().StringArrayVar(&agentUnavailable, "cite-unavailable", nil, "unavailability as kpi_id:reason (repeatable)")
	agentRecordCmd.Flags().StringVar(&agentModel, "model", "", "model used")
	agentRecordCmd.Flags().StringVar(&agentPrompt, "prompt-version", "", "prompt version")
	agentRecordCmd.Flags().StringVar(&agentSupersedes, "supersedes", "", "id of the run this one corrects")
	_ = agentRecordCmd.MarkFlagRequired("narrative")

	agentCmd.AddCommand(agentRecordCmd)
	agentCmd.AddCommand(agentCitingCmd)
	rootCmd.AddCommand(agentCmd)
}

func parseCitations() ([]models.Citation, error) {
	citations := make([]models.Citation, 0, len(agentCites)+len(agentUnavailable))
	for _, c := range agentCites {
		kpi, snap, ok := strings.Cut(c, ":")
		if !ok {
			return nil, fmt.Errorf("citation %q: want kpi_id:snapshot_id", c)
		}
		citations = append(citations, models.Citation{KpiID: kpi, SnapshotID: snap})
	}
	for _, c := range agentUnavailable {
		kpi, reason, ok := strings.Cut(c, ":")
		if !ok {
			return nil, fmt.Errorf("citation %q: want kpi_id:reason", c)
		}
		citations = append(citations, models.Citation{KpiID: kpi, UnavailableReason: reason})
	}
	return citations, nil
}

func runAgentRecord(cmd *cobra.Command, args []string) error {
	citations, err := parseCitations()
	if err != nil {
		return err
	}

	recorder := service.NewAgentRecorder(store, nil, nil)
	run, err := recorder.Record(context.Background(), service.RecordRunInput{
		Narrative:     agentNarrative,
		Citations:     citations,
		ModelUsed:     agentModel,
		PromptVersion: agentPrompt,
		Supersedes:    agentSupersedes,
	})
	if err != nil {
		return fmt.Errorf("record agent run: %w", err)
	}

	fmt.Printf("Recorded agent run %s (%d citations)\n",
		models.MustRecordIDString(run.ID), len(run.Citations))
	if run.RequiresHumanReview {
		fmt.Println("Flagged for human review")
	}
	return nil
}

func runAgentCiting(cmd *cobra.Command, args []string) error {
	recorder := service.NewAgentRecorder(store, nil, nil)
	runs, err := recorder.RunsCiting(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("list citing runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No agent runs cite this snapshot")
		return nil
	}

	fmt.Printf("%-38s %-22s %-8s %s\n", "ID", "STARTED", "REVIEW", "MODEL")
	fmt.Println("------------------------------------------------------------------------------")
	for _, run := range runs {
		review := "no"
		if run.RequiresHumanReview {
			review = "yes"
		}
		fmt.Printf("%-38s %-22s %-8s %s\n",
			models.MustRecordIDString(run.ID),
			run.StartedAt.Format(time.RFC3339),
			review,
			run.ModelUsed)
	}
	return nil
}
