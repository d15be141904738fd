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
	issueSeverity string
	issueType     string
	issueKpi      string
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Record and resolve data-quality issues",
	Long: `Attach quality issues to ingest runs and resolve them. An unresolved
critical issue gates every snapshot computed against the run.

Examples:
  kpiledger issue record <run-id> --severity critical --type row_count_mismatch
  kpiledger issue resolve <issue-id>
  kpiledger issue list <run-id>`,
}

var issueRecordCmd = &cobra.Command{
	Use:   "record <run-id>",
	Short: "Record an issue against a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssueRecord,
}

var issueResolveCmd = &cobra.Command{
	Use:   "resolve <issue-id>",
	Short: "Mark an issue resolved",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssueResolve,
}

var issueListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List issues for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssueList,
}

func init() {
	issueRecordCmd.Flags().StringVar(&issueSeverity, "severity", "warning", "severity: info, warning, critical")
	issueRecordCmd.Flags().StringVar(&issueType, "type", "", "issue type (required)")
	issueRecordCmd.Flags().StringVar(&issueKpi, "kpi", "", "affected KPI id")
	_ = issueRecordCmd.MarkFlagRequired("type")

	issueCmd.AddCommand(issueRecordCmd)
	issueCmd.AddCommand(issueResolveCmd)
	issueCmd.AddCommand(issueListCmd)
	rootCmd.AddCommand(issueCmd)
}

func qualityAuditor() *service.QualityAuditor {
	return service.NewQualityAuditor(store, nil)
}

func runIssueRecord(cmd *cobra.Command, args []string) error {
	issue, err := qualityAuditor().RecordIssue(context.Background(), args[0],
		models.Severity(issueSeverity), issueType, nil, issueKpi)
	if err != nil {
		return fmt.Errorf("record issue: %w", err)
	}
	fmt.Printf("Recorded %s issue %s on run %s\n",
		issue.Severity, models.MustRecordIDString(issue.ID), args[0])
	return nil
}

func runIssueResolve(cmd *cobra.Command, args []string) error {
	if err := qualityAuditor().ResolveIssue(context.Background(), args[0]); err != nil {
		return fmt.Errorf("resolve issue: %w", err)
	}
	fmt.Printf("Issue %s resolved\n", args[0])
	return nil
}

func runIssueList(cmd *cobra.Command, args []string) error {
	issues, err := qualityAuditor().ListIssues(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("list issues: %w", err)
	}

	if len(issues) == 0 {
		fmt.Println("No issues found")
		return nil
	}

	fmt.Printf("%-38s %-10s %-24s %-10s %s\n", "ID", "SEVERITY", "TYPE", "STATE", "DETECTED")
	fmt.Println("----------------------------------------------------------------------------------------------")
	for _, issue := range issues {
		state := "open"
		if !issue.Open() {
			state = "resolved"
		}
		fmt.Printf("%-38s %-10s %-24s %-10s %s\n",
			models.MustRecordIDString(issue.ID),
			issue.Severity,
			issue.IssueType,
			state,
			issue.DetectedAt.Format(time.RFC3339))
	}
	return nil
}
