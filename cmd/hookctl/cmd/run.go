package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/vantagebank/hookline/internal/model"
	"github.com/vantagebank/hookline/internal/processor"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a processing pass over pending events",
	Long: `Run one processing pass over due pending events, outside the
regular schedule. With --dry-run the pass only reports what would be claimed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		eventType, _ := cmd.Flags().GetString("type")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		body := map[string]any{
			"limit":      limit,
			"event_type": eventType,
			"dry_run":    dryRun,
		}
		var report processor.Report
		if err := apiRequest(http.MethodPost, "/v1/process", body, &report); err != nil {
			return fmt.Errorf("processing run failed: %w", err)
		}

		if outputJSON {
			printOutput(report)
			return nil
		}
		if report.DryRun {
			fmt.Printf("Dry run: %d events due\n", report.Claimed)
			return nil
		}
		fmt.Printf("Processed %d events: %d delivered, %d retries scheduled, %d completed, %d failed\n",
			report.Claimed, report.Delivered, report.Retried, report.Completed, report.Failed)
		return nil
	},
}

// logsCmd represents the logs command
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		var resp struct {
			Logs []*model.LogEntry `json:"logs"`
		}
		if err := apiRequest(http.MethodGet, fmt.Sprintf("/v1/logs?limit=%d", limit), nil, &resp); err != nil {
			return fmt.Errorf("failed to fetch logs: %w", err)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		for _, e := range resp.Logs {
			fmt.Printf("%s  %-5s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Level, e.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(logsCmd)

	runCmd.Flags().Int("limit", 50, "max events to claim")
	runCmd.Flags().String("type", "", "only process this event type")
	runCmd.Flags().Bool("dry-run", false, "report without processing")

	logsCmd.Flags().Int("limit", 100, "max entries to return")
}
