package cmd

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/harrison/cadpilot/internal/learning"
)

func newHistoryExportCommand() *cobra.Command {
	var format string
	var output string
	var tool string

	cmd := &cobra.Command{
		Use:   "export [run-id]",
		Short: "Export step executions to JSON or CSV format",
		Long: `Export the step executions of one run, or of one tool across all runs,
for external analysis or backup. If no output file is specified, data is
written to stdout.

Examples:
  # Export one run to JSON
  cadpilot history export 3f2a9c1e-... --format json --output run.json

  # Export every create_pad attempt as CSV
  cadpilot history export --tool create_pad --format csv

Supported formats:
  - json: JSON array of step executions
  - csv: CSV with headers`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "csv" {
				return fmt.Errorf("invalid format '%s': format must be 'json' or 'csv'", format)
			}
			if (len(args) == 0) == (tool == "") {
				return fmt.Errorf("give either a run id or --tool")
			}

			store, ok, err := openHistory(cmd)
			if err != nil || !ok {
				return err
			}
			defer store.Close()

			var executions []*learning.StepExecution
			if tool != "" {
				executions, err = store.GetToolHistory(cmd.Context(), tool, 0)
			} else {
				executions, err = store.GetRunSteps(cmd.Context(), args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to retrieve executions: %w", err)
			}
			// Initialize empty slice if nil to ensure JSON output is [] not null
			if executions == nil {
				executions = make([]*learning.StepExecution, 0)
			}

			writer := cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer file.Close()
				writer = file
			}

			if format == "csv" {
				return exportCSV(writer, executions)
			}
			return exportJSON(writer, executions)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "Export format (json|csv)")
	cmd.Flags().StringVar(&output, "output", "", "Output file path (stdout if not specified)")
	cmd.Flags().StringVar(&tool, "tool", "", "Export every attempt of this tool instead of one run")

	return cmd
}

func exportJSON(writer io.Writer, executions []*learning.StepExecution) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(executions); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func exportCSV(writer io.Writer, executions []*learning.StepExecution) error {
	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	header := []string{
		"id",
		"run_id",
		"plan_id",
		"plan_name",
		"step_id",
		"step_name",
		"tool_name",
		"attempt",
		"success",
		"modality",
		"fallback_used",
		"retry_count",
		"error_message",
		"duration_ms",
		"timestamp",
	}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, exec := range executions {
		row := []string{
			strconv.FormatInt(exec.ID, 10),
			exec.RunID,
			exec.PlanID,
			exec.PlanName,
			exec.StepID,
			exec.StepName,
			exec.ToolName,
			strconv.Itoa(exec.Attempt),
			strconv.FormatBool(exec.Success),
			exec.Modality,
			strconv.FormatBool(exec.FallbackUsed),
			strconv.Itoa(exec.RetryCount),
			exec.ErrorMessage,
			strconv.FormatFloat(exec.DurationMs, 'f', 1, 64),
			exec.Timestamp.Format("2006-01-02 15:04:05"),
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	return nil
}
