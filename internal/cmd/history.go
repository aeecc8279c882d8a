package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/cadpilot/internal/config"
	"github.com/harrison/cadpilot/internal/learning"
)

// NewHistoryCommand creates the 'cadpilot history' command group
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent plan runs from the execution history",
		Long: `Every executed step attempt is recorded with the surface it ran on,
whether the vision fallback was used and any error. Without a subcommand,
list the most recent runs.`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}
	cmd.Flags().Int("limit", 10, "Number of runs to show")

	cmd.AddCommand(newHistoryToolsCommand())
	cmd.AddCommand(newHistoryToolCommand())
	cmd.AddCommand(newHistoryCleanupCommand())
	cmd.AddCommand(newHistoryClearCommand())
	cmd.AddCommand(newHistoryExportCommand())

	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, ok, err := openHistory(cmd)
	if err != nil || !ok {
		return err
	}
	defer store.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := store.GetRecentRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	fmt.Fprintf(out, "%-19s  %-8s  %-30s  %8s  %8s  %9s\n", "STARTED", "RUN", "PLAN", "ATTEMPTS", "FAILURES", "FALLBACKS")
	for _, r := range runs {
		failures := fmt.Sprintf("%8d", r.Failures)
		if r.Failures > 0 {
			failures = color.RedString(failures)
		}
		fmt.Fprintf(out, "%-19s  %-8s  %-30s  %8d  %s  %9d\n",
			r.Started.Local().Format("2006-01-02 15:04:05"), shortRunID(r.RunID), truncate(r.PlanName, 30),
			r.Attempts, failures, r.Fallbacks)
	}
	return nil
}

func newHistoryToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Show per-tool success rates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ok, err := openHistory(cmd)
			if err != nil || !ok {
				return err
			}
			defer store.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			stats, err := store.GetToolStats(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(stats) == 0 {
				fmt.Fprintln(out, "No tool executions recorded.")
				return nil
			}
			fmt.Fprintf(out, "%-28s  %6s  %8s  %9s  %10s\n", "TOOL", "CALLS", "SUCCESS", "FALLBACKS", "AVG MS")
			for _, ts := range stats {
				rate := fmt.Sprintf("%7.1f%%", ts.SuccessRate*100)
				switch {
				case ts.SuccessRate >= 0.9:
					rate = color.GreenString(rate)
				case ts.SuccessRate < 0.5:
					rate = color.RedString(rate)
				}
				fmt.Fprintf(out, "%-28s  %6d  %s  %9d  %10.1f\n", ts.ToolName, ts.CallCount, rate, ts.FallbackCount, ts.AvgDurationMs)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Number of tools to show (0 = all)")
	return cmd
}

func newHistoryToolCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tool <name>",
		Short: "Analyze how a tool has been failing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ok, err := openHistory(cmd)
			if err != nil || !ok {
				return err
			}
			defer store.Close()

			analysis, err := store.AnalyzeToolFailures(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			bold := color.New(color.Bold).SprintFunc()
			fmt.Fprintf(out, "%s %s\n", bold("Tool:"), analysis.ToolName)
			fmt.Fprintf(out, "  Attempts:  %d\n", analysis.TotalAttempts)
			fmt.Fprintf(out, "  Failed:    %d\n", analysis.FailedAttempts)
			fmt.Fprintf(out, "  Fallbacks: %d\n", analysis.FallbackAttempts)
			if len(analysis.CommonPatterns) > 0 {
				fmt.Fprintf(out, "  Patterns:  %s\n", strings.Join(analysis.CommonPatterns, ", "))
			}
			if analysis.SuggestedApproach != "" {
				fmt.Fprintf(out, "  Suggestion: %s\n", analysis.SuggestedApproach)
			}
			if analysis.PreferVision {
				fmt.Fprintf(out, "  %s the vision surface has been more reliable for this tool\n", color.YellowString("Note:"))
			}
			return nil
		},
	}
}

func newHistoryCleanupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete step executions older than a number of days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ok, err := openHistory(cmd)
			if err != nil || !ok {
				return err
			}
			defer store.Close()

			days, _ := cmd.Flags().GetInt("days")
			removed, err := store.CleanupOldExecutions(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d step executions older than %d days.\n", removed, days)
			return nil
		},
	}
	cmd.Flags().Int("days", 90, "Keep executions newer than this many days")
	return cmd
}

func newHistoryClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all recorded executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ok, err := openHistory(cmd)
			if err != nil || !ok {
				return err
			}
			defer store.Close()

			removed, err := store.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d step executions.\n", removed)
			return nil
		},
	}
}

// openHistory opens the history database. ok is false when there is nothing
// to show yet; a message has been printed in that case.
func openHistory(cmd *cobra.Command) (*learning.Store, bool, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, false, err
	}
	return openHistoryWithConfig(cmd, cfg)
}

func openHistoryWithConfig(cmd *cobra.Command, cfg *config.Config) (*learning.Store, bool, error) {
	dbPath := cfg.Learning.DBPath
	if dbPath == "" {
		return nil, false, fmt.Errorf("learning.db_path is not set")
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "No execution history found.\nDatabase path: %s\n", dbPath)
		return nil, false, nil
	}
	store, err := learning.NewStore(dbPath)
	if err != nil {
		return nil, false, fmt.Errorf("open learning store: %w", err)
	}
	return store, true, nil
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
