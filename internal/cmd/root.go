package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for cadpilot
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cadpilot",
		Short: "Hybrid API and vision task execution for CAD part design",
		Long: `cadpilot turns natural-language part-design requests into task plans
and executes them step by step.

Each operation runs on the precise API surface when it can and falls back to
the vision surface (screen capture, element detection, simulated clicks)
when the API fails. Plans come from parametric templates, an optional
generative planner fed with SOP documents, or a basic fallback plan.

Configuration is loaded from .cadpilot/config.yaml if present.
CLI flags override configuration file settings.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to config file (default: .cadpilot/config.yaml)")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error")
	flags.String("log-dir", "", "Directory for run logs")
	flags.Int("max-retries", 0, "Retries per surface before giving up or falling back")
	flags.Duration("retry-delay", 0, "Pause between failed attempts (e.g. 500ms)")
	flags.Bool("no-fallback", false, "Do not fall back to the vision surface when the API fails")
	flags.Bool("continue-on-failure", false, "Keep running steps after a step fails")

	// Add subcommands
	cmd.AddCommand(NewPlanCommand())
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewToolsCommand())
	cmd.AddCommand(NewKBCommand())
	cmd.AddCommand(NewHistoryCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewServeCommand())

	return cmd
}
