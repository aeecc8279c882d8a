package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/cadpilot/internal/classifier"
	"github.com/harrison/cadpilot/internal/dispatcher"
	"github.com/harrison/cadpilot/internal/models"
)

// NewToolsCommand creates the tools command
func NewToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools [operation]...",
		Short: "List the registered tools and the classification table, or classify operations",
		Long: `Without arguments, list the tools registered on the API and vision surfaces
and the classification table in use.

With operation names, report the modality each one would run under and
whether any surface can run it.

Examples:
  cadpilot tools
  cadpilot tools create_pad capture_screen zoom_fit`,
		RunE: runTools,
	}
	return cmd
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Listing tools never needs the stores.
	cfg.Knowledge.Enabled = false
	cfg.Learning.Enabled = false

	eng, cleanup, err := openEngine(cmd, cfg, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		for _, op := range args {
			printClassification(out, op, eng.Classify(op), eng.Supported(op))
		}
		return nil
	}

	ops := eng.Operations()
	printOperations(out, ops)

	table := classifier.NewTable(ops.Table["api_only"], ops.Table["vision_only"], ops.Table["hybrid"])
	if overlaps := table.Overlaps(); len(overlaps) > 0 {
		fmt.Fprintf(out, "\n%s listed in more than one set (first match wins): %s\n",
			color.YellowString("Warning:"), strings.Join(overlaps, ", "))
	}
	return nil
}

func printClassification(w io.Writer, op string, modality models.Modality, supported bool) {
	mark := color.GreenString("supported")
	if !supported {
		mark = color.RedString("no tool registered")
	}
	fmt.Fprintf(w, "%-28s %-7s %s\n", classifier.Normalize(op), modality, mark)
}

func printOperations(w io.Writer, ops dispatcher.Operations) {
	bold := color.New(color.Bold).SprintFunc()

	fmt.Fprintf(w, "%s (%d)\n", bold("API tools"), len(ops.APITools))
	for _, name := range ops.APITools {
		fmt.Fprintf(w, "  %s\n", name)
	}
	fmt.Fprintf(w, "\n%s (%d)\n", bold("Vision tools"), len(ops.VisionTools))
	for _, name := range ops.VisionTools {
		fmt.Fprintf(w, "  %s\n", name)
	}

	fmt.Fprintf(w, "\n%s\n", bold("Classification"))
	for _, section := range []string{"api_only", "vision_only", "hybrid"} {
		names := ops.Table[section]
		fmt.Fprintf(w, "  %-12s %s\n", section+":", strings.Join(names, ", "))
	}
}
