package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/cadpilot/internal/engine"
	"github.com/harrison/cadpilot/internal/models"
	"github.com/harrison/cadpilot/internal/simulate"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [request]...",
		Short: "Plan and execute a request against the simulated CAD surfaces",
		Long: `Create a plan for a request (or load one exported by "cadpilot plan")
and execute it step by step.

Operations run against the built-in simulated API and vision surfaces, which
keep a part document so the effect of a plan can be inspected. Failures can
be injected per tool to exercise retries and the vision fallback.

Examples:
  cadpilot run create a 200x100x50 box
  cadpilot run --plan-file plans/cube.json
  cadpilot run a 40mm cube --fail create_pad=-1          # API pad always fails, vision takes over
  cadpilot run a 40mm cube --fail create_pad=1 --max-retries 0 --no-fallback
  cadpilot run a box --timeout 30s --continue-on-failure`,
		RunE: runRun,
	}

	cmd.Flags().String("plan-file", "", "Execute a plan exported by 'cadpilot plan --export'")
	cmd.Flags().StringToString("field", nil, "Structured request value as key=value (repeatable)")
	cmd.Flags().StringToInt("fail", nil, "Fail an API tool N times before it succeeds, as tool=N (negative: always)")
	cmd.Flags().StringToInt("vision-fail", nil, "Fail a vision tool N times before it succeeds, as tool=N (negative: always)")
	cmd.Flags().Duration("latency", 0, "Simulated latency of every tool call")
	cmd.Flags().Duration("timeout", 0, "Maximum execution time (e.g. 30s, 5m); 0 means no limit")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	planFile, _ := cmd.Flags().GetString("plan-file")
	if planFile == "" && len(args) == 0 {
		return fmt.Errorf("a request or --plan-file is required")
	}
	if planFile != "" && len(args) > 0 {
		return fmt.Errorf("cannot use both a request and --plan-file")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fields, err := fieldsFlag(cmd)
	if err != nil {
		return err
	}

	apiFailures, _ := cmd.Flags().GetStringToInt("fail")
	visionFailures, _ := cmd.Flags().GetStringToInt("vision-fail")
	latency, _ := cmd.Flags().GetDuration("latency")
	simOpts := simulate.Options{APIFailures: apiFailures, VisionFailures: visionFailures, Latency: latency}

	out := cmd.OutOrStdout()
	eng, cleanup, err := openEngine(cmd, cfg, out, true, engine.WithSimulator(simOpts))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var plan *models.TaskPlan
	if planFile != "" {
		fmt.Fprintf(out, "Loading plan from %s...\n", planFile)
		plan, err = readPlanFile(planFile)
		if err != nil {
			return err
		}
	} else {
		plan = eng.CreatePlan(ctx, strings.Join(args, " "), fields)
	}

	_, runErr := eng.RunPlan(ctx, plan)

	if sim := eng.Simulator(); sim != nil {
		printPart(out, sim)
	}
	printDispatcherStats(out, eng.Stats())

	if runErr != nil {
		return fmt.Errorf("execution failed: %w", runErr)
	}
	return nil
}

// readPlanFile loads an exported plan. The run always starts from the
// beginning, so runtime state saved in the file is discarded.
func readPlanFile(path string) (*models.TaskPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan models.TaskPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	for i := range plan.Steps {
		plan.Steps[i] = plan.Steps[i].Clone()
	}
	plan.Status = models.StatusPending
	plan.CurrentStepIndex = 0
	if err := models.ValidatePlan(&plan); err != nil {
		return nil, fmt.Errorf("invalid plan file %s: %w", path, err)
	}
	return &plan, nil
}

func printPart(w io.Writer, sim *simulate.Simulator) {
	info, err := sim.Document().Info()
	if err != nil {
		return
	}
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(w, "\n%s %s\n", bold("Part:"), info.PartName)
	for _, s := range info.Sketches {
		fmt.Fprintf(w, "  sketch  %-14s %gx%g on %s (%s)\n", s.Name, s.Length, s.Width, s.Plane, s.Body)
	}
	for _, f := range info.Features {
		fmt.Fprintf(w, "  %-7s %-14s %g [%s]\n", f.Kind, f.Name, f.Value, f.Surface)
	}
	if info.SavedPath != "" {
		fmt.Fprintf(w, "  saved   %s\n", info.SavedPath)
	}
}

func printDispatcherStats(w io.Writer, stats models.Stats) {
	fmt.Fprintf(w, "\nDispatcher: %d API calls, %d vision calls, %d retries, %d fallbacks, %d failures\n",
		stats.APICalls, stats.VisionCalls, stats.Retries, stats.Fallbacks, stats.Failures)
}
