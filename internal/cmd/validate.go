package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/harrison/cadpilot/internal/models"
)

// toolChecker reports how an operation would be dispatched.
type toolChecker interface {
	Classify(operation string) models.Modality
	Supported(operation string) bool
}

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan-file>...",
		Short: "Validate one or more exported plan files",
		Long: `Parse and validate plan files written by "cadpilot plan --export", checking for:
  - Step validation (ids, names, tool names)
  - Duplicate step ids
  - Dependencies that point to missing or later steps
  - Tools that no surface can run

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Knowledge.Enabled = false
			cfg.Learning.Enabled = false

			eng, cleanup, err := openEngine(cmd, cfg, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer cleanup()

			failed := 0
			for _, path := range args {
				if err := validatePlanFile(path, eng, cmd.OutOrStdout()); err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d plan file(s) failed validation", failed, len(args))
			}
			return nil
		},
		SilenceUsage: true,
	}

	return cmd
}

// validatePlanFile validates one plan file and writes a report to output.
func validatePlanFile(path string, tools toolChecker, output io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(output, "✗ Failed to read plan from %s\n", path)
		fmt.Fprintf(output, "  Error: %v\n", err)
		return err
	}

	var plan models.TaskPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		fmt.Fprintf(output, "✗ Failed to parse plan from %s\n", path)
		fmt.Fprintf(output, "  Error: %v\n", err)
		return err
	}

	fmt.Fprintf(output, "✓ Validating plan from %s\n", path)
	fmt.Fprintf(output, "✓ Parsed %d steps successfully\n", len(plan.Steps))

	var errors []string
	if err := models.ValidatePlan(&plan); err != nil {
		errors = append(errors, err.Error())
	} else {
		fmt.Fprintf(output, "✓ All step dependencies valid\n")
	}

	var unsupported []string
	for _, step := range plan.Steps {
		if step.ToolName == "" {
			continue
		}
		if !tools.Supported(step.ToolName) {
			unsupported = append(unsupported, fmt.Sprintf("step %s (%s): no surface can run tool %q", step.ID, step.Name, step.ToolName))
			continue
		}
		fmt.Fprintf(output, "  %-4s %-28s %s\n", step.ID, step.ToolName, tools.Classify(step.ToolName))
	}
	if len(unsupported) == 0 {
		fmt.Fprintf(output, "✓ All tools available\n")
	}
	errors = append(errors, unsupported...)

	if len(errors) == 0 {
		fmt.Fprintf(output, "\n✓ Plan is valid!\n")
		return nil
	}

	fmt.Fprintf(output, "\n✗ Validation failed for plan from %s\n", path)
	for _, errMsg := range errors {
		fmt.Fprintf(output, "  ✗ %s\n", errMsg)
	}
	fmt.Fprintf(output, "\nFound %d validation error(s)!\n", len(errors))
	return fmt.Errorf("validation failed with %d error(s)", len(errors))
}
