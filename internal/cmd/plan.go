package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrison/cadpilot/internal/filelock"
	"github.com/harrison/cadpilot/internal/models"
)

// NewPlanCommand creates the plan command
func NewPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <request>...",
		Short: "Create a task plan for a request and print it as JSON",
		Long: `Create a task plan for a natural-language request without executing it.

Requests matching a template (cube, box) produce a parametric plan with
dimensions taken from the request, --field values or template defaults.
Other requests produce a basic plan that opens a part and hands the request
to the fallback tool.

Examples:
  cadpilot plan create a 200x100x50 box
  cadpilot plan make a box --field length=120 --field height=30
  cadpilot plan a 40mm cube --export plans/cube.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: runPlan,
	}

	cmd.Flags().StringToString("field", nil, "Structured request value as key=value (repeatable)")
	cmd.Flags().String("export", "", "Also write the plan to this file")

	return cmd
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fields, err := fieldsFlag(cmd)
	if err != nil {
		return err
	}

	eng, cleanup, err := openEngine(cmd, cfg, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer cleanup()

	plan := eng.CreatePlan(cmd.Context(), strings.Join(args, " "), fields)
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))

	if export, _ := cmd.Flags().GetString("export"); export != "" {
		if err := exportPlan(cmd, export, plan); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Plan written to %s\n", export)
	}
	return nil
}

func exportPlan(cmd *cobra.Command, path string, plan *models.TaskPlan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := filelock.LockAndWrite(cmd.Context(), filepath.Clean(path), append(data, '\n')); err != nil {
		return fmt.Errorf("export plan: %w", err)
	}
	return nil
}

// fieldsFlag converts --field values, reading numbers as float64 so they
// behave like dimensions parsed from the request.
func fieldsFlag(cmd *cobra.Command) (map[string]any, error) {
	raw, err := cmd.Flags().GetStringToString("field")
	if err != nil {
		return nil, fmt.Errorf("invalid --field: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("invalid --field %q: empty key", "="+v)
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			fields[k] = f
			continue
		}
		switch strings.ToLower(v) {
		case "true":
			fields[k] = true
		case "false":
			fields[k] = false
		default:
			fields[k] = v
		}
	}
	return fields, nil
}
