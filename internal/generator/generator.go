// Package generator plans requests the templates do not cover by invoking an
// external planning command, typically a wrapper around a language model CLI.
//
// The command receives a prompt on stdin and must print a JSON plan, either
// bare or wrapped in a {"content": "..."} / {"result": "..."} envelope. Prose
// around the JSON object is tolerated.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/harrison/cadpilot/internal/models"
)

// DefaultSystemPrompt keeps the command's output parseable.
const DefaultSystemPrompt = "You plan CAD part-design requests. Your ONLY output must be valid JSON matching the provided schema. No markdown, no code fences, no prose, no explanations. Output raw JSON only."

// PlanSchema is the JSON schema a generated plan must follow.
const PlanSchema = `{"type":"object","properties":{"name":{"type":"string"},"description":{"type":"string"},"steps":{"type":"array","items":{"type":"object","properties":{"id":{"type":"string"},"name":{"type":"string"},"description":{"type":"string"},"step_type":{"type":"string","enum":["api","vision","hybrid"]},"tool_name":{"type":"string"},"parameters":{"type":"object"},"depends_on":{"type":"array","items":{"type":"string"}}},"required":["id","name","tool_name"]}}},"required":["name","steps"]}`

// Command is a reusable client for the planning command.
// It follows the http.Client pattern: create once, use many times.
type Command struct {
	// Path is the planning command binary (required).
	Path string

	// Args are passed to the command unchanged.
	Args []string

	// Timeout bounds one invocation. Zero means no limit beyond ctx.
	Timeout time.Duration

	// SystemPrompt heads every prompt. Defaults to DefaultSystemPrompt.
	SystemPrompt string

	// Tools lists the operations a plan may use. When empty the prompt
	// does not constrain tool names.
	Tools []string
}

// New creates a Command for path with the default system prompt.
func New(path string, args []string, timeout time.Duration) *Command {
	return &Command{
		Path:         path,
		Args:         append([]string{}, args...),
		Timeout:      timeout,
		SystemPrompt: DefaultSystemPrompt,
	}
}

// generatedPlan is the wire shape of a plan printed by the command.
type generatedPlan struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Steps       []generatedStep `json:"steps"`
}

type generatedStep struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	StepType    string         `json:"step_type"`
	ToolName    string         `json:"tool_name"`
	Parameters  map[string]any `json:"parameters"`
	DependsOn   []string       `json:"depends_on"`
	MaxRetries  *int           `json:"max_retries"`
}

// GeneratePlan runs the command and converts its output into a pending plan.
// A plan with no steps means the command declined the request; nil, nil is
// returned in that case. Steps without max_retries are left at
// models.InheritMaxRetries for the planner to fill in.
func (c *Command) GeneratePlan(ctx context.Context, request, knowledgeContext string, fields map[string]any) (*models.TaskPlan, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("generator command is not set")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	prompt, err := c.buildPrompt(request, knowledgeContext, fields)
	if err != nil {
		return nil, err
	}
	output, err := c.invoke(ctx, prompt)
	if err != nil {
		return nil, err
	}

	content := ParseResponse(output)
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("empty response from %s", c.Path)
	}

	var gp generatedPlan
	if err := json.Unmarshal([]byte(content), &gp); err != nil {
		extracted := ExtractJSON(content)
		if extracted == "" {
			return nil, fmt.Errorf("failed to parse generated plan: %w (content: %s)", err, truncate(content, 200))
		}
		if err := json.Unmarshal([]byte(extracted), &gp); err != nil {
			return nil, fmt.Errorf("failed to parse generated plan: %w (content: %s)", err, truncate(content, 200))
		}
	}
	if len(gp.Steps) == 0 {
		return nil, nil
	}
	return c.toPlan(gp, request), nil
}

func (c *Command) invoke(ctx context.Context, prompt string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = append(os.Environ(), "CADPILOT_PLAN_SCHEMA="+PlanSchema)
	cmd.Stdin = strings.NewReader(prompt)
	// Children that inherit stdout must not hold Run open after a kill.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", c.Path, ctx.Err())
		}
		return nil, fmt.Errorf("%s failed: %w (stderr: %s)", c.Path, err, truncate(stderr.String(), 200))
	}
	return stdout.Bytes(), nil
}

func (c *Command) buildPrompt(request, knowledgeContext string, fields map[string]any) (string, error) {
	system := c.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}

	var sb strings.Builder
	sb.WriteString(system)
	sb.WriteString("\n\n## Request\n")
	sb.WriteString(request)
	sb.WriteString("\n")

	if len(fields) > 0 {
		data, err := json.Marshal(fields)
		if err != nil {
			return "", fmt.Errorf("encode request fields: %w", err)
		}
		sb.WriteString("\n## Request fields\n")
		sb.Write(data)
		sb.WriteString("\n")
	}

	if len(c.Tools) > 0 {
		tools := append([]string{}, c.Tools...)
		sort.Strings(tools)
		sb.WriteString("\n## Available tools\n")
		sb.WriteString(strings.Join(tools, ", "))
		sb.WriteString("\n")
	}

	if knowledgeContext != "" {
		sb.WriteString("\n## Relevant procedures\n")
		sb.WriteString(knowledgeContext)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Output schema\n")
	sb.WriteString(PlanSchema)
	sb.WriteString("\n")
	return sb.String(), nil
}

func (c *Command) toPlan(gp generatedPlan, request string) *models.TaskPlan {
	steps := make([]models.TaskStep, 0, len(gp.Steps))
	for _, s := range gp.Steps {
		stepType := models.StepType(s.StepType)
		if stepType == "" {
			stepType = models.StepHybrid
		}
		step := models.NewStep(s.ID, s.Name, s.Description, stepType, s.ToolName, s.Parameters, s.DependsOn...)
		step.MaxRetries = models.InheritMaxRetries
		if s.MaxRetries != nil {
			step.MaxRetries = *s.MaxRetries
		}
		steps = append(steps, step)
	}

	name := gp.Name
	if name == "" {
		name = "Generated plan: " + truncate(request, 50)
	}
	return models.NewPlan(name, gp.Description, steps, map[string]any{"generator": c.Path})
}

// ParseResponse unwraps the content of a {"content": ...} or {"result": ...}
// envelope. Output that is not such an envelope is returned unchanged.
func ParseResponse(output []byte) string {
	var envelope struct {
		Content *string `json:"content"`
		Result  *string `json:"result"`
	}
	if err := json.Unmarshal(output, &envelope); err == nil {
		switch {
		case envelope.Content != nil:
			return *envelope.Content
		case envelope.Result != nil:
			return *envelope.Result
		}
	}
	return string(output)
}

// ExtractJSON attempts to extract a JSON object from mixed content.
// It finds the first '{' and last '}' to extract the JSON substring.
// Returns empty string if no valid JSON boundaries found.
func ExtractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return ""
}

// truncate returns s truncated to maxLen characters with "..." suffix if needed.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
