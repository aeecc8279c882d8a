package models

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state shared by steps and plans.
type Status string

// Lifecycle states. Transitions only move forward:
// pending -> in_progress -> completed|failed, and pending -> skipped.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// StepType describes how a step is meant to be executed.
// Only api, vision and hybrid steps are executable; condition and loop are reserved.
type StepType string

// Step types.
const (
	StepAPI       StepType = "api"
	StepVision    StepType = "vision"
	StepHybrid    StepType = "hybrid"
	StepCondition StepType = "condition"
	StepLoop      StepType = "loop"
)

// Executable reports whether the executor knows how to run steps of this type.
func (t StepType) Executable() bool {
	return t == StepAPI || t == StepVision || t == StepHybrid
}

// DefaultStepMaxRetries is the step-level retry budget used when a step does not set one.
const DefaultStepMaxRetries = 2

// InheritMaxRetries marks a step whose retry budget is filled in by the planner
// from its configuration. Plans must not be validated or run with it.
const InheritMaxRetries = -1

// ErrStepNotFound is returned when a step id does not exist in a plan.
var ErrStepNotFound = errors.New("step not found")

// TaskStep is a single unit of work in a TaskPlan.
type TaskStep struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	StepType    StepType       `json:"step_type" yaml:"step_type"`
	ToolName    string         `json:"tool_name" yaml:"tool_name"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
	Status      Status         `json:"status" yaml:"-"`
	Result      any            `json:"result,omitempty" yaml:"-"`
	Error       string         `json:"error,omitempty" yaml:"-"`
	DependsOn   []string       `json:"depends_on" yaml:"depends_on"`
	RetryCount  int            `json:"retry_count" yaml:"-"`
	MaxRetries  int            `json:"max_retries" yaml:"max_retries"`
}

// NewStep builds a pending step with the default retry budget.
func NewStep(id, name, description string, stepType StepType, tool string, params map[string]any, dependsOn ...string) TaskStep {
	if params == nil {
		params = map[string]any{}
	}
	deps := append([]string{}, dependsOn...)
	return TaskStep{
		ID:          id,
		Name:        name,
		Description: description,
		StepType:    stepType,
		ToolName:    tool,
		Parameters:  params,
		Status:      StatusPending,
		DependsOn:   deps,
		MaxRetries:  DefaultStepMaxRetries,
	}
}

// Validate checks the fields a step needs before it can be scheduled.
func (s *TaskStep) Validate() error {
	if s.ID == "" {
		return errors.New("step id is required")
	}
	if s.Name == "" {
		return fmt.Errorf("step %s: name is required", s.ID)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("step %s: max_retries must be >= 0, got %d", s.ID, s.MaxRetries)
	}
	return nil
}

// IsCompleted returns true if the step finished successfully.
func (s *TaskStep) IsCompleted() bool {
	return s.Status == StatusCompleted
}

// Clone returns a deep copy of the step's structure with its runtime state reset.
func (s TaskStep) Clone() TaskStep {
	params := make(map[string]any, len(s.Parameters))
	for k, v := range s.Parameters {
		params[k] = v
	}
	c := s
	c.Parameters = params
	c.DependsOn = append([]string{}, s.DependsOn...)
	c.Status = StatusPending
	c.Result = nil
	c.Error = ""
	c.RetryCount = 0
	return c
}
