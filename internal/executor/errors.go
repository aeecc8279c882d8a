package executor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/cadpilot/internal/models"
)

// ErrPlanFailed is wrapped by ExecutionError so callers can test for any failed run.
var ErrPlanFailed = errors.New("plan execution failed")

// StepError describes why one step did not complete.
type StepError struct {
	StepID    string        // Step identifier
	StepName  string        // Human-readable step name
	Status    models.Status // failed or skipped
	Message   string        // Last recorded error
	Timestamp time.Time     // When the error was collected
}

// NewStepError captures a step's terminal failure state.
func NewStepError(step *models.TaskStep) *StepError {
	return &StepError{
		StepID:    step.ID,
		StepName:  step.Name,
		Status:    step.Status,
		Message:   step.Error,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface for StepError.
func (e *StepError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("step %s (%s) %s", e.StepID, e.StepName, e.Status))
	if e.Message != "" {
		sb.WriteString(fmt.Sprintf(": %s", e.Message))
	}
	return sb.String()
}

// ExecutionError aggregates the steps that kept a plan from completing.
type ExecutionError struct {
	PlanID     string
	StepErrors []*StepError
	TotalSteps int
}

// PlanError builds an ExecutionError from a finished plan.
// It returns nil when the plan completed.
func PlanError(plan *models.TaskPlan) error {
	if plan == nil || plan.Status == models.StatusCompleted {
		return nil
	}
	e := &ExecutionError{PlanID: plan.ID, TotalSteps: len(plan.Steps)}
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Status == models.StatusFailed || step.Status == models.StatusSkipped {
			e.StepErrors = append(e.StepErrors, NewStepError(step))
		}
	}
	return e
}

// Error implements the error interface for ExecutionError.
func (e *ExecutionError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("plan %s: %d/%d steps did not complete", e.PlanID, len(e.StepErrors), e.TotalSteps))
	for _, se := range e.StepErrors {
		sb.WriteString(fmt.Sprintf("\n  - %s", se.Error()))
	}
	return sb.String()
}

// Unwrap exposes ErrPlanFailed and every step error to errors.Is/As.
func (e *ExecutionError) Unwrap() []error {
	errs := make([]error, 0, len(e.StepErrors)+1)
	errs = append(errs, ErrPlanFailed)
	for _, se := range e.StepErrors {
		errs = append(errs, se)
	}
	return errs
}

// IsStepError checks if the error is or wraps a StepError.
func IsStepError(err error) bool {
	if err == nil {
		return false
	}
	var se *StepError
	return errors.As(err, &se)
}
