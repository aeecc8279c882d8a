// Package executor walks a TaskPlan's steps in declaration order, gates each
// step on its dependencies and drives it through the dispatcher with a
// step-level retry budget.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/cadpilot/internal/learning"
	"github.com/harrison/cadpilot/internal/models"
)

// DispatchFunc executes one tool call. Implementations must not panic and
// report failures through the returned result.
type DispatchFunc func(ctx context.Context, toolName string, params map[string]any) models.ExecutionResult

// Logger defines the interface for logging plan progress and results.
type Logger interface {
	LogPlanStart(plan *models.TaskPlan)
	LogStepStart(step *models.TaskStep)
	LogStepRetry(step *models.TaskStep, result models.ExecutionResult)
	LogStepComplete(step *models.TaskStep, result models.ExecutionResult)
	LogStepFail(step *models.TaskStep, result models.ExecutionResult)
	LogStepSkipped(step *models.TaskStep, unmet []string)
	LogPlanComplete(plan *models.TaskPlan, duration time.Duration)
	LogWarn(message string)
}

// Recorder persists each dispatch attempt. It is optional.
type Recorder interface {
	RecordStep(ctx context.Context, exec *learning.StepExecution) error
}

// Config controls plan-level failure handling.
type Config struct {
	// StopOnFailure ends the run at the first failed step.
	StopOnFailure bool
}

// DefaultConfig stops on the first failure.
func DefaultConfig() Config {
	return Config{StopOnFailure: true}
}

// RunReport summarizes one ExecutePlan call.
type RunReport struct {
	RunID    string
	PlanID   string
	Success  bool
	Duration time.Duration
	Progress models.Progress
}

// Executor runs plans. It holds no per-plan state, so one Executor may run
// several plans on separate goroutines as long as each plan is owned by one run.
// Plan and step state is written through TaskPlan.Update, so other goroutines
// may read a plan with Progress, Summary, Snapshot or MarshalJSON while it runs.
type Executor struct {
	cfg      Config
	logger   Logger
	recorder Recorder
	clock    func() time.Time
}

// New constructs an Executor. logger and recorder may be nil.
func New(cfg Config, logger Logger, recorder Recorder) *Executor {
	return &Executor{
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		clock:    time.Now,
	}
}

// ExecutePlan runs plan and reports whether every step completed.
func (e *Executor) ExecutePlan(ctx context.Context, plan *models.TaskPlan, dispatch DispatchFunc) bool {
	return e.Run(ctx, plan, dispatch).Success
}

// Run executes plan and returns a report of the run.
// A plan that is already completed, failed or skipped is not run again.
func (e *Executor) Run(ctx context.Context, plan *models.TaskPlan, dispatch DispatchFunc) RunReport {
	report := RunReport{RunID: uuid.New().String()}
	if plan == nil {
		return report
	}
	report.PlanID = plan.ID

	if plan.Status.IsTerminal() {
		report.Success = plan.Status == models.StatusCompleted
		report.Progress = plan.Progress()
		return report
	}
	if dispatch == nil {
		dispatch = func(ctx context.Context, toolName string, params map[string]any) models.ExecutionResult {
			return models.ExecutionResult{Error: "no dispatcher configured"}
		}
	}

	start := e.clock()
	plan.Update(func() { plan.Status = models.StatusInProgress })
	if e.logger != nil {
		e.logger.LogPlanStart(plan)
	}

	allSucceeded := true
	for i := range plan.Steps {
		step := &plan.Steps[i]
		plan.Update(func() { plan.CurrentStepIndex = i })

		if step.Status.IsTerminal() {
			if step.Status != models.StatusCompleted {
				allSucceeded = false
			}
			continue
		}

		if unmet := unmetDependencies(plan, step); len(unmet) > 0 {
			plan.Update(func() {
				step.Status = models.StatusSkipped
				step.Error = fmt.Sprintf("dependencies not completed: %s", strings.Join(unmet, ", "))
			})
			allSucceeded = false
			if e.logger != nil {
				e.logger.LogStepSkipped(step, unmet)
			}
			continue
		}

		if !e.executeStep(ctx, plan, step, dispatch, report.RunID) {
			allSucceeded = false
			if e.cfg.StopOnFailure {
				break
			}
		}
	}

	plan.Update(func() {
		if allSucceeded {
			plan.Status = models.StatusCompleted
		} else {
			plan.Status = models.StatusFailed
		}
	})

	report.Success = allSucceeded
	report.Duration = e.clock().Sub(start)
	report.Progress = plan.Progress()
	if e.logger != nil {
		e.logger.LogPlanComplete(plan, report.Duration)
	}
	return report
}

// unmetDependencies lists referenced steps that are not completed.
// Ids that do not exist in the plan count as unmet.
func unmetDependencies(plan *models.TaskPlan, step *models.TaskStep) []string {
	var unmet []string
	for _, dep := range step.DependsOn {
		target, err := plan.StepByID(dep)
		if err != nil || target.Status != models.StatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// executeStep drives one step to completed or failed. The step's own retry
// budget is spent in a bounded loop on top of the dispatcher's retries.
func (e *Executor) executeStep(ctx context.Context, plan *models.TaskPlan, step *models.TaskStep, dispatch DispatchFunc, runID string) bool {
	plan.Update(func() { step.Status = models.StatusInProgress })
	if e.logger != nil {
		e.logger.LogStepStart(step)
	}

	if step.StepType != "" && !step.StepType.Executable() {
		result := models.ExecutionResult{Error: fmt.Sprintf("unsupported step type %q", step.StepType)}
		return e.failStep(plan, step, result)
	}

	maxRetries := step.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return e.failStep(plan, step, models.ExecutionResult{Error: err.Error()})
		}

		result := safeDispatch(ctx, dispatch, step)
		e.record(ctx, plan, step, runID, attempt, result)

		if result.Success {
			plan.Update(func() {
				step.Status = models.StatusCompleted
				step.Result = result.Output
				step.Error = ""
			})
			if e.logger != nil {
				e.logger.LogStepComplete(step, result)
			}
			return true
		}

		retry := step.RetryCount < maxRetries
		plan.Update(func() {
			step.Error = result.Error
			if retry {
				step.RetryCount++
			}
		})
		if retry {
			if e.logger != nil {
				e.logger.LogStepRetry(step, result)
			}
			continue
		}
		return e.failStep(plan, step, result)
	}
}

func (e *Executor) failStep(plan *models.TaskPlan, step *models.TaskStep, result models.ExecutionResult) bool {
	plan.Update(func() {
		step.Status = models.StatusFailed
		step.Error = result.Error
	})
	if e.logger != nil {
		e.logger.LogStepFail(step, result)
	}
	return false
}

func safeDispatch(ctx context.Context, dispatch DispatchFunc, step *models.TaskStep) (result models.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = models.ExecutionResult{Error: fmt.Sprintf("dispatch panicked: %v", r)}
		}
	}()
	return dispatch(ctx, step.ToolName, step.Parameters)
}

func (e *Executor) record(ctx context.Context, plan *models.TaskPlan, step *models.TaskStep, runID string, attempt int, result models.ExecutionResult) {
	if e.recorder == nil {
		return
	}
	exec := &learning.StepExecution{
		RunID:        runID,
		PlanID:       plan.ID,
		PlanName:     plan.Name,
		StepID:       step.ID,
		StepName:     step.Name,
		ToolName:     step.ToolName,
		Attempt:      attempt,
		Success:      result.Success,
		Modality:     string(result.Modality),
		FallbackUsed: result.FallbackUsed,
		RetryCount:   result.RetryCount,
		ErrorMessage: result.Error,
		DurationMs:   result.ExecutionTimeMs,
		Timestamp:    e.clock(),
	}
	// History is best effort; a storage error must not change the run's outcome.
	if err := e.recorder.RecordStep(ctx, exec); err != nil && e.logger != nil {
		e.logger.LogWarn(fmt.Sprintf("Recording step %s attempt %d: %v", step.ID, attempt, err))
	}
}
