package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/cadpilot/internal/learning"
	"github.com/harrison/cadpilot/internal/models"
)

// scriptedDispatch returns results keyed by tool name. Each call pops the next
// scripted result; the last one repeats.
type scriptedDispatch struct {
	mu      sync.Mutex
	scripts map[string][]bool
	calls   map[string]int
	order   []string
}

func newScripted(scripts map[string][]bool) *scriptedDispatch {
	return &scriptedDispatch{scripts: scripts, calls: map[string]int{}}
}

func (s *scriptedDispatch) Dispatch(ctx context.Context, tool string, params map[string]any) models.ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, tool)
	n := s.calls[tool]
	s.calls[tool]++

	outcomes, ok := s.scripts[tool]
	if !ok || len(outcomes) == 0 {
		return models.ExecutionResult{Success: true, Modality: models.ModalityAPI, Output: tool + " ok"}
	}
	if n >= len(outcomes) {
		n = len(outcomes) - 1
	}
	if outcomes[n] {
		return models.ExecutionResult{Success: true, Modality: models.ModalityAPI, Output: tool + " ok"}
	}
	return models.ExecutionResult{Modality: models.ModalityAPI, Error: fmt.Sprintf("%s call %d failed", tool, n+1)}
}

func step(id, tool string, deps ...string) models.TaskStep {
	return models.NewStep(id, id, "", models.StepAPI, tool, nil, deps...)
}

func TestExecutePlanAllSucceed(t *testing.T) {
	plan := models.NewPlan("part", "", []models.TaskStep{
		step("step_1", "create_new_part"),
		step("step_2", "create_rectangle_sketch", "step_1"),
		step("step_3", "create_pad", "step_2"),
	}, nil)
	d := newScripted(nil)

	ok := New(DefaultConfig(), nil, nil).ExecutePlan(context.Background(), plan, d.Dispatch)

	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, plan.Status)
	assert.Equal(t, []string{"create_new_part", "create_rectangle_sketch", "create_pad"}, d.order)
	for _, s := range plan.Steps {
		assert.Equal(t, models.StatusCompleted, s.Status)
		assert.Equal(t, s.ToolName+" ok", s.Result)
	}
	assert.Equal(t, 100.0, plan.Progress().Percent)
	assert.Nil(t, PlanError(plan))
}

func TestDependencyGatingSkipsDownstream(t *testing.T) {
	plan := models.NewPlan("gated", "", []models.TaskStep{
		step("step_1", "create_new_part"),
		step("step_2", "create_pad", "step_1"),
		step("step_3", "create_fillet", "step_2"),
		step("step_4", "save_part", "step_1"),
	}, nil)
	plan.Steps[1].MaxRetries = 0
	d := newScripted(map[string][]bool{"create_pad": {false}})

	ok := New(Config{StopOnFailure: false}, nil, nil).ExecutePlan(context.Background(), plan, d.Dispatch)

	assert.False(t, ok)
	assert.Equal(t, models.StatusFailed, plan.Status)
	assert.Equal(t, models.StatusCompleted, plan.Steps[0].Status)
	assert.Equal(t, models.StatusFailed, plan.Steps[1].Status)
	assert.Equal(t, models.StatusSkipped, plan.Steps[2].Status)
	assert.Contains(t, plan.Steps[2].Error, "step_2")
	assert.Equal(t, models.StatusCompleted, plan.Steps[3].Status)
	assert.Zero(t, d.calls["create_fillet"])

	err := PlanError(plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlanFailed)
	assert.True(t, IsStepError(err))
	assert.Contains(t, err.Error(), "2/4 steps did not complete")
}

func TestUnknownDependencyIsSkipped(t *testing.T) {
	plan := models.NewPlan("dangling", "", []models.TaskStep{
		step("step_1", "create_pad", "ghost"),
	}, nil)

	ok := New(DefaultConfig(), nil, nil).ExecutePlan(context.Background(), plan, newScripted(nil).Dispatch)

	assert.False(t, ok)
	assert.Equal(t, models.StatusSkipped, plan.Steps[0].Status)
}

func TestStopOnFailureLeavesRemainingPending(t *testing.T) {
	plan := models.NewPlan("stop", "", []models.TaskStep{
		step("step_1", "create_new_part"),
		step("step_2", "create_pad"),
		step("step_3", "save_part"),
	}, nil)
	plan.Steps[1].MaxRetries = 0
	d := newScripted(map[string][]bool{"create_pad": {false}})

	ok := New(DefaultConfig(), nil, nil).ExecutePlan(context.Background(), plan, d.Dispatch)

	assert.False(t, ok)
	assert.Equal(t, models.StatusFailed, plan.Status)
	assert.Equal(t, models.StatusFailed, plan.Steps[1].Status)
	assert.Equal(t, models.StatusPending, plan.Steps[2].Status)
	assert.Equal(t, 1, plan.CurrentStepIndex)
	assert.Zero(t, d.calls["save_part"])
}

func TestStepRetriesStackOnDispatcher(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		script     []bool
		wantOK     bool
		wantCalls  int
		wantRetry  int
	}{
		{"succeeds first time", 2, []bool{true}, true, 1, 0},
		{"succeeds on last retry", 2, []bool{false, false, true}, true, 3, 2},
		{"exhausts budget", 2, []bool{false}, false, 3, 2},
		{"no retries", 0, []bool{false}, false, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := step("step_1", "create_pad")
			s.MaxRetries = tt.maxRetries
			plan := models.NewPlan("retry", "", []models.TaskStep{s}, nil)
			d := newScripted(map[string][]bool{"create_pad": tt.script})

			ok := New(DefaultConfig(), nil, nil).ExecutePlan(context.Background(), plan, d.Dispatch)

			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantCalls, d.calls["create_pad"])
			assert.Equal(t, tt.wantRetry, plan.Steps[0].RetryCount)
			assert.LessOrEqual(t, plan.Steps[0].RetryCount, plan.Steps[0].MaxRetries)
			if !tt.wantOK {
				assert.NotEmpty(t, plan.Steps[0].Error)
			} else {
				assert.Empty(t, plan.Steps[0].Error)
			}
		})
	}
}

func TestReservedStepTypesFail(t *testing.T) {
	for _, st := range []models.StepType{models.StepCondition, models.StepLoop} {
		s := models.NewStep("step_1", "branch", "", st, "create_pad", nil)
		plan := models.NewPlan("reserved", "", []models.TaskStep{s}, nil)
		d := newScripted(nil)

		ok := New(DefaultConfig(), nil, nil).ExecutePlan(context.Background(), plan, d.Dispatch)

		assert.False(t, ok, st)
		assert.Equal(t, models.StatusFailed, plan.Steps[0].Status)
		assert.Contains(t, plan.Steps[0].Error, "unsupported step type")
		assert.Zero(t, d.calls["create_pad"])
	}
}

func TestTerminalPlanIsNotRerun(t *testing.T) {
	plan := models.NewPlan("done", "", []models.TaskStep{step("step_1", "create_pad")}, nil)
	d := newScripted(nil)
	exec := New(DefaultConfig(), nil, nil)

	require.True(t, exec.ExecutePlan(context.Background(), plan, d.Dispatch))
	require.True(t, exec.ExecutePlan(context.Background(), plan, d.Dispatch))

	assert.Equal(t, 1, d.calls["create_pad"])
}

func TestEmptyPlanCompletes(t *testing.T) {
	plan := models.NewPlan("empty", "", nil, nil)

	report := New(DefaultConfig(), nil, nil).Run(context.Background(), plan, nil)

	assert.True(t, report.Success)
	assert.Equal(t, models.StatusCompleted, plan.Status)
	assert.NotEmpty(t, report.RunID)
}

func TestDispatchPanicFailsStep(t *testing.T) {
	s := step("step_1", "create_pad")
	s.MaxRetries = 0
	plan := models.NewPlan("panic", "", []models.TaskStep{s}, nil)

	ok := New(DefaultConfig(), nil, nil).ExecutePlan(context.Background(), plan,
		func(ctx context.Context, tool string, params map[string]any) models.ExecutionResult {
			panic("bridge crashed")
		})

	assert.False(t, ok)
	assert.Contains(t, plan.Steps[0].Error, "bridge crashed")
}

func TestCancelledContextFailsStep(t *testing.T) {
	plan := models.NewPlan("cancel", "", []models.TaskStep{step("step_1", "create_pad")}, nil)
	d := newScripted(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok := New(DefaultConfig(), nil, nil).ExecutePlan(ctx, plan, d.Dispatch)

	assert.False(t, ok)
	assert.Zero(t, d.calls["create_pad"])
	assert.Contains(t, plan.Steps[0].Error, "context canceled")
}

// progressLogger snapshots progress at each event.
type progressLogger struct {
	plan     *models.TaskPlan
	percents []float64
	events   []string
	warnings []string
}

func (l *progressLogger) snap(event string) {
	l.events = append(l.events, event)
	l.percents = append(l.percents, l.plan.Progress().Percent)
}

func (l *progressLogger) LogPlanStart(plan *models.TaskPlan) { l.snap("plan_start") }
func (l *progressLogger) LogStepStart(step *models.TaskStep) { l.snap("start " + step.ID) }
func (l *progressLogger) LogStepRetry(step *models.TaskStep, result models.ExecutionResult) {
	l.snap("retry " + step.ID)
}
func (l *progressLogger) LogStepComplete(step *models.TaskStep, result models.ExecutionResult) {
	l.snap("complete " + step.ID)
}
func (l *progressLogger) LogStepFail(step *models.TaskStep, result models.ExecutionResult) {
	l.snap("fail " + step.ID)
}
func (l *progressLogger) LogStepSkipped(step *models.TaskStep, unmet []string) {
	l.snap("skip " + step.ID)
}
func (l *progressLogger) LogPlanComplete(plan *models.TaskPlan, duration time.Duration) {
	l.snap("plan_complete")
}
func (l *progressLogger) LogWarn(message string) {
	l.warnings = append(l.warnings, message)
}

func TestProgressIsMonotonic(t *testing.T) {
	plan := models.NewPlan("mono", "", []models.TaskStep{
		step("step_1", "create_new_part"),
		step("step_2", "create_pad", "step_1"),
		step("step_3", "create_fillet", "step_2"),
		step("step_4", "save_part"),
	}, nil)
	plan.Steps[1].MaxRetries = 1
	logger := &progressLogger{plan: plan}
	d := newScripted(map[string][]bool{"create_pad": {false, true}})

	New(Config{StopOnFailure: false}, logger, nil).ExecutePlan(context.Background(), plan, d.Dispatch)

	for i := 1; i < len(logger.percents); i++ {
		assert.GreaterOrEqual(t, logger.percents[i], logger.percents[i-1], logger.events[i])
	}
	assert.Contains(t, logger.events, "retry step_2")
	assert.Equal(t, "plan_complete", logger.events[len(logger.events)-1])
}

type memoryRecorder struct {
	records []*learning.StepExecution
	err     error
}

func (m *memoryRecorder) RecordStep(ctx context.Context, exec *learning.StepExecution) error {
	m.records = append(m.records, exec)
	return m.err
}

func TestRecorderSeesEveryAttempt(t *testing.T) {
	s := step("step_1", "create_pad")
	s.MaxRetries = 2
	plan := models.NewPlan("history", "", []models.TaskStep{s}, nil)
	plan.ID = "plan-1"
	rec := &memoryRecorder{}
	d := newScripted(map[string][]bool{"create_pad": {false, true}})

	report := New(DefaultConfig(), nil, rec).Run(context.Background(), plan, d.Dispatch)

	require.Len(t, rec.records, 2)
	assert.Equal(t, 1, rec.records[0].Attempt)
	assert.False(t, rec.records[0].Success)
	assert.Equal(t, 2, rec.records[1].Attempt)
	assert.True(t, rec.records[1].Success)
	for _, r := range rec.records {
		assert.Equal(t, report.RunID, r.RunID)
		assert.Equal(t, "plan-1", r.PlanID)
		assert.Equal(t, "create_pad", r.ToolName)
	}
}

func TestRecorderErrorsAreLoggedNotFatal(t *testing.T) {
	plan := models.NewPlan("history", "", []models.TaskStep{step("step_1", "create_pad")}, nil)
	logger := &progressLogger{plan: plan}
	rec := &memoryRecorder{err: errors.New("database is locked")}
	d := newScripted(map[string][]bool{"create_pad": {true}})

	ok := New(DefaultConfig(), logger, rec).ExecutePlan(context.Background(), plan, d.Dispatch)

	assert.True(t, ok)
	assert.Len(t, rec.records, 1)
	require.Len(t, logger.warnings, 1)
	assert.Contains(t, logger.warnings[0], "step_1")
	assert.Contains(t, logger.warnings[0], "database is locked")
}
