package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/cadpilot/internal/config"
	"github.com/harrison/cadpilot/internal/executor"
	"github.com/harrison/cadpilot/internal/models"
	"github.com/harrison/cadpilot/internal/planner"
	"github.com/harrison/cadpilot/internal/registry"
	"github.com/harrison/cadpilot/internal/simulate"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Dispatcher.RetryDelay = 0
	cfg.Knowledge.DBPath = ":memory:"
	cfg.Learning.DBPath = ":memory:"
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestBoxEndToEnd(t *testing.T) {
	e := newEngine(t, testConfig())
	ctx := context.Background()

	plan := e.CreatePlan(ctx, "create a 200x100x50 box", nil)
	require.Len(t, plan.Steps, 3)

	report, err := e.ExecutePlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, models.StatusCompleted, plan.Status)
	assert.Equal(t, 100.0, report.Progress.Percent)

	info, err := e.Simulator().Document().Info()
	require.NoError(t, err)
	require.Len(t, info.Sketches, 1)
	assert.Equal(t, 200.0, info.Sketches[0].Length)
	assert.Equal(t, 100.0, info.Sketches[0].Width)
	require.Len(t, info.Features, 1)
	assert.Equal(t, 50.0, info.Features[0].Value)
	assert.Equal(t, "api", info.Features[0].Surface)

	stats := e.Stats()
	assert.Equal(t, 3, stats.APICalls)
	assert.Zero(t, stats.VisionCalls)
	assert.Zero(t, stats.Failures)

	runs, err := e.History().GetRecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, plan.ID, runs[0].PlanID)
	assert.Equal(t, 3, runs[0].Attempts)
	assert.Zero(t, runs[0].Failures)
}

func TestUnknownOperationFailsOnBothSurfaces(t *testing.T) {
	e := newEngine(t, testConfig())

	result := e.Execute(context.Background(), "frobnicate", map[string]any{})

	assert.False(t, result.Success)
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, models.ModalityVision, result.Modality)
	assert.Contains(t, result.Error, "frobnicate")
	assert.False(t, e.Supported("frobnicate"))
	assert.Equal(t, 1, e.Stats().Failures)
}

func TestFallbackToVisionDuringPlan(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatcher.MaxRetries = 1
	e := newEngine(t, cfg, WithSimulator(simulate.Options{
		APIFailures: map[string]int{"create_pad": -1},
	}))
	ctx := context.Background()

	plan := e.CreatePlan(ctx, "a 40 mm cube", nil)
	report, err := e.ExecutePlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.True(t, report.Success)

	info, err := e.Simulator().Document().Info()
	require.NoError(t, err)
	require.Len(t, info.Features, 1)
	assert.Equal(t, "vision", info.Features[0].Surface)

	stats := e.Stats()
	assert.Equal(t, 1, stats.Fallbacks)
	assert.Equal(t, 1, stats.Retries)
	assert.Equal(t, 2, e.Simulator().Calls("api", "create_pad"))
	assert.Equal(t, 1, e.Simulator().Calls("vision", "create_pad"))

	tools, err := e.History().GetToolStats(ctx, 0, 0)
	require.NoError(t, err)
	var pad bool
	for _, ts := range tools {
		if ts.ToolName == "create_pad" {
			pad = true
			assert.Equal(t, 1, ts.FallbackCount)
		}
	}
	assert.True(t, pad)
}

func TestFailedPlanReturnsExecutionError(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatcher.MaxRetries = 0
	cfg.Dispatcher.EnableFallback = false
	cfg.Executor.StepMaxRetries = 0
	e := newEngine(t, cfg, WithSimulator(simulate.Options{
		APIFailures: map[string]int{"create_new_part": -1},
	}))
	ctx := context.Background()

	plan := e.CreatePlan(ctx, "create a 10x10x10 box", nil)
	report, err := e.ExecutePlan(ctx, plan.ID)

	require.Error(t, err)
	assert.False(t, report.Success)
	assert.True(t, errors.Is(err, executor.ErrPlanFailed))
	assert.True(t, executor.IsStepError(err))
	assert.Equal(t, models.StatusFailed, plan.Status)
	assert.Equal(t, models.StatusFailed, plan.Steps[0].Status)
	assert.Equal(t, models.StatusPending, plan.Steps[1].Status)

	analysis, err := e.History().AnalyzeToolFailures(ctx, "create_new_part")
	require.NoError(t, err)
	assert.Equal(t, 1, analysis.FailedAttempts)
}

func TestExecuteUnknownPlan(t *testing.T) {
	e := newEngine(t, testConfig())
	_, err := e.ExecutePlan(context.Background(), "missing")
	assert.ErrorIs(t, err, planner.ErrPlanNotFound)
}

func TestRunPlanRejectsConcurrentRun(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	api := registry.New().RegisterFunc("wait", func(ctx context.Context, params map[string]any) (any, error) {
		close(started)
		<-block
		return "done", nil
	})
	e := newEngine(t, testConfig(), WithRegistries(api, registry.New()))

	step := models.NewStep("s1", "Wait", "", models.StepAPI, "wait", nil)
	plan := models.NewPlan("blocking", "", []models.TaskStep{step}, nil)
	plan.ID = "p1"

	done := make(chan error, 1)
	go func() {
		_, err := e.RunPlan(context.Background(), plan)
		done <- err
	}()
	<-started

	_, err := e.RunPlan(context.Background(), plan)
	assert.ErrorIs(t, err, ErrPlanRunning)

	close(block)
	require.NoError(t, <-done)
	assert.Nil(t, e.Simulator())
}

func TestRemovePlanKeepsRunningPlan(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	api := registry.New().
		RegisterFunc("create_new_part", func(ctx context.Context, params map[string]any) (any, error) {
			return "Part1", nil
		}).
		RegisterFunc("execute_request", func(ctx context.Context, params map[string]any) (any, error) {
			close(started)
			<-block
			return "done", nil
		})
	e := newEngine(t, testConfig(), WithRegistries(api, registry.New()))
	ctx := context.Background()

	plan := e.CreatePlan(ctx, "hold the part", nil)
	require.Equal(t, "execute_request", plan.Steps[1].ToolName)

	done := make(chan error, 1)
	go func() {
		_, err := e.ExecutePlan(ctx, plan.ID)
		done <- err
	}()
	<-started

	assert.ErrorIs(t, e.RemovePlan(plan.ID), ErrPlanRunning)
	close(block)
	require.NoError(t, <-done)

	require.NoError(t, e.RemovePlan(plan.ID))
	_, err := e.Plan(plan.ID)
	assert.ErrorIs(t, err, planner.ErrPlanNotFound)
	assert.Empty(t, e.Plans())
}

func TestPlanReadableWhileRunning(t *testing.T) {
	e := newEngine(t, testConfig(), WithSimulator(simulate.Options{Latency: 5 * time.Millisecond}))
	ctx := context.Background()
	plan := e.CreatePlan(ctx, "create a 200x100x50 box", nil)

	done := make(chan executor.RunReport, 1)
	go func() {
		report, _ := e.ExecutePlan(ctx, plan.ID)
		done <- report
	}()

	var report executor.RunReport
	for finished := false; !finished; {
		snap, err := e.Plan(plan.ID)
		require.NoError(t, err)
		_, err = json.Marshal(snap)
		require.NoError(t, err)
		_, err = json.Marshal(plan)
		require.NoError(t, err)
		require.Len(t, e.Plans(), 1)
		_ = plan.Progress()

		select {
		case report = <-done:
			finished = true
		default:
		}
	}

	assert.True(t, report.Success)
	snap, err := e.Plan(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.Equal(t, 3, snap.Progress().Completed)

	// Snapshots are detached from the live plan.
	snap.Steps[0].Parameters["visible"] = false
	assert.Equal(t, true, plan.Steps[0].Parameters["visible"])
}

func TestClassificationOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Classification = &config.ClassificationConfig{VisionOnly: []string{"create_pad"}}
	e := newEngine(t, cfg)

	assert.Equal(t, models.ModalityVision, e.Classify("create_pad"))
	assert.Equal(t, models.ModalityAPI, e.Classify("create_new_part"))
	assert.Equal(t, []string{"create_pad"}, e.Operations().Table["vision_only"])
}

func TestCustomTemplatesFileTriedFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`templates:
  - name: big_cube
    keywords: [cube]
    steps:
      - id: s1
        name: Part
        tool_name: create_new_part
`), 0644))

	cfg := testConfig()
	cfg.Planner.TemplatesFile = path
	e := newEngine(t, cfg)

	assert.Equal(t, []string{"big_cube", "create_cube", "create_box"}, e.Templates())
	plan := e.CreatePlan(context.Background(), "a cube", nil)
	assert.Equal(t, "big_cube", plan.Metadata["template"])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "loud"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Planner.TemplatesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestKnowledgeSeededWithBuiltins(t *testing.T) {
	e := newEngine(t, testConfig())
	stats, err := e.Knowledge().Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SourceCount)

	cfg := testConfig()
	cfg.Knowledge.Enabled = false
	cfg.Learning.Enabled = false
	bare := newEngine(t, cfg)
	assert.Nil(t, bare.Knowledge())
	assert.Nil(t, bare.History())
}

func TestGeneratorCommandPlansUnmatchedRequest(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	dir := t.TempDir()
	promptFile := filepath.Join(dir, "prompt.txt")
	script := filepath.Join(dir, "planner.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat > '"+promptFile+"'\n"+
		`echo '{"name":"Open and save","steps":[{"id":"1","name":"New part","step_type":"api","tool_name":"create_new_part"},`+
		`{"id":"2","name":"Save","step_type":"api","tool_name":"save_part","parameters":{"file_path":"bracket.CATPart"},"depends_on":["1"]}]}'`+"\n"), 0755))

	cfg := testConfig()
	cfg.Planner.GeneratorCommand = script
	e := newEngine(t, cfg)
	ctx := context.Background()

	plan := e.CreatePlan(ctx, "open a new part and save it", nil)
	assert.Equal(t, "Open and save", plan.Name)
	assert.Equal(t, true, plan.Metadata["generated"])
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, cfg.Executor.StepMaxRetries, plan.Steps[0].MaxRetries)

	report, err := e.ExecutePlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.True(t, report.Success)
	info, err := e.Simulator().Document().Info()
	require.NoError(t, err)
	assert.Equal(t, "bracket.CATPart", info.SavedPath)

	prompt, err := os.ReadFile(promptFile)
	require.NoError(t, err)
	assert.Contains(t, string(prompt), "open a new part and save it")
	assert.Contains(t, string(prompt), "execute_request")

	// Template requests never reach the generator.
	require.NoError(t, os.Remove(promptFile))
	cube := e.CreatePlan(ctx, "a 20mm cube", nil)
	assert.Equal(t, "create_cube", cube.Metadata["template"])
	_, err = os.Stat(promptFile)
	assert.True(t, os.IsNotExist(err))
}

func TestGeneratorFailureFallsBackToBasicPlan(t *testing.T) {
	cfg := testConfig()
	cfg.Planner.GeneratorCommand = filepath.Join(t.TempDir(), "does-not-exist")
	e := newEngine(t, cfg)

	plan := e.CreatePlan(context.Background(), "engrave a logo", nil)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "execute_request", plan.Steps[1].ToolName)
	assert.Nil(t, plan.Metadata["generated"])
}
