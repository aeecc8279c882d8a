package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/cadpilot/internal/models"
)

func testPlan() *models.TaskPlan {
	steps := []models.TaskStep{
		models.NewStep("1", "New part", "", models.StepAPI, "create_new_part", nil),
		models.NewStep("2", "Sketch", "", models.StepAPI, "create_rectangle_sketch", map[string]any{"length": 40.0}, "1"),
	}
	plan := models.NewPlan("Create 40mm cube", "", steps, nil)
	plan.ID = "0123456789abcdef"
	return plan
}

func TestConsoleLoggerLevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		visible []string
		hidden  []string
	}{
		{"trace", []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}, nil},
		{"info", []string{"INFO", "WARN", "ERROR"}, []string{"TRACE", "DEBUG"}},
		{"error", []string{"ERROR"}, []string{"TRACE", "DEBUG", "INFO", "WARN"}},
		{"bogus", []string{"INFO", "WARN", "ERROR"}, []string{"TRACE", "DEBUG"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf := new(bytes.Buffer)
			l := NewConsoleLogger(buf, tt.level)
			l.LogTrace("t")
			l.LogDebug("d")
			l.LogInfo("i")
			l.LogWarn("w")
			l.LogError("e")

			out := buf.String()
			for _, lvl := range tt.visible {
				assert.Contains(t, out, "["+lvl+"]")
			}
			for _, lvl := range tt.hidden {
				assert.NotContains(t, out, "["+lvl+"]")
			}
		})
	}
}

func TestConsoleLoggerNilWriter(t *testing.T) {
	l := NewConsoleLogger(nil, "trace")
	assert.NotPanics(t, func() {
		l.LogInfo("ignored")
		l.LogPlanStart(testPlan())
	})
}

func TestConsoleLoggerStepEvents(t *testing.T) {
	buf := new(bytes.Buffer)
	l := NewConsoleLogger(buf, "debug")
	plan := testPlan()

	l.LogPlanStart(plan)
	l.LogStepStart(&plan.Steps[0])
	l.LogStepComplete(&plan.Steps[0], models.ExecutionResult{
		Success: true, Modality: models.ModalityVision, FallbackUsed: true, RetryCount: 2, ExecutionTimeMs: 12.5,
	})
	plan.Steps[1].RetryCount = 1
	l.LogStepRetry(&plan.Steps[1], models.ExecutionResult{Error: "timeout"})
	l.LogStepFail(&plan.Steps[1], models.ExecutionResult{Error: "no sketch plane"})
	l.LogStepSkipped(&plan.Steps[1], []string{"1"})

	out := buf.String()
	assert.Contains(t, out, "Starting plan Create 40mm cube (01234567): 2 steps")
	assert.Contains(t, out, "Step 1 (New part) -> create_new_part")
	assert.Contains(t, out, "[OK] 1 New part (vision, fallback, 2 retries, 12.5ms)")
	assert.Contains(t, out, "[RETRY] 2 retry 1/2: timeout")
	assert.Contains(t, out, "[FAIL] 2 Sketch: no sketch plane")
	assert.Contains(t, out, "[SKIP] 2 Sketch: waiting on 1")
	assert.NotContains(t, out, "\x1b[")
}

func TestConsoleLoggerPlanSummary(t *testing.T) {
	buf := new(bytes.Buffer)
	l := NewConsoleLogger(buf, "info")
	plan := testPlan()
	plan.Status = models.StatusFailed
	plan.Steps[0].Status = models.StatusCompleted
	plan.Steps[1].Status = models.StatusFailed
	plan.Steps[1].Error = "no sketch plane"

	l.LogPlanComplete(plan, 1500*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "=== Plan Summary ===")
	assert.Contains(t, out, "Plan: Create 40mm cube (failed)")
	assert.Contains(t, out, "1/2 (50%)")
	assert.Contains(t, out, "Completed: 1  Failed: 1  Skipped: 0")
	assert.Contains(t, out, "Duration: 1s")
	assert.Contains(t, out, "- 2 failed: no sketch plane")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{120 * time.Millisecond, "120ms"},
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m30s"},
		{2 * time.Minute, "2m"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}

func TestProgressBarRender(t *testing.T) {
	pb := NewProgressBar(4, 10, false)
	pb.Update(2)
	assert.Equal(t, "[=====     ] 2/4 (50%)", pb.Render())

	pb.SetPrefix("steps ")
	pb.Increment()
	pb.Increment()
	assert.Equal(t, 100, pb.Percentage())
	assert.Equal(t, "steps [==========] 4/4 (100%)", pb.Render())

	empty := NewProgressBar(0, 0, false)
	assert.Equal(t, 0, empty.Percentage())
}

func TestFileLoggerWritesRunLogAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLoggerWithDirAndLevel(dir, "debug")
	require.NoError(t, err)

	plan := testPlan()
	fl.LogPlanStart(plan)
	fl.LogStepStart(&plan.Steps[1])
	fl.LogStepComplete(&plan.Steps[1], models.ExecutionResult{Success: true, Modality: models.ModalityAPI, ExecutionTimeMs: 3})
	fl.LogTrace("hidden")
	plan.Status = models.StatusCompleted
	fl.LogPlanComplete(plan, time.Second)
	require.NoError(t, fl.Close())

	data, err := os.ReadFile(fl.RunFile())
	require.NoError(t, err)
	log := string(data)
	assert.Contains(t, log, "=== cadpilot Run Log ===")
	assert.Contains(t, log, "Starting plan Create 40mm cube (0123456789abcdef): 2 steps")
	assert.Contains(t, log, "2 Sketch [api] create_rectangle_sketch after 1")
	assert.Contains(t, log, `Step 2 -> create_rectangle_sketch {"length":40}`)
	assert.Contains(t, log, "[OK] 2 Sketch (api, 3.0ms)")
	assert.NotContains(t, log, "hidden")

	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(fl.RunFile()), target)

	snapshot, err := os.ReadFile(filepath.Join(dir, "plans", plan.ID+".json"))
	require.NoError(t, err)
	var saved models.TaskPlan
	require.NoError(t, json.Unmarshal(snapshot, &saved))
	assert.Equal(t, models.StatusCompleted, saved.Status)
	assert.Len(t, saved.Steps, 2)
}

func TestFileLoggerLatestFollowsNewestRun(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFileLoggerWithDir(dir)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewFileLoggerWithDir(dir)
	require.NoError(t, err)
	defer second.Close()

	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(second.RunFile()), target)
	assert.NotEqual(t, first.RunFile(), second.RunFile())
}

func TestMultiLoggerFansOut(t *testing.T) {
	a := new(bytes.Buffer)
	b := new(bytes.Buffer)
	m := NewMultiLogger(NewConsoleLogger(a, "info"), NewConsoleLogger(b, "warn"), NewNoOpLogger())

	m.LogInfo("hello")
	m.LogWarn("careful")

	assert.Contains(t, a.String(), "hello")
	assert.Contains(t, a.String(), "careful")
	assert.NotContains(t, b.String(), "hello")
	assert.True(t, strings.Contains(b.String(), "careful"))
}
