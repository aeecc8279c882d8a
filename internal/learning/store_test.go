package learning

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStore(t *testing.T) {
	tests := []struct {
		name    string
		dbPath  string
		wantErr bool
	}{
		{
			name:   "creates database successfully",
			dbPath: filepath.Join(t.TempDir(), "test.db"),
		},
		{
			name:   "handles in-memory database",
			dbPath: ":memory:",
		},
		{
			name:   "creates parent directories if needed",
			dbPath: filepath.Join(t.TempDir(), "nested", "dir", "test.db"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.dbPath)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer store.Close()

			version, err := store.GetLatestVersion()
			require.NoError(t, err)
			assert.Equal(t, len(migrations), version)
			assert.Equal(t, tt.dbPath, store.Path())
		})
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	first, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewStore(path)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.ApplyMigrations(context.Background()))
	version, err := second.GetLatestVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestRecordStepAndRunSteps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	attempts := []*StepExecution{
		{RunID: "run-1", PlanID: "plan-a", PlanName: "box", StepID: "step_1", ToolName: "create_new_part", Success: true, Modality: "api", DurationMs: 1.5},
		{RunID: "run-1", PlanID: "plan-a", PlanName: "box", StepID: "step_2", ToolName: "create_pad", Attempt: 1, Success: false, Modality: "vision", FallbackUsed: true, RetryCount: 2, ErrorMessage: "sketch not closed"},
		{RunID: "run-1", PlanID: "plan-a", PlanName: "box", StepID: "step_2", ToolName: "create_pad", Attempt: 2, Success: true, Modality: "api"},
	}
	for _, a := range attempts {
		require.NoError(t, store.RecordStep(ctx, a))
		assert.NotZero(t, a.ID)
	}

	steps, err := store.GetRunSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, 1, steps[0].Attempt)
	assert.Equal(t, "box", steps[0].PlanName)
	assert.InDelta(t, 1.5, steps[0].DurationMs, 0.001)
	assert.True(t, steps[1].FallbackUsed)
	assert.Equal(t, 2, steps[1].RetryCount)
	assert.Equal(t, "sketch not closed", steps[1].ErrorMessage)
	assert.Equal(t, "vision", steps[1].Modality)
	assert.False(t, steps[1].Timestamp.IsZero())

	none, err := store.GetRunSteps(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetRecentRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordStep(ctx, &StepExecution{RunID: "old", PlanID: "p1", PlanName: "cube", StepID: "s1", ToolName: "create_pad", Success: true}))
	require.NoError(t, store.RecordStep(ctx, &StepExecution{RunID: "new", PlanID: "p2", PlanName: "box", StepID: "s1", ToolName: "create_pad", Success: false, FallbackUsed: true}))
	require.NoError(t, store.RecordStep(ctx, &StepExecution{RunID: "new", PlanID: "p2", PlanName: "box", StepID: "s2", ToolName: "save_part", Success: true}))

	runs, err := store.GetRecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, "box", runs[0].PlanName)
	assert.Equal(t, 2, runs[0].Attempts)
	assert.Equal(t, 1, runs[0].Failures)
	assert.Equal(t, 1, runs[0].Fallbacks)
	assert.False(t, runs[0].Started.IsZero())
	assert.Equal(t, "old", runs[1].RunID)

	limited, err := store.GetRecentRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestGetToolStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordStep(ctx, &StepExecution{RunID: "r", PlanID: "p", StepID: "s", ToolName: "create_pad", Success: i != 0, DurationMs: 10}))
	}
	require.NoError(t, store.RecordStep(ctx, &StepExecution{RunID: "r", PlanID: "p", StepID: "s", ToolName: "save_part", Success: true, DurationMs: 4}))

	stats, err := store.GetToolStats(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "create_pad", stats[0].ToolName)
	assert.Equal(t, 3, stats[0].CallCount)
	assert.Equal(t, 2, stats[0].SuccessCount)
	assert.Equal(t, 1, stats[0].FailureCount)
	assert.InDelta(t, 2.0/3.0, stats[0].SuccessRate, 0.001)
	assert.InDelta(t, 10.0, stats[0].AvgDurationMs, 0.001)
	assert.Equal(t, "save_part", stats[1].ToolName)
}

func TestCleanupOldExecutions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordStep(ctx, &StepExecution{RunID: "r1", PlanID: "p", StepID: "s", ToolName: "create_pad", Success: true, Timestamp: time.Now().AddDate(0, 0, -40)}))
	require.NoError(t, store.RecordStep(ctx, &StepExecution{RunID: "r2", PlanID: "p", StepID: "s", ToolName: "create_pad", Success: true}))

	deleted, err := store.CleanupOldExecutions(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = store.CleanupOldExecutions(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	cleared, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
}

func TestAnalyzeToolFailures(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	errs := []string{"operation create_pad failed after 2 retries: sketch not closed", "operation create_pad failed after 2 retries: request timed out"}
	for _, msg := range errs {
		require.NoError(t, store.RecordStep(ctx, &StepExecution{RunID: "r", PlanID: "p", StepID: "s", ToolName: "create_pad", Success: false, FallbackUsed: true, ErrorMessage: msg}))
	}
	require.NoError(t, store.RecordStep(ctx, &StepExecution{RunID: "r", PlanID: "p", StepID: "s", ToolName: "create_pad", Success: true}))

	analysis, err := store.AnalyzeToolFailures(ctx, "create_pad")
	require.NoError(t, err)

	assert.Equal(t, 3, analysis.TotalAttempts)
	assert.Equal(t, 2, analysis.FailedAttempts)
	assert.Equal(t, []string{"invalid_geometry", "timeout"}, analysis.CommonPatterns)
	assert.True(t, analysis.PreferVision)
	assert.Contains(t, analysis.SuggestedApproach, "Detected patterns: invalid_geometry, timeout")

	empty, err := store.AnalyzeToolFailures(ctx, "save_part")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalAttempts)
	assert.Empty(t, empty.SuggestedApproach)
}

func TestAnalyzeToolFailuresCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.AnalyzeToolFailures(ctx, "create_pad")
	assert.Error(t, err)
}
