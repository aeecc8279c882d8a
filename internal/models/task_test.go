package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStepDefaults(t *testing.T) {
	step := NewStep("step_1", "Create part", "new document", StepAPI, "create_new_part", nil)

	assert.Equal(t, StatusPending, step.Status)
	assert.Equal(t, DefaultStepMaxRetries, step.MaxRetries)
	assert.NotNil(t, step.Parameters)
	assert.Empty(t, step.DependsOn)
}

func TestStepValidate(t *testing.T) {
	tests := []struct {
		name    string
		step    TaskStep
		wantErr bool
	}{
		{name: "valid", step: NewStep("s", "S", "", StepAPI, "t", nil)},
		{name: "missing id", step: TaskStep{Name: "S"}, wantErr: true},
		{name: "missing name", step: TaskStep{ID: "s"}, wantErr: true},
		{name: "negative retries", step: TaskStep{ID: "s", Name: "S", MaxRetries: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStepCloneResetsRuntimeState(t *testing.T) {
	orig := NewStep("s", "S", "", StepAPI, "t", map[string]any{"height": 10.0}, "prev")
	orig.Status = StatusFailed
	orig.Error = "boom"
	orig.RetryCount = 2

	c := orig.Clone()
	c.Parameters["height"] = 20.0
	c.DependsOn[0] = "other"

	assert.Equal(t, StatusPending, c.Status)
	assert.Empty(t, c.Error)
	assert.Zero(t, c.RetryCount)
	assert.Equal(t, 10.0, orig.Parameters["height"])
	assert.Equal(t, "prev", orig.DependsOn[0])
}

func TestStatusAndStepTypeHelpers(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusSkipped.IsTerminal())

	assert.True(t, StepHybrid.Executable())
	assert.False(t, StepCondition.Executable())
	assert.False(t, StepLoop.Executable())
}

func TestParseModality(t *testing.T) {
	m, err := ParseModality(" Vision ")
	require.NoError(t, err)
	assert.Equal(t, ModalityVision, m)

	_, err = ParseModality("telepathy")
	assert.Error(t, err)
}
