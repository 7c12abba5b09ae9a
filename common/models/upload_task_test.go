package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskUploading, true},
		{TaskPending, TaskSaving, true},
		{TaskProcessing, TaskProcessing, true},
		{TaskProcessing, TaskUploading, false},
		{TaskSaving, TaskCompleted, true},
		{TaskUploading, TaskFailed, true},
		{TaskCompleted, TaskFailed, false},
		{TaskFailed, TaskPending, false},
		{TaskPending, TaskStatus("paused"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	assert.True(t, TaskCompleted.IsTerminal())
	assert.True(t, TaskFailed.IsTerminal())
	assert.False(t, TaskSaving.IsTerminal())
	assert.True(t, TaskFailed.IsValid())
	assert.False(t, TaskStatus("").IsValid())
}
