package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusActive, StatusPaused, true},
		{StatusPaused, StatusActive, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusFailed, true},
		{StatusPaused, StatusCompleted, true},
		{StatusPending, StatusPaused, false},
		{StatusActive, StatusActive, false},
		{StatusCompleted, StatusActive, false},
		{StatusFailed, StatusPaused, false},
		{StatusCompleted, StatusFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.ErrorIs(t, CheckTransition(StatusFailed, StatusActive), ErrInvalidTransition)
	assert.NoError(t, CheckTransition(StatusActive, StatusPaused))
}

func TestTaskPredicates(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	task := Task{Status: StatusActive}
	assert.True(t, task.CanBeModified())
	assert.True(t, task.CanModifySchedule())
	assert.True(t, task.CanBeDeleted(now, time.Minute))

	task.TotalExecutions = 1
	assert.True(t, task.CanBeModified())
	assert.False(t, task.CanModifySchedule())

	task.Status = StatusCompleted
	assert.False(t, task.CanBeModified())

	started := now.Add(-30 * time.Second)
	task.RunningSince = &started
	assert.True(t, task.Running(now, time.Minute))
	assert.False(t, task.CanBeDeleted(now, time.Minute))
	assert.False(t, task.Running(now, 10*time.Second), "stale claim counts as released")
}

func TestScheduleEqual(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	same := at
	a := Schedule{Type: ScheduleOneTime, ScheduledTime: &at}
	b := Schedule{Type: ScheduleOneTime, ScheduledTime: &same}
	assert.True(t, a.Equal(b))

	c1 := Schedule{Type: ScheduleCron, Cron: &CronFields{Minute: "0", Hour: "9"}}
	c2 := Schedule{Type: ScheduleCron, Cron: &CronFields{Minute: "0", Hour: "10"}}
	assert.False(t, c1.Equal(c2))
	assert.False(t, a.Equal(c1))
}

func TestValidationError(t *testing.T) {
	t.Parallel()
	err := Invalid("interval_seconds", "must be at least %d", 60)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "interval_seconds: must be at least 60", err.Error())

	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Equal(t, "interval_seconds", ve.Field)
}
