package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpulse/internal/domain"
)

func newTestRepo(t *testing.T) *sqliteRepo {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "taskpulse.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return &sqliteRepo{db: db, now: time.Now}
}

func intervalTask(name string, next time.Time) domain.Task {
	return domain.Task{
		Name:              name,
		Handler:           "noop",
		Schedule:          domain.Schedule{Type: domain.ScheduleInterval, IntervalSeconds: 60},
		MaxRetries:        3,
		RetryDelaySeconds: 60,
		Status:            domain.StatusActive,
		NextRunAt:         &next,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, Migrate(r.db))
}

func TestCreateAndGetTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	at := time.Date(2026, 11, 1, 12, 30, 0, 0, time.UTC)
	created, err := r.CreateTask(ctx, domain.Task{
		Name:              "report",
		Description:       "nightly",
		Handler:           "shell",
		Payload:           []byte(`{"command":"true"}`),
		Schedule:          domain.Schedule{Type: domain.ScheduleOneTime, ScheduledTime: &at},
		MaxRetries:        2,
		RetryDelaySeconds: 30,
		TimeoutSeconds:    10,
		NextRunAt:         &at,
	})
	require.NoError(t, err)
	assert.Contains(t, created.ID, "tsk_")
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Equal(t, int64(1), created.Version)

	got, err := r.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "report", got.Name)
	assert.JSONEq(t, `{"command":"true"}`, string(got.Payload))
	require.NotNil(t, got.Schedule.ScheduledTime)
	assert.True(t, got.Schedule.ScheduledTime.Equal(at))
	assert.Nil(t, got.Schedule.Cron)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(at))
	assert.Nil(t, got.LastExecutionAt)

	_, err = r.GetTask(ctx, "tsk_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCronFieldsRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	created, err := r.CreateTask(ctx, domain.Task{
		Name:    "weekly",
		Handler: "noop",
		Schedule: domain.Schedule{Type: domain.ScheduleCron, Cron: &domain.CronFields{
			Minute: "0", Hour: "9", DayOfMonth: "*", Month: "*", DayOfWeek: "1",
		}},
	})
	require.NoError(t, err)
	require.NotNil(t, created.Schedule.Cron)
	assert.Equal(t, domain.CronFields{Minute: "0", Hour: "9", DayOfMonth: "*", Month: "*", DayOfWeek: "1"}, *created.Schedule.Cron)
	assert.Zero(t, created.Schedule.IntervalSeconds)
}

func TestUpdateTaskDetectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	task, err := r.CreateTask(ctx, intervalTask("a", time.Now()))
	require.NoError(t, err)

	first := task
	first.Name = "first"
	updated, err := r.UpdateTask(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	second := task
	second.Name = "second"
	_, err = r.UpdateTask(ctx, second)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := r.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)

	missing := task
	missing.ID = "tsk_gone"
	_, err = r.UpdateTask(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteTask(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	task, err := r.CreateTask(ctx, intervalTask("a", time.Now()))
	require.NoError(t, err)

	assert.ErrorIs(t, r.DeleteTask(ctx, task.ID, task.Version+5), ErrConflict)
	require.NoError(t, r.DeleteTask(ctx, task.ID, task.Version))
	assert.ErrorIs(t, r.DeleteTask(ctx, task.ID, task.Version), domain.ErrNotFound)
}

func TestListTasksFilters(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	_, err := r.CreateTask(ctx, intervalTask("backup db", time.Now()))
	require.NoError(t, err)
	paused := intervalTask("rotate logs", time.Now())
	paused.Status = domain.StatusPaused
	_, err = r.CreateTask(ctx, paused)
	require.NoError(t, err)

	all, err := r.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyPaused, err := r.ListTasks(ctx, TaskFilter{Status: domain.StatusPaused})
	require.NoError(t, err)
	require.Len(t, onlyPaused, 1)
	assert.Equal(t, "rotate logs", onlyPaused[0].Name)

	search, err := r.ListTasks(ctx, TaskFilter{Search: "backup"})
	require.NoError(t, err)
	require.Len(t, search, 1)
	assert.Equal(t, "backup db", search[0].Name)

	counts, err := r.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusActive])
	assert.Equal(t, 1, counts[domain.StatusPaused])
}

func TestClaimDuePicksEarliestAndSkipsClaimed(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Now().UTC()

	late, err := r.CreateTask(ctx, intervalTask("late", now.Add(-time.Minute)))
	require.NoError(t, err)
	early, err := r.CreateTask(ctx, intervalTask("early", now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = r.CreateTask(ctx, intervalTask("future", now.Add(time.Hour)))
	require.NoError(t, err)

	first, err := r.ClaimDue(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, early.ID, first.ID)
	require.NotNil(t, first.RunningSince)

	second, err := r.ClaimDue(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, late.ID, second.ID)

	_, err = r.ClaimDue(ctx, now, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestClaimDueIgnoresInactiveTasks(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Now().UTC()

	for _, s := range []domain.Status{domain.StatusPending, domain.StatusPaused, domain.StatusCompleted, domain.StatusFailed} {
		task := intervalTask(string(s), now.Add(-time.Minute))
		task.Status = s
		_, err := r.CreateTask(ctx, task)
		require.NoError(t, err)
	}
	_, err := r.ClaimDue(ctx, now, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Now().UTC()

	task, err := r.CreateTask(ctx, intervalTask("a", now.Add(time.Hour)))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		running int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Claim(ctx, task.ID, now, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case assert.ErrorIs(t, err, domain.ErrAlreadyRunning):
				running++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
	assert.Equal(t, 7, running)
}

func TestClaimRejectsTerminalAndPending(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Now().UTC()

	for _, s := range []domain.Status{domain.StatusPending, domain.StatusCompleted, domain.StatusFailed} {
		task := intervalTask(string(s), now)
		task.Status = s
		created, err := r.CreateTask(ctx, task)
		require.NoError(t, err)
		_, err = r.Claim(ctx, created.ID, now, time.Minute)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, s)
	}
	_, err := r.Claim(ctx, "tsk_missing", now, time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecoverStaleReleasesOldClaims(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Now().UTC()

	task, err := r.CreateTask(ctx, intervalTask("a", now.Add(-time.Minute)))
	require.NoError(t, err)
	_, err = r.Claim(ctx, task.ID, now.Add(-10*time.Minute), time.Minute)
	require.NoError(t, err)

	fresh, err := r.CreateTask(ctx, intervalTask("b", now.Add(time.Hour)))
	require.NoError(t, err)
	_, err = r.Claim(ctx, fresh.ID, now, time.Minute)
	require.NoError(t, err)

	recovered, err := r.RecoverStale(ctx, now, time.Minute)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, task.ID, recovered[0].ID)
	assert.Nil(t, recovered[0].RunningSince)

	got, err := r.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.RunningSince)
}

func TestMutateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	task, err := r.CreateTask(ctx, intervalTask("counter", time.Now()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Mutate(ctx, r, task.ID, func(t *domain.Task) error {
				t.TotalExecutions++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := r.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.TotalExecutions)
}

func TestTransitionEnforcesTable(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	task, err := r.CreateTask(ctx, intervalTask("a", time.Now()))
	require.NoError(t, err)

	paused, err := Transition(ctx, r, task.ID, domain.StatusPaused, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, paused.Status)

	_, err = Transition(ctx, r, task.ID, domain.StatusPending, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestExecutionLogs(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	for i, s := range []domain.LogStatus{domain.LogRetry, domain.LogRetry, domain.LogFailed} {
		_, err := r.AppendLog(ctx, domain.ExecutionLog{
			TaskID:        "tsk_1",
			TaskName:      "a",
			Status:        s,
			ExecutedAt:    base.Add(time.Duration(i) * time.Minute),
			ExecutionTime: 1500 * time.Millisecond,
			Message:       "boom",
			ErrorDetails:  map[string]any{"error": "boom"},
			RetryCount:    i + 1,
		})
		require.NoError(t, err)
	}
	_, err := r.AppendLog(ctx, domain.ExecutionLog{TaskID: "tsk_2", TaskName: "b", Status: domain.LogSuccess, ExecutedAt: base})
	require.NoError(t, err)

	logs, err := r.ListLogs(ctx, "tsk_1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, domain.LogFailed, logs[0].Status)
	assert.Equal(t, 3, logs[0].RetryCount)
	assert.Equal(t, 1500*time.Millisecond, logs[0].ExecutionTime)
	assert.Equal(t, "boom", logs[0].ErrorDetails["error"])

	limited, err := r.ListLogs(ctx, "tsk_1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	counts, err := r.CountLogsSince(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.LogRetry])
	assert.Equal(t, 1, counts[domain.LogFailed])
	assert.Zero(t, counts[domain.LogSuccess])
}

func TestNotificationsReadAndArchive(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	taskID := "tsk_1"

	var ids []string
	for _, p := range []domain.Priority{domain.PriorityLow, domain.PriorityCritical, domain.PriorityMedium} {
		n, err := r.CreateNotification(ctx, domain.Notification{
			Category: domain.CategorySystem, Priority: p, Title: string(p), Message: "m", TaskID: &taskID,
		})
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}

	unread, err := r.CountUnread(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, unread)

	byPriority, err := r.ListNotifications(ctx, NotificationFilter{Ordering: "-priority"})
	require.NoError(t, err)
	require.Len(t, byPriority, 3)
	assert.Equal(t, domain.PriorityCritical, byPriority[0].Priority)
	assert.Equal(t, domain.PriorityLow, byPriority[2].Priority)

	changed, err := r.MarkNotificationRead(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.MarkNotificationRead(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = r.MarkNotificationRead(ctx, "ntf_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	onlyUnread, err := r.ListNotifications(ctx, NotificationFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, onlyUnread, 2)

	archived, err := r.ArchiveReadNotifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	visible, err := r.ListNotifications(ctx, NotificationFilter{})
	require.NoError(t, err)
	assert.Len(t, visible, 2)
	withArchived, err := r.ListNotifications(ctx, NotificationFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, withArchived, 3)

	marked, err := r.MarkAllNotificationsRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)
	unread, err = r.CountUnread(ctx)
	require.NoError(t, err)
	assert.Zero(t, unread)

	got, err := r.GetNotification(ctx, ids[1])
	require.NoError(t, err)
	require.NotNil(t, got.TaskID)
	assert.Equal(t, taskID, *got.TaskID)
	assert.Nil(t, got.TaskName)
}
