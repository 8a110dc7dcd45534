// Package service is the command and query surface over the task store,
// dispatcher and notification emitter. Every input is validated here.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"taskpulse/internal/domain"
	"taskpulse/internal/notify"
	"taskpulse/internal/schedule"
	"taskpulse/internal/store"
	"taskpulse/internal/worker"
)

const (
	maxNameLength     = 255
	maxRetriesLimit   = 10
	minRetryDelay     = 10
	defaultMaxRetries = 3
	defaultRetryDelay = 60
	maxLogLimit       = 500
	deleteAttempts    = 5
)

// Dispatcher runs tasks on demand.
type Dispatcher interface {
	ExecuteNow(ctx context.Context, id string) error
	ClaimTimeout() time.Duration
}

type Service struct {
	repo       store.Repository
	calc       *schedule.Calculator
	handlers   *worker.Registry
	notifier   *notify.Emitter
	dispatcher Dispatcher
	now        func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(repo store.Repository, calc *schedule.Calculator, handlers *worker.Registry, notifier *notify.Emitter, dispatcher Dispatcher, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		calc:       calc,
		handlers:   handlers,
		notifier:   notifier,
		dispatcher: dispatcher,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type TaskInput struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Handler           string          `json:"handler"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Schedule          domain.Schedule `json:"schedule"`
	MaxRetries        *int            `json:"max_retries,omitempty"`
	RetryDelaySeconds *int            `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds    *int            `json:"timeout_seconds,omitempty"`
	CreatedBy         string          `json:"created_by,omitempty"`
}

// TaskPatch carries the fields to change; nil fields are left alone.
type TaskPatch struct {
	Name              *string          `json:"name,omitempty"`
	Description       *string          `json:"description,omitempty"`
	Handler           *string          `json:"handler,omitempty"`
	Payload           *json.RawMessage `json:"payload,omitempty"`
	Schedule          *domain.Schedule `json:"schedule,omitempty"`
	MaxRetries        *int             `json:"max_retries,omitempty"`
	RetryDelaySeconds *int             `json:"retry_delay_seconds,omitempty"`
	TimeoutSeconds    *int             `json:"timeout_seconds,omitempty"`
}

func (s *Service) CreateTask(ctx context.Context, in TaskInput) (domain.Task, error) {
	now := s.now()
	t := domain.Task{
		Name:              strings.TrimSpace(in.Name),
		Description:       in.Description,
		Handler:           in.Handler,
		Payload:           in.Payload,
		MaxRetries:        defaultMaxRetries,
		RetryDelaySeconds: defaultRetryDelay,
		Status:            domain.StatusPending,
		CreatedBy:         in.CreatedBy,
		CreatedAt:         now,
	}
	if in.MaxRetries != nil {
		t.MaxRetries = *in.MaxRetries
	}
	if in.RetryDelaySeconds != nil {
		t.RetryDelaySeconds = *in.RetryDelaySeconds
	}
	if in.TimeoutSeconds != nil {
		t.TimeoutSeconds = *in.TimeoutSeconds
	}
	if err := s.validateTask(t); err != nil {
		return domain.Task{}, err
	}
	sched, err := schedule.Validate(in.Schedule, now)
	if err != nil {
		return domain.Task{}, err
	}
	t.Schedule = sched

	created, err := s.repo.CreateTask(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}

	var unreachable error
	task, err := store.Transition(ctx, s.repo, created.ID, domain.StatusActive, func(t *domain.Task) {
		next, err := s.calc.Next(*t, now)
		unreachable = err
		t.NextRunAt = next
	})
	if err != nil {
		return domain.Task{}, err
	}

	log.Info().Str("task_id", task.ID).Str("task_name", task.Name).Str("schedule_type", string(task.Schedule.Type)).Msg("task created")
	s.notifier.Notify(ctx, domain.CategorySystem, domain.PriorityLow, "Task created",
		fmt.Sprintf("Task %q was created with a %s schedule.", task.Name, strings.ToLower(string(task.Schedule.Type))), &task)
	s.warnUnreachable(ctx, task, unreachable)
	return task, nil
}

func (s *Service) UpdateTask(ctx context.Context, id string, p TaskPatch) (domain.Task, error) {
	now := s.now()
	var newSchedule *domain.Schedule
	if p.Schedule != nil {
		sched, err := schedule.Validate(*p.Schedule, now)
		if err != nil {
			return domain.Task{}, err
		}
		newSchedule = &sched
	}

	var unreachable error
	task, err := store.Mutate(ctx, s.repo, id, func(t *domain.Task) error {
		unreachable = nil
		if !t.CanBeModified() {
			return fmt.Errorf("task %s is %s: %w", id, t.Status, domain.ErrNotModifiable)
		}
		if p.Name != nil {
			t.Name = strings.TrimSpace(*p.Name)
		}
		if p.Description != nil {
			t.Description = *p.Description
		}
		if p.Handler != nil {
			t.Handler = *p.Handler
		}
		if p.Payload != nil {
			t.Payload = *p.Payload
		}
		if p.MaxRetries != nil {
			t.MaxRetries = *p.MaxRetries
		}
		if p.RetryDelaySeconds != nil {
			t.RetryDelaySeconds = *p.RetryDelaySeconds
		}
		if p.TimeoutSeconds != nil {
			t.TimeoutSeconds = *p.TimeoutSeconds
		}
		if err := s.validateTask(*t); err != nil {
			return err
		}
		if newSchedule != nil && !newSchedule.Equal(t.Schedule) {
			if !t.CanModifySchedule() {
				return fmt.Errorf("task %s has already run, its schedule is fixed: %w", id, domain.ErrNotModifiable)
			}
			t.Schedule = *newSchedule
			if t.Status == domain.StatusActive {
				next, err := s.calc.Next(*t, now)
				unreachable = err
				t.NextRunAt = next
			}
		}
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	log.Info().Str("task_id", task.ID).Str("task_name", task.Name).Msg("task updated")
	s.warnUnreachable(ctx, task, unreachable)
	return task, nil
}

func (s *Service) DeleteTask(ctx context.Context, id string) error {
	for attempt := 0; attempt < deleteAttempts; attempt++ {
		t, err := s.repo.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if !t.CanBeDeleted(s.now(), s.dispatcher.ClaimTimeout()) {
			return fmt.Errorf("task %s is executing: %w", id, domain.ErrNotDeletable)
		}
		err = s.repo.DeleteTask(ctx, id, t.Version)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		log.Info().Str("task_id", id).Str("task_name", t.Name).Msg("task deleted")
		s.notifier.Notify(ctx, domain.CategorySystem, domain.PriorityLow, "Task deleted",
			fmt.Sprintf("Task %q was deleted.", t.Name), &t)
		return nil
	}
	return fmt.Errorf("task %s: %w", id, store.ErrConflict)
}

// PauseTask stops future dispatch. A running execution finishes first and the
// pause is applied when its outcome is recorded.
func (s *Service) PauseTask(ctx context.Context, id string) (domain.Task, error) {
	now := s.now()
	var deferred bool
	task, err := store.Mutate(ctx, s.repo, id, func(t *domain.Task) error {
		deferred = false
		if err := domain.CheckTransition(t.Status, domain.StatusPaused); err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
		if t.Running(now, s.dispatcher.ClaimTimeout()) {
			t.PauseRequested = true
			deferred = true
			return nil
		}
		t.Status = domain.StatusPaused
		t.NextRunAt = nil
		t.PauseRequested = false
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}

	msg := fmt.Sprintf("Task %q was paused.", task.Name)
	if deferred {
		msg = fmt.Sprintf("Task %q will pause once its current execution finishes.", task.Name)
	}
	log.Info().Str("task_id", id).Bool("deferred", deferred).Msg("task paused")
	s.notifier.Notify(ctx, domain.CategorySystem, domain.PriorityLow, "Task paused", msg, &task)
	return task, nil
}

// ResumeTask reactivates a paused task. The next run is computed from now;
// missed runs are not replayed, except that an overdue one-time task fires on
// the next tick.
func (s *Service) ResumeTask(ctx context.Context, id string) (domain.Task, error) {
	now := s.now()
	var (
		overdue     bool
		cancelled   bool
		unreachable error
	)
	task, err := store.Mutate(ctx, s.repo, id, func(t *domain.Task) error {
		overdue, cancelled, unreachable = false, false, nil
		if t.Status == domain.StatusActive && t.PauseRequested {
			t.PauseRequested = false
			cancelled = true
			return nil
		}
		if err := domain.CheckTransition(t.Status, domain.StatusActive); err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
		t.Status = domain.StatusActive
		next, err := s.calc.Next(*t, now)
		unreachable = err
		if next == nil && err == nil && t.Schedule.Type == domain.ScheduleOneTime && !t.ExecutedOnce {
			at := now
			next = &at
			overdue = true
		}
		t.NextRunAt = next
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}

	log.Info().Str("task_id", id).Bool("overdue", overdue).Msg("task resumed")
	s.notifier.Notify(ctx, domain.CategorySystem, domain.PriorityLow, "Task resumed",
		fmt.Sprintf("Task %q is active again.", task.Name), &task)
	if overdue {
		s.notifier.Notify(ctx, domain.CategoryRecovery, domain.PriorityMedium, "Overdue task scheduled",
			fmt.Sprintf("One-time task %q missed its scheduled time while paused and will run now.", task.Name), &task)
	}
	if !cancelled {
		s.warnUnreachable(ctx, task, unreachable)
	}
	return task, nil
}

func (s *Service) ExecuteNow(ctx context.Context, id string) error {
	return s.dispatcher.ExecuteNow(ctx, id)
}

func (s *Service) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, domain.Invalid("status", "unknown status %q", f.Status)
	}
	if f.ScheduleType != "" && !f.ScheduleType.Valid() {
		return nil, domain.Invalid("schedule_type", "unknown schedule type %q", f.ScheduleType)
	}
	return s.repo.ListTasks(ctx, f)
}

// GetTaskLogs returns the newest logs first. Logs outlive their task.
func (s *Service) GetTaskLogs(ctx context.Context, id string, limit int) ([]domain.ExecutionLog, error) {
	if limit < 0 || limit > maxLogLimit {
		return nil, domain.Invalid("limit", "must be between 0 and %d", maxLogLimit)
	}
	return s.repo.ListLogs(ctx, id, limit)
}

func (s *Service) ListNotifications(ctx context.Context, f store.NotificationFilter) ([]domain.Notification, error) {
	return s.notifier.List(ctx, f)
}

func (s *Service) UnreadCount() int { return s.notifier.UnreadCount() }

func (s *Service) MarkRead(ctx context.Context, id string) error { return s.notifier.MarkRead(ctx, id) }

func (s *Service) MarkAllRead(ctx context.Context) (int, error) { return s.notifier.MarkAllRead(ctx) }

func (s *Service) ArchiveAllRead(ctx context.Context) (int, error) {
	return s.notifier.ArchiveAllRead(ctx)
}

func (s *Service) validateTask(t domain.Task) error {
	if t.Name == "" {
		return domain.Invalid("name", "required")
	}
	if len(t.Name) > maxNameLength {
		return domain.Invalid("name", "must be at most %d characters", maxNameLength)
	}
	if t.Handler == "" {
		return domain.Invalid("handler", "required")
	}
	if _, ok := s.handlers.Get(t.Handler); !ok {
		return domain.Invalid("handler", "unknown handler %q, available: %s", t.Handler, strings.Join(s.handlers.Names(), ", "))
	}
	if len(t.Payload) > 0 && !json.Valid(t.Payload) {
		return domain.Invalid("payload", "must be valid JSON")
	}
	if t.MaxRetries < 0 || t.MaxRetries > maxRetriesLimit {
		return domain.Invalid("max_retries", "must be between 0 and %d", maxRetriesLimit)
	}
	if t.RetryDelaySeconds < minRetryDelay {
		return domain.Invalid("retry_delay_seconds", "must be at least %d", minRetryDelay)
	}
	if t.TimeoutSeconds < 0 {
		return domain.Invalid("timeout_seconds", "must not be negative")
	}
	return nil
}

func (s *Service) warnUnreachable(ctx context.Context, t domain.Task, err error) {
	if err == nil {
		return
	}
	log.Warn().Err(err).Str("task_id", t.ID).Msg("no next run time")
	s.notifier.Notify(ctx, domain.CategorySystem, domain.PriorityHigh, "Schedule cannot be satisfied",
		fmt.Sprintf("Task %q has no upcoming run time (%v) and stays active without a next run.", t.Name, err), &t)
}
