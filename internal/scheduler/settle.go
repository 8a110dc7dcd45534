package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"taskpulse/internal/domain"
	"taskpulse/internal/store"
	"taskpulse/internal/worker"
)

// outcome is what settle decided, captured from the final Mutate attempt.
type outcome struct {
	status      domain.LogStatus
	attempt     int
	completed   bool
	unreachable error
	paused      bool
}

// settle records the result of one execution: task state, execution log and
// notifications, in that order. Only the task update can fail the settle.
func (s *Service) settle(ctx context.Context, claimed domain.Task, started time.Time, took time.Duration, runErr error, manual bool) {
	var out outcome
	task, err := store.Mutate(ctx, s.repo, claimed.ID, func(t *domain.Task) error {
		out = s.apply(t, claimed.RunningSince, started, runErr)
		return nil
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// Deleted mid-run; the attempt is still logged.
		task = claimed
		out = outcome{status: domain.LogSuccess, attempt: claimed.RetryCount}
		if runErr != nil {
			out = outcome{status: domain.LogFailed, attempt: claimed.RetryCount + 1}
		}
	case err != nil:
		// The claim stays until it goes stale and is recovered.
		log.Error().Err(err).Str("task_id", claimed.ID).Msg("failed to record execution outcome")
		s.notifier.Notify(ctx, domain.CategorySystem, domain.PriorityHigh,
			"Execution outcome not recorded",
			fmt.Sprintf("Task %q ran but its new state could not be saved: %v", claimed.Name, err),
			&claimed)
		return
	}

	s.metrics.ObserveExecution(out.status, manual, took)
	s.appendLog(ctx, task, out, started, took, runErr, manual)

	ev := log.Info()
	if runErr != nil {
		ev = log.Warn().Err(runErr)
	}
	ev.Str("task_id", task.ID).
		Str("task_name", task.Name).
		Str("status", string(out.status)).
		Int("attempt", out.attempt).
		Dur("took", took).
		Bool("manual", manual).
		Msg("execution settled")

	s.notifyOutcome(ctx, task, out, took, runErr)
}

// apply mutates t for the execution result. It is re-run on every Mutate attempt
// so it only reads t and its arguments. A claim newer than ours is left in place.
func (s *Service) apply(t *domain.Task, claim *time.Time, started time.Time, runErr error) outcome {
	finished := s.now()
	var out outcome

	if t.RunningSince == nil || claim == nil || t.RunningSince.UnixMilli() == claim.UnixMilli() {
		t.RunningSince = nil
	}
	t.TotalExecutions++
	at := started
	t.LastExecutionAt = &at

	if runErr == nil {
		out.status = domain.LogSuccess
		out.attempt = t.RetryCount
		t.RetryCount = 0
		if t.Schedule.Type == domain.ScheduleOneTime {
			t.ExecutedOnce = true
		}
		next, err := s.calc.Next(*t, finished)
		if err != nil {
			out.unreachable = err
			next = nil
		}
		t.NextRunAt = next
		if t.Schedule.Type == domain.ScheduleOneTime && domain.CanTransition(t.Status, domain.StatusCompleted) {
			t.Status = domain.StatusCompleted
			out.completed = true
		}
	} else {
		t.RetryCount++
		out.attempt = t.RetryCount
		if t.RetryCount <= t.MaxRetries {
			out.status = domain.LogRetry
			next := finished.Add(t.RetryDelay())
			t.NextRunAt = &next
		} else {
			out.status = domain.LogFailed
			t.NextRunAt = nil
			if domain.CanTransition(t.Status, domain.StatusFailed) {
				t.Status = domain.StatusFailed
			}
		}
	}

	if t.PauseRequested {
		t.PauseRequested = false
		if domain.CanTransition(t.Status, domain.StatusPaused) {
			t.Status = domain.StatusPaused
			out.paused = true
		}
	}
	if t.Status != domain.StatusActive {
		t.NextRunAt = nil
	}
	return out
}

func (s *Service) appendLog(ctx context.Context, t domain.Task, out outcome, started time.Time, took time.Duration, runErr error, manual bool) {
	entry := domain.ExecutionLog{
		TaskID:        t.ID,
		TaskName:      t.Name,
		Status:        out.status,
		ExecutedAt:    started,
		ExecutionTime: took,
		RetryCount:    out.attempt,
		Manual:        manual,
	}
	switch out.status {
	case domain.LogSuccess:
		entry.Message = "Task executed successfully"
	case domain.LogRetry:
		entry.Message = fmt.Sprintf("Attempt %d of %d failed, retry scheduled: %v", out.attempt, t.MaxRetries+1, runErr)
		entry.ErrorDetails = worker.ErrorDetails(runErr)
	case domain.LogFailed:
		entry.Message = fmt.Sprintf("Task failed after %d attempts: %v", out.attempt, runErr)
		entry.ErrorDetails = worker.ErrorDetails(runErr)
	}
	if _, err := s.repo.AppendLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to write execution log")
		s.notifier.Notify(ctx, domain.CategorySystem, domain.PriorityHigh,
			"Execution log not written",
			fmt.Sprintf("The %s result of task %q could not be logged: %v", out.status, t.Name, err),
			&t)
	}
}

func (s *Service) notifyOutcome(ctx context.Context, t domain.Task, out outcome, took time.Duration, runErr error) {
	switch out.status {
	case domain.LogSuccess:
		s.notifier.Notify(ctx, domain.CategoryTaskExecuted, domain.PriorityMedium,
			"Task executed",
			fmt.Sprintf("Task %q completed successfully in %s.", t.Name, took.Round(time.Millisecond)),
			&t)
		if out.completed {
			s.notifier.Notify(ctx, domain.CategoryTaskCompleted, domain.PriorityLow,
				"Task completed",
				fmt.Sprintf("One-time task %q has finished and will not run again.", t.Name),
				&t)
		}
	case domain.LogRetry:
		when := "when resumed"
		if t.NextRunAt != nil {
			when = "at " + t.NextRunAt.Format(time.RFC3339)
		}
		s.notifier.Notify(ctx, domain.CategoryReminder, domain.PriorityMedium,
			"Retry scheduled",
			fmt.Sprintf("Task %q failed (attempt %d of %d): %v. Retrying %s.", t.Name, out.attempt, t.MaxRetries+1, runErr, when),
			&t)
	case domain.LogFailed:
		p := domain.PriorityHigh
		if t.MaxRetries >= 3 {
			p = domain.PriorityCritical
		}
		s.notifier.Notify(ctx, domain.CategoryTaskFailed, p,
			"Task failed",
			fmt.Sprintf("Task %q failed after %d attempts: %v", t.Name, out.attempt, runErr),
			&t)
	}
	if out.unreachable != nil {
		log.Warn().Err(out.unreachable).Str("task_id", t.ID).Msg("no next run time")
		s.notifier.Notify(ctx, domain.CategorySystem, domain.PriorityHigh,
			"Schedule cannot be satisfied",
			fmt.Sprintf("Task %q has no upcoming run time (%v) and stays active without a next run.", t.Name, out.unreachable),
			&t)
	}
}
