package store

import (
	"context"
	"errors"
	"fmt"

	"taskpulse/internal/domain"
)

const maxMutateAttempts = 16

// Mutate applies fn to the freshest copy of the task and writes it back with
// a version check, re-reading and re-applying when a concurrent writer won.
// fn may be called more than once and must not have side effects.
func Mutate(ctx context.Context, ts TaskStore, id string, fn func(*domain.Task) error) (domain.Task, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		t, err := ts.GetTask(ctx, id)
		if err != nil {
			return domain.Task{}, err
		}
		if err := fn(&t); err != nil {
			return domain.Task{}, err
		}
		updated, err := ts.UpdateTask(ctx, t)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return updated, err
	}
	return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrConflict)
}

// Transition moves a task to status `to` when the transition table allows it.
// apply, if set, adjusts other fields in the same write.
func Transition(ctx context.Context, ts TaskStore, id string, to domain.Status, apply func(*domain.Task)) (domain.Task, error) {
	return Mutate(ctx, ts, id, func(t *domain.Task) error {
		if err := domain.CheckTransition(t.Status, to); err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
		t.Status = to
		if apply != nil {
			apply(t)
		}
		return nil
	})
}
