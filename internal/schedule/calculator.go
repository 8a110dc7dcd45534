// Package schedule computes next execution instants for the three schedule kinds.
package schedule

import (
	"fmt"
	"time"

	"taskpulse/internal/domain"
)

const MinIntervalSeconds = 60

// Calculator evaluates schedules in a fixed time zone.
type Calculator struct {
	loc *time.Location
}

func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{loc: loc}
}

// Next returns the earliest execution instant strictly after `after`,
// or nil when the schedule is exhausted.
func (c *Calculator) Next(t domain.Task, after time.Time) (*time.Time, error) {
	switch t.Schedule.Type {
	case domain.ScheduleOneTime:
		at := t.Schedule.ScheduledTime
		if t.ExecutedOnce || at == nil || !at.After(after) {
			return nil, nil
		}
		next := *at
		return &next, nil

	case domain.ScheduleInterval:
		every := t.Schedule.Interval()
		if every <= 0 {
			return nil, domain.Invalid("interval_seconds", "must be positive")
		}
		if t.LastExecutionAt != nil {
			if next := t.LastExecutionAt.Add(every); next.After(after) {
				return &next, nil
			}
		}
		next := t.CreatedAt.Add(every)
		if !next.After(after) {
			k := after.Sub(t.CreatedAt)/every + 1
			next = t.CreatedAt.Add(k * every)
		}
		return &next, nil

	case domain.ScheduleCron:
		if t.Schedule.Cron == nil {
			return nil, domain.Invalid("cron", "fields required")
		}
		spec, err := ParseCron(*t.Schedule.Cron, c.loc)
		if err != nil {
			return nil, err
		}
		next := spec.Next(after)
		if next.IsZero() {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnreachableSchedule, Expression(*t.Schedule.Cron))
		}
		return &next, nil
	}
	return nil, domain.Invalid("schedule_type", "unknown schedule type %q", t.Schedule.Type)
}

// Validate checks a schedule at create/edit time and returns it normalized:
// fields that do not belong to the schedule type are cleared.
func Validate(s domain.Schedule, now time.Time) (domain.Schedule, error) {
	switch s.Type {
	case domain.ScheduleOneTime:
		if s.ScheduledTime == nil || s.ScheduledTime.IsZero() {
			return s, domain.Invalid("scheduled_time", "a date and time is required for a one-time task")
		}
		if !s.ScheduledTime.After(now) {
			return s, domain.Invalid("scheduled_time", "scheduled time must be in the future")
		}
		at := *s.ScheduledTime
		return domain.Schedule{Type: s.Type, ScheduledTime: &at}, nil

	case domain.ScheduleCron:
		var f domain.CronFields
		if s.Cron != nil {
			f = *s.Cron
		}
		f = Normalize(f)
		if _, err := ParseCron(f, time.UTC); err != nil {
			return s, err
		}
		return domain.Schedule{Type: s.Type, Cron: &f}, nil

	case domain.ScheduleInterval:
		if s.IntervalSeconds < MinIntervalSeconds {
			return s, domain.Invalid("interval_seconds", "interval must be at least %d seconds", MinIntervalSeconds)
		}
		return domain.Schedule{Type: s.Type, IntervalSeconds: s.IntervalSeconds}, nil
	}
	return s, domain.Invalid("schedule_type", "must be one of ONE_TIME, CRON, INTERVAL")
}

// Expression renders cron fields as a single five-field string.
func Expression(f domain.CronFields) string {
	f = Normalize(f)
	return fmt.Sprintf("%s %s %s %s %s", f.Minute, f.Hour, f.DayOfMonth, f.Month, f.DayOfWeek)
}
