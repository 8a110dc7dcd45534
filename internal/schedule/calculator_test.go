package schedule

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskpulse/internal/domain"
)

func cronTask(expr string) domain.Task {
	f, err := FieldsFromExpression(expr)
	if err != nil {
		panic(err)
	}
	return domain.Task{Schedule: domain.Schedule{Type: domain.ScheduleCron, Cron: &f}}
}

// bruteNext walks minute by minute and is the reference for the calculator.
func bruteNext(t *testing.T, expr string, after time.Time, loc *time.Location) time.Time {
	t.Helper()
	f, err := FieldsFromExpression(expr)
	require.NoError(t, err)
	spec, err := ParseCron(f, loc)
	require.NoError(t, err)

	cur := after.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := cur.AddDate(5, 0, 0)
	for ; cur.Before(limit); cur = cur.Add(time.Minute) {
		if spec.Minute&(1<<uint(cur.Minute())) == 0 || spec.Hour&(1<<uint(cur.Hour())) == 0 ||
			spec.Month&(1<<uint(cur.Month())) == 0 {
			continue
		}
		domOK := spec.Dom&(1<<uint(cur.Day())) != 0
		dowOK := spec.Dow&(1<<uint(cur.Weekday())) != 0
		var dayOK bool
		if spec.Dom&starBit != 0 || spec.Dow&starBit != 0 {
			dayOK = domOK && dowOK
		} else {
			dayOK = domOK || dowOK
		}
		if dayOK {
			return cur
		}
	}
	return time.Time{}
}

func TestCronNextIsEarliestMatch(t *testing.T) {
	t.Parallel()
	exprs := []string{
		"* * * * *",
		"*/15 * * * *",
		"0 9 * * MON",
		"30 2 1 * *",
		"0 0 13 * 5",
		"5 */6 * * *",
		"0 12 * JAN,JUL *",
		"45 23 31 * *",
		"0 8-17/3 * * 1-5",
		"0 0 29 2 *",
		"*/7 3 * * SUN",
	}
	rng := rand.New(rand.NewSource(42))
	calc := NewCalculator(time.UTC)
	base := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	for _, expr := range exprs {
		expr := expr
		t.Run(expr, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				after := base.Add(time.Duration(rng.Int63n(int64(400 * 24 * time.Hour))))
				got, err := calc.Next(cronTask(expr), after)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.True(t, got.After(after))
				assert.Equal(t, bruteNext(t, expr, after, time.UTC), *got, "after %s", after)
			}
		})
	}
}

func TestCronNextMondayNine(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		loc = time.FixedZone("CET", 3600)
	}
	calc := NewCalculator(loc)

	// Wednesday
	created := time.Date(2026, 10, 14, 10, 0, 0, 0, loc)
	got, err := calc.Next(cronTask("0 9 * * MON"), created)
	require.NoError(t, err)
	require.NotNil(t, got)
	want := time.Date(2026, 10, 19, 9, 0, 0, 0, loc)
	assert.True(t, want.Equal(*got), "got %s want %s", got, want)
	assert.Equal(t, time.Monday, got.In(loc).Weekday())

	// Exactly at the fire time: strictly after means next week.
	got, err = calc.Next(cronTask("0 9 * * MON"), want)
	require.NoError(t, err)
	assert.True(t, want.AddDate(0, 0, 7).Equal(*got))
}

func TestCronDayFieldsAreOrWhenBothRestricted(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(time.UTC)
	// 2026-06-01 is a Monday; the 15th is a Monday too, so use Friday (5).
	after := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	got, err := calc.Next(cronTask("0 0 15 * 5"), after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 5, 0, 0, 0, 0, time.UTC), *got, "first Friday wins over the 15th")

	got, err = calc.Next(cronTask("0 0 15 * *"), after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC), *got)
}

func TestCronUnreachable(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(time.UTC)
	_, err := calc.Next(cronTask("0 0 30 2 *"), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, domain.ErrUnreachableSchedule)
}

func TestParseCronRejectsMalformed(t *testing.T) {
	t.Parallel()
	bad := []string{
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"5/10 * * * *",
		"a * * * *",
		"* * * * FUNDAY",
		"10-5 * * * *",
		"1,,2 * * * *",
		"* * * *",
	}
	for _, expr := range bad {
		err := ValidateCronExpression(expr)
		assert.ErrorIs(t, err, domain.ErrValidation, expr)
	}
	assert.NoError(t, ValidateCronExpression("0 9 * * mon"))
	assert.NoError(t, ValidateCronExpression("*/5 1-3 1,15 feb-apr *"))
}

func TestIntervalNext(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(time.UTC)
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	task := domain.Task{
		CreatedAt: created,
		Schedule:  domain.Schedule{Type: domain.ScheduleInterval, IntervalSeconds: 300},
	}

	first, err := calc.Next(task, created)
	require.NoError(t, err)
	assert.Equal(t, created.Add(5*time.Minute), *first, "first run fires one interval after creation")

	// Successive on-time executions are spaced by exactly the interval.
	prev := *first
	for i := 0; i < 4; i++ {
		ran := prev
		task.LastExecutionAt = &ran
		next, err := calc.Next(task, ran.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 5*time.Minute, next.Sub(prev))
		prev = *next
	}

	// Long gap: align to the next boundary counted from creation.
	task.LastExecutionAt = nil
	after := created.Add(17 * time.Minute)
	next, err := calc.Next(task, after)
	require.NoError(t, err)
	assert.Equal(t, created.Add(20*time.Minute), *next)
}

func TestOneTimeNext(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(time.UTC)
	at := time.Date(2026, 7, 4, 12, 0, 0, 0, time.UTC)
	task := domain.Task{Schedule: domain.Schedule{Type: domain.ScheduleOneTime, ScheduledTime: &at}}

	got, err := calc.Next(task, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, at, *got)

	got, err = calc.Next(task, at)
	require.NoError(t, err)
	assert.Nil(t, got)

	task.ExecutedOnce = true
	got, err = calc.Next(task, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	_, err := Validate(domain.Schedule{Type: domain.ScheduleOneTime, ScheduledTime: &past}, now)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = Validate(domain.Schedule{Type: domain.ScheduleOneTime}, now)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = Validate(domain.Schedule{Type: domain.ScheduleInterval, IntervalSeconds: 59}, now)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = Validate(domain.Schedule{Type: "WEEKLY"}, now)
	assert.ErrorIs(t, err, domain.ErrValidation)

	s, err := Validate(domain.Schedule{Type: domain.ScheduleOneTime, ScheduledTime: &future, IntervalSeconds: 120}, now)
	require.NoError(t, err)
	assert.Zero(t, s.IntervalSeconds, "foreign fields are cleared")
	assert.Nil(t, s.Cron)

	s, err = Validate(domain.Schedule{Type: domain.ScheduleCron, Cron: &domain.CronFields{Minute: "0", Hour: "9"}}, now)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", Expression(*s.Cron))
}
