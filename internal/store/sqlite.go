package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"taskpulse/internal/domain"
)

const taskColumns = `id,name,description,handler,payload,schedule_type,scheduled_time,
cron_minute,cron_hour,cron_day_of_month,cron_month,cron_day_of_week,interval_seconds,
max_retries,retry_delay_seconds,timeout_seconds,status,total_executions,retry_count,executed_once,
last_execution_at,next_run_at,running_since,pause_requested,version,created_by,created_at,updated_at`

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.Task, error) {
	var (
		t                                     domain.Task
		payload, createdBy                    sql.NullString
		cMin, cHour, cDom, cMonth, cDow       sql.NullString
		interval                              sql.NullInt64
		scheduled, lastExec, nextRun, running sql.NullInt64
		executedOnce, pauseRequested          int
		createdAt, updatedAt                  int64
	)
	err := s.Scan(&t.ID, &t.Name, &t.Description, &t.Handler, &payload, &t.Schedule.Type, &scheduled,
		&cMin, &cHour, &cDom, &cMonth, &cDow, &interval,
		&t.MaxRetries, &t.RetryDelaySeconds, &t.TimeoutSeconds, &t.Status, &t.TotalExecutions, &t.RetryCount, &executedOnce,
		&lastExec, &nextRun, &running, &pauseRequested, &t.Version, &createdBy, &createdAt, &updatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	switch t.Schedule.Type {
	case domain.ScheduleOneTime:
		t.Schedule.ScheduledTime = fromNullMillis(scheduled)
	case domain.ScheduleCron:
		t.Schedule.Cron = &domain.CronFields{
			Minute: cMin.String, Hour: cHour.String, DayOfMonth: cDom.String,
			Month: cMonth.String, DayOfWeek: cDow.String,
		}
	case domain.ScheduleInterval:
		t.Schedule.IntervalSeconds = int(interval.Int64)
	}
	t.ExecutedOnce = executedOnce == 1
	t.PauseRequested = pauseRequested == 1
	t.LastExecutionAt = fromNullMillis(lastExec)
	t.NextRunAt = fromNullMillis(nextRun)
	t.RunningSince = fromNullMillis(running)
	t.CreatedBy = createdBy.String
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

// scheduleArgs flattens the schedule variant into its columns.
func scheduleArgs(s domain.Schedule) []any {
	var cron domain.CronFields
	var hasCron bool
	if s.Cron != nil {
		cron, hasCron = *s.Cron, true
	}
	col := func(v string) any {
		if !hasCron {
			return nil
		}
		return v
	}
	var interval any
	if s.Type == domain.ScheduleInterval {
		interval = s.IntervalSeconds
	}
	return []any{
		nullMillis(s.ScheduledTime),
		col(cron.Minute), col(cron.Hour), col(cron.DayOfMonth), col(cron.Month), col(cron.DayOfWeek),
		interval,
	}
}

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	now := r.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Version = 1

	args := []any{t.ID, t.Name, t.Description, t.Handler, nullStr(string(t.Payload)), string(t.Schedule.Type)}
	args = append(args, scheduleArgs(t.Schedule)...)
	args = append(args,
		t.MaxRetries, t.RetryDelaySeconds, t.TimeoutSeconds, string(t.Status), t.TotalExecutions, t.RetryCount, boolInt(t.ExecutedOnce),
		nullMillis(t.LastExecutionAt), nullMillis(t.NextRunAt), nullMillis(t.RunningSince), boolInt(t.PauseRequested),
		t.Version, nullStr(t.CreatedBy), millis(t.CreatedAt), millis(t.UpdatedAt),
	)
	_, err := r.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return r.GetTask(ctx, t.ID)
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t, err
}

func (r *sqliteRepo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.ScheduleType != "" {
		where = append(where, "schedule_type=?")
		args = append(args, string(f.ScheduleType))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		where = append(where, "(name LIKE ? OR description LIKE ?)")
		like := "%" + s + "%"
		args = append(args, like, like)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) CountTasksByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.Status]int{}
	for rows.Next() {
		var s domain.Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (r *sqliteRepo) UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	t.UpdatedAt = r.now()
	args := []any{t.Name, t.Description, t.Handler, nullStr(string(t.Payload)), string(t.Schedule.Type)}
	args = append(args, scheduleArgs(t.Schedule)...)
	args = append(args,
		t.MaxRetries, t.RetryDelaySeconds, t.TimeoutSeconds, string(t.Status), t.TotalExecutions, t.RetryCount, boolInt(t.ExecutedOnce),
		nullMillis(t.LastExecutionAt), nullMillis(t.NextRunAt), nullMillis(t.RunningSince), boolInt(t.PauseRequested),
		millis(t.UpdatedAt), t.ID, t.Version,
	)
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET name=?,description=?,handler=?,payload=?,schedule_type=?,scheduled_time=?,
  cron_minute=?,cron_hour=?,cron_day_of_month=?,cron_month=?,cron_day_of_week=?,interval_seconds=?,
  max_retries=?,retry_delay_seconds=?,timeout_seconds=?,status=?,total_executions=?,retry_count=?,executed_once=?,
  last_execution_at=?,next_run_at=?,running_since=?,pause_requested=?,
  version=version+1,updated_at=?
WHERE id=? AND version=?`, args...)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := r.checkAffected(ctx, res, t.ID, ErrConflict); err != nil {
		return domain.Task{}, err
	}
	t.Version++
	return t, nil
}

func (r *sqliteRepo) DeleteTask(ctx context.Context, id string, version int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=? AND version=?`, id, version)
	if err != nil {
		return err
	}
	return r.checkAffected(ctx, res, id, ErrConflict)
}

// checkAffected turns a zero-row write into ErrNotFound or onMiss.
func (r *sqliteRepo) checkAffected(ctx context.Context, res sql.Result, id string, onMiss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s: %w", id, onMiss)
}

func (r *sqliteRepo) Claim(ctx context.Context, id string, now time.Time, claimTimeout time.Duration) (domain.Task, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET running_since=?, version=version+1, updated_at=?
WHERE id=? AND status IN ('ACTIVE','PAUSED') AND (running_since IS NULL OR running_since <= ?)`,
		millis(now), millis(r.now()), id, staleCutoff(now, claimTimeout))
	if err != nil {
		return domain.Task{}, fmt.Errorf("claim task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.Task{}, err
	} else if n == 0 {
		t, err := r.GetTask(ctx, id)
		if err != nil {
			return domain.Task{}, err
		}
		if t.Status.Terminal() || t.Status == domain.StatusPending {
			return domain.Task{}, fmt.Errorf("task %s is %s: %w", id, t.Status, domain.ErrInvalidTransition)
		}
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrAlreadyRunning)
	}
	return r.GetTask(ctx, id)
}

func (r *sqliteRepo) ClaimDue(ctx context.Context, now time.Time, claimTimeout time.Duration) (domain.Task, error) {
	cutoff := staleCutoff(now, claimTimeout)
	for attempt := 0; attempt < 3; attempt++ {
		var id string
		var version int64
		err := r.db.QueryRowContext(ctx, `
SELECT id, version FROM tasks
WHERE status='ACTIVE' AND next_run_at IS NOT NULL AND next_run_at <= ?
  AND (running_since IS NULL OR running_since <= ?)
ORDER BY next_run_at ASC, created_at ASC
LIMIT 1`, millis(now), cutoff).Scan(&id, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, ErrEmpty
		}
		if err != nil {
			return domain.Task{}, err
		}

		res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET running_since=?, version=version+1, updated_at=?
WHERE id=? AND version=?`, millis(now), millis(r.now()), id, version)
		if err != nil {
			return domain.Task{}, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return r.GetTask(ctx, id)
		}
	}
	return domain.Task{}, ErrEmpty
}

func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time, claimTimeout time.Duration) ([]domain.Task, error) {
	if claimTimeout <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE running_since IS NOT NULL AND running_since <= ?`,
		staleCutoff(now, claimTimeout))
	if err != nil {
		return nil, err
	}
	var stale []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var recovered []domain.Task
	for _, t := range stale {
		t.RunningSince = nil
		updated, err := r.UpdateTask(ctx, t)
		if errors.Is(err, ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered = append(recovered, updated)
	}
	return recovered, nil
}
