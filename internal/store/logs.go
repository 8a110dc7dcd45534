package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"taskpulse/internal/domain"
)

const defaultLogLimit = 50

func (r *sqliteRepo) AppendLog(ctx context.Context, l domain.ExecutionLog) (domain.ExecutionLog, error) {
	if l.ID == "" {
		l.ID = "log_" + uuid.NewString()
	}
	if l.ExecutedAt.IsZero() {
		l.ExecutedAt = r.now()
	}
	var details any
	if len(l.ErrorDetails) > 0 {
		b, err := json.Marshal(l.ErrorDetails)
		if err != nil {
			return domain.ExecutionLog{}, fmt.Errorf("encode error details: %w", err)
		}
		details = string(b)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO execution_logs (id,task_id,task_name,status,executed_at,execution_time_ms,message,error_details,retry_count,manual)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.TaskID, l.TaskName, string(l.Status), millis(l.ExecutedAt), l.ExecutionTime.Milliseconds(),
		l.Message, details, l.RetryCount, boolInt(l.Manual))
	if err != nil {
		return domain.ExecutionLog{}, fmt.Errorf("insert execution log: %w", err)
	}
	return l, nil
}

// ListLogs returns a task's logs, newest first.
func (r *sqliteRepo) ListLogs(ctx context.Context, taskID string, limit int) ([]domain.ExecutionLog, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,task_name,status,executed_at,execution_time_ms,message,error_details,retry_count,manual
FROM execution_logs WHERE task_id=? ORDER BY executed_at DESC, seq DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ExecutionLog
	for rows.Next() {
		var (
			l                  domain.ExecutionLog
			executedAt, tookMS int64
			details            sql.NullString
			manual             int
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &l.TaskName, &l.Status, &executedAt, &tookMS, &l.Message, &details, &l.RetryCount, &manual); err != nil {
			return nil, err
		}
		l.ExecutedAt = fromMillis(executedAt)
		l.ExecutionTime = time.Duration(tookMS) * time.Millisecond
		l.Manual = manual == 1
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &l.ErrorDetails); err != nil {
				l.ErrorDetails = map[string]any{"raw": details.String}
			}
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (r *sqliteRepo) CountLogsSince(ctx context.Context, since time.Time) (map[domain.LogStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM execution_logs WHERE executed_at >= ? GROUP BY status`, millis(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.LogStatus]int{}
	for rows.Next() {
		var s domain.LogStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}
