package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"taskpulse/internal/domain"
)

const notificationColumns = `id,category,priority,title,message,task_id,task_name,is_read,is_archived,created_at`

var notificationOrderings = map[string]string{
	"":            "created_at DESC, seq DESC",
	"-created_at": "created_at DESC, seq DESC",
	"created_at":  "created_at ASC, seq ASC",
	"-priority": `CASE priority WHEN 'CRITICAL' THEN 4 WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 ELSE 1 END DESC,
  created_at DESC, seq DESC`,
}

// ValidOrdering reports whether ListNotifications understands the ordering key.
func ValidOrdering(o string) bool {
	_, ok := notificationOrderings[o]
	return ok
}

func scanNotification(s scanner) (domain.Notification, error) {
	var (
		n                domain.Notification
		taskID, taskName sql.NullString
		read, archived   int
		createdAt        int64
	)
	if err := s.Scan(&n.ID, &n.Category, &n.Priority, &n.Title, &n.Message, &taskID, &taskName, &read, &archived, &createdAt); err != nil {
		return domain.Notification{}, err
	}
	if taskID.Valid {
		n.TaskID = &taskID.String
	}
	if taskName.Valid {
		n.TaskName = &taskName.String
	}
	n.IsRead = read == 1
	n.IsArchived = archived == 1
	n.CreatedAt = fromMillis(createdAt)
	return n, nil
}

func (r *sqliteRepo) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.ID == "" {
		n.ID = "ntf_" + uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.now()
	}
	var taskID, taskName any
	if n.TaskID != nil {
		taskID = *n.TaskID
	}
	if n.TaskName != nil {
		taskName = *n.TaskName
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO notifications (`+notificationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		n.ID, string(n.Category), string(n.Priority), n.Title, n.Message, taskID, taskName,
		boolInt(n.IsRead), boolInt(n.IsArchived), millis(n.CreatedAt))
	if err != nil {
		return domain.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

func (r *sqliteRepo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	n, err := scanNotification(r.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Notification{}, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	return n, err
}

func (r *sqliteRepo) ListNotifications(ctx context.Context, f NotificationFilter) ([]domain.Notification, error) {
	var (
		where []string
		args  []any
	)
	if f.UnreadOnly {
		where = append(where, "is_read=0")
	}
	if !f.IncludeArchived {
		where = append(where, "is_archived=0")
	}
	if f.Category != "" {
		where = append(where, "category=?")
		args = append(args, string(f.Category))
	}
	if f.Priority != "" {
		where = append(where, "priority=?")
		args = append(args, string(f.Priority))
	}
	if f.TaskID != "" {
		where = append(where, "task_id=?")
		args = append(args, f.TaskID)
	}
	order, ok := notificationOrderings[f.Ordering]
	if !ok {
		order = notificationOrderings[""]
	}
	q := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + order
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead reports whether the notification was unread before the call.
func (r *sqliteRepo) MarkNotificationRead(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE id=? AND is_read=0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.GetNotification(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// MarkAllNotificationsRead only touches notifications that existed when it started.
func (r *sqliteRepo) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	var maxSeq sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM notifications`).Scan(&maxSeq); err != nil {
		return 0, err
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read=1 WHERE is_read=0 AND seq <= ?`, maxSeq.Int64)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *sqliteRepo) ArchiveReadNotifications(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_archived=1 WHERE is_read=1 AND is_archived=0`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *sqliteRepo) CountUnread(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE is_read=0`).Scan(&n)
	return n, err
}
