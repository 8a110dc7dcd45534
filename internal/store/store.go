package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"taskpulse/internal/domain"
)

var (
	ErrEmpty    = errors.New("no tasks ready")
	ErrConflict = errors.New("task was modified concurrently")
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// TaskStore owns task records. UpdateTask and DeleteTask compare the version
// token and fail with ErrConflict when another writer got there first.
type TaskStore interface {
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error)
	CountTasksByStatus(ctx context.Context) (map[domain.Status]int, error)
	UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	DeleteTask(ctx context.Context, id string, version int64) error

	// Claim marks the task in flight regardless of its due time.
	Claim(ctx context.Context, id string, now time.Time, claimTimeout time.Duration) (domain.Task, error)
	// ClaimDue marks the earliest due ACTIVE task in flight.
	ClaimDue(ctx context.Context, now time.Time, claimTimeout time.Duration) (domain.Task, error)
	// RecoverStale releases claims older than claimTimeout.
	RecoverStale(ctx context.Context, now time.Time, claimTimeout time.Duration) ([]domain.Task, error)
}

type LogStore interface {
	AppendLog(ctx context.Context, l domain.ExecutionLog) (domain.ExecutionLog, error)
	ListLogs(ctx context.Context, taskID string, limit int) ([]domain.ExecutionLog, error)
	CountLogsSince(ctx context.Context, since time.Time) (map[domain.LogStatus]int, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
	GetNotification(ctx context.Context, id string) (domain.Notification, error)
	ListNotifications(ctx context.Context, f NotificationFilter) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (bool, error)
	MarkAllNotificationsRead(ctx context.Context) (int, error)
	ArchiveReadNotifications(ctx context.Context) (int, error)
	CountUnread(ctx context.Context) (int, error)
}

type Repository interface {
	TaskStore
	LogStore
	NotificationStore
}

type TaskFilter struct {
	Status       domain.Status
	ScheduleType domain.ScheduleType
	Search       string
	Limit        int
}

type NotificationFilter struct {
	UnreadOnly      bool
	IncludeArchived bool
	Category        domain.Category
	Priority        domain.Priority
	TaskID          string
	// Ordering is one of "-created_at" (default), "created_at" or "-priority".
	Ordering string
	Limit    int
}

// Open opens the SQLite database at path, creating parent directories.
func Open(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	db.SetMaxIdleConns(1)
	return db, nil
}

// Migrate runs all pending schema migrations embedded in the binary.
func Migrate(db *sql.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// staleCutoff is the running_since value at or below which a claim is abandoned.
func staleCutoff(now time.Time, claimTimeout time.Duration) int64 {
	if claimTimeout <= 0 {
		return -1
	}
	return now.Add(-claimTimeout).UnixMilli()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
