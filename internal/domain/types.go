package domain

import (
	"encoding/json"
	"time"
)

type ScheduleType string

const (
	ScheduleOneTime  ScheduleType = "ONE_TIME"
	ScheduleCron     ScheduleType = "CRON"
	ScheduleInterval ScheduleType = "INTERVAL"
)

func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleOneTime, ScheduleCron, ScheduleInterval:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further automatic dispatch happens from s.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// CronFields holds the five cron components. Empty fields mean "*".
type CronFields struct {
	Minute     string `json:"minute"`
	Hour       string `json:"hour"`
	DayOfMonth string `json:"day_of_month"`
	Month      string `json:"month"`
	DayOfWeek  string `json:"day_of_week"`
}

// Schedule is a tagged variant: only the fields matching Type are populated.
type Schedule struct {
	Type            ScheduleType `json:"schedule_type"`
	ScheduledTime   *time.Time   `json:"scheduled_time,omitempty"`
	Cron            *CronFields  `json:"cron,omitempty"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
}

// Interval returns the INTERVAL period as a duration.
func (s Schedule) Interval() time.Duration { return time.Duration(s.IntervalSeconds) * time.Second }

// Equal reports whether two schedules describe the same fire times.
func (s Schedule) Equal(o Schedule) bool {
	if s.Type != o.Type {
		return false
	}
	switch s.Type {
	case ScheduleOneTime:
		if s.ScheduledTime == nil || o.ScheduledTime == nil {
			return s.ScheduledTime == o.ScheduledTime
		}
		return s.ScheduledTime.Equal(*o.ScheduledTime)
	case ScheduleCron:
		if s.Cron == nil || o.Cron == nil {
			return s.Cron == o.Cron
		}
		return *s.Cron == *o.Cron
	case ScheduleInterval:
		return s.IntervalSeconds == o.IntervalSeconds
	}
	return false
}

type Task struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Handler           string          `json:"handler"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Schedule          Schedule        `json:"schedule"`
	MaxRetries        int             `json:"max_retries"`
	RetryDelaySeconds int             `json:"retry_delay_seconds"`
	TimeoutSeconds    int             `json:"timeout_seconds"`
	Status            Status          `json:"status"`
	TotalExecutions   int             `json:"total_executions"`
	RetryCount        int             `json:"retry_count"`
	ExecutedOnce      bool            `json:"executed_once"`
	LastExecutionAt   *time.Time      `json:"last_execution_at"`
	NextRunAt         *time.Time      `json:"next_run_at"`
	RunningSince      *time.Time      `json:"running_since,omitempty"`
	PauseRequested    bool            `json:"pause_requested"`
	Version           int64           `json:"version"`
	CreatedBy         string          `json:"created_by,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (t Task) RetryDelay() time.Duration { return time.Duration(t.RetryDelaySeconds) * time.Second }

func (t Task) Timeout() time.Duration { return time.Duration(t.TimeoutSeconds) * time.Second }

// Running reports whether the task holds a live claim at now.
// Claims older than claimTimeout are considered abandoned.
func (t Task) Running(now time.Time, claimTimeout time.Duration) bool {
	if t.RunningSince == nil {
		return false
	}
	if claimTimeout <= 0 {
		return true
	}
	return now.Sub(*t.RunningSince) < claimTimeout
}

// CanBeModified reports whether name, description, handler and retry policy may change.
func (t Task) CanBeModified() bool {
	switch t.Status {
	case StatusPending, StatusActive, StatusPaused:
		return true
	}
	return false
}

// CanModifySchedule additionally requires that no execution has been recorded yet.
func (t Task) CanModifySchedule() bool {
	return t.CanBeModified() && t.TotalExecutions == 0
}

func (t Task) CanBeDeleted(now time.Time, claimTimeout time.Duration) bool {
	return !t.Running(now, claimTimeout)
}

type LogStatus string

const (
	LogSuccess LogStatus = "SUCCESS"
	LogFailed  LogStatus = "FAILED"
	LogRetry   LogStatus = "RETRY"
)

type ExecutionLog struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	TaskName      string         `json:"task_name"`
	Status        LogStatus      `json:"status"`
	ExecutedAt    time.Time      `json:"executed_at"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Message       string         `json:"message"`
	ErrorDetails  map[string]any `json:"error_details,omitempty"`
	RetryCount    int            `json:"retry_count"`
	Manual        bool           `json:"manual"`
}

type Category string

const (
	CategoryTaskExecuted  Category = "TASK_EXECUTED"
	CategoryTaskFailed    Category = "TASK_FAILED"
	CategoryTaskCompleted Category = "TASK_COMPLETED"
	CategorySystem        Category = "SYSTEM"
	CategoryReminder      Category = "REMINDER"
	CategoryRecovery      Category = "RECOVERY"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryTaskExecuted, CategoryTaskFailed, CategoryTaskCompleted, CategorySystem, CategoryReminder, CategoryRecovery:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Rank orders priorities from LOW (1) to CRITICAL (4); unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

type Notification struct {
	ID         string    `json:"id"`
	Category   Category  `json:"category"`
	Priority   Priority  `json:"priority"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	TaskID     *string   `json:"task_id,omitempty"`
	TaskName   *string   `json:"task_name,omitempty"`
	IsRead     bool      `json:"is_read"`
	IsArchived bool      `json:"is_archived"`
	CreatedAt  time.Time `json:"created_at"`
}
