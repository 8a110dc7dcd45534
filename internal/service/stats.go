package service

import (
	"context"
	"time"

	"taskpulse/internal/domain"
)

type Stats struct {
	TasksByStatus  map[domain.Status]int `json:"tasks_by_status"`
	TotalTasks     int                   `json:"total_tasks"`
	Unread         int                   `json:"unread_notifications"`
	Executions24h  int                   `json:"executions_24h"`
	Successful24h  int                   `json:"successful_24h"`
	Failed24h      int                   `json:"failed_24h"`
	SuccessRate24h float64               `json:"success_rate_24h"`
}

// Stats summarises task states and the last 24 hours of executions.
// Retries count as failed attempts in the success rate.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.repo.CountTasksByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	logs, err := s.repo.CountLogsSince(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		return Stats{}, err
	}

	st := Stats{TasksByStatus: map[domain.Status]int{}, Unread: s.notifier.UnreadCount()}
	for _, status := range []domain.Status{domain.StatusPending, domain.StatusActive, domain.StatusPaused, domain.StatusCompleted, domain.StatusFailed} {
		st.TasksByStatus[status] = counts[status]
		st.TotalTasks += counts[status]
	}
	st.Successful24h = logs[domain.LogSuccess]
	st.Failed24h = logs[domain.LogFailed] + logs[domain.LogRetry]
	st.Executions24h = st.Successful24h + st.Failed24h
	if st.Executions24h > 0 {
		st.SuccessRate24h = float64(st.Successful24h) / float64(st.Executions24h)
	}
	return st, nil
}
