package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"taskpulse/internal/domain"
	"taskpulse/internal/metrics"
	"taskpulse/internal/notify"
	"taskpulse/internal/schedule"
	"taskpulse/internal/store"
	"taskpulse/internal/worker"
)

type Config struct {
	Tick         time.Duration
	Workers      int
	MaxExecution time.Duration
	// ClaimTimeout is the age after which a claim counts as abandoned.
	// It must exceed MaxExecution.
	ClaimTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxExecution <= 0 {
		c.MaxExecution = 30 * time.Minute
	}
	if c.ClaimTimeout <= c.MaxExecution {
		c.ClaimTimeout = c.MaxExecution + time.Minute
	}
	return c
}

// Service polls the task store for due tasks and runs them on a bounded pool.
type Service struct {
	repo     store.Repository
	calc     *schedule.Calculator
	handlers *worker.Registry
	pool     *worker.Pool
	notifier *notify.Emitter
	metrics  *metrics.Metrics
	now      func() time.Time
	cfg      Config

	stop     chan struct{}
	stopOnce sync.Once

	// waiting counts manual claims per task that are queued for a pool slot.
	mu      sync.Mutex
	waiting map[string]int
}

var errClaimLost = errors.New("execution claim lost")

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func NewService(repo store.Repository, calc *schedule.Calculator, handlers *worker.Registry, notifier *notify.Emitter, cfg Config, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		repo:     repo,
		calc:     calc,
		handlers: handlers,
		pool:     worker.NewPool(cfg.Workers),
		notifier: notifier,
		now:      time.Now,
		cfg:      cfg,
		stop:     make(chan struct{}),
		waiting:  map[string]int{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) ClaimTimeout() time.Duration { return s.cfg.ClaimTimeout }

// Start runs the polling loop until ctx is cancelled or Stop is called.
// In-flight executions keep running; use Wait to drain them.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	log.Info().
		Dur("tick", s.cfg.Tick).
		Int("workers", s.cfg.Workers).
		Dur("max_execution", s.cfg.MaxExecution).
		Msg("dispatcher started")

	s.flagMissed(ctx, s.now())
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Wait blocks until all in-flight executions have settled.
func (s *Service) Wait() { s.pool.Wait() }

// Tick releases stale claims and dispatches due tasks while worker slots are free.
// It never waits for an execution and returns the number of tasks dispatched.
func (s *Service) Tick(ctx context.Context) int {
	started := time.Now()
	now := s.now()
	s.refreshWaiting(ctx, now)
	s.recoverStale(ctx, now)

	dispatched := 0
	for s.pool.Free() {
		task, err := s.repo.ClaimDue(ctx, now, s.cfg.ClaimTimeout)
		if errors.Is(err, store.ErrEmpty) {
			break
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to claim due task")
			break
		}
		s.metrics.Claimed()
		if !s.pool.TryGo(func() { s.execute(ctx, task, false) }) {
			s.release(ctx, task.ID)
			break
		}
		dispatched++
	}
	s.metrics.ObserveTick(time.Since(started))
	return dispatched
}

// ExecuteNow claims the task immediately, bypassing its due time, and runs it
// on the pool. It fails with ErrAlreadyRunning while another execution holds the claim.
// While it waits for a slot the claim is kept fresh on every tick and stamped
// again when the execution starts.
func (s *Service) ExecuteNow(ctx context.Context, id string) error {
	task, err := s.repo.Claim(ctx, id, s.now(), s.cfg.ClaimTimeout)
	if err != nil {
		return err
	}
	s.metrics.Claimed()
	s.hold(id)
	base := context.WithoutCancel(ctx)
	err = s.pool.Go(ctx, func() {
		s.unhold(id)
		started, err := s.stamp(base, id, s.now(), false)
		if err != nil {
			log.Error().Err(err).Str("task_id", id).Msg("manual execution dropped")
			return
		}
		s.execute(base, started, true)
	})
	if err != nil {
		s.unhold(id)
		s.release(base, id)
		return err
	}
	log.Info().Str("task_id", id).Str("task_name", task.Name).Msg("manual execution started")
	return nil
}

func (s *Service) hold(id string) {
	s.mu.Lock()
	s.waiting[id]++
	s.mu.Unlock()
}

func (s *Service) unhold(id string) {
	s.mu.Lock()
	if s.waiting[id] <= 1 {
		delete(s.waiting, id)
	} else {
		s.waiting[id]--
	}
	s.mu.Unlock()
}

func (s *Service) queued(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting[id] > 0
}

// stamp moves an existing claim to now. With onlyQueued it gives up once the
// claim has left the queue, so it never overwrites the stamp of a started run.
func (s *Service) stamp(ctx context.Context, id string, now time.Time, onlyQueued bool) (domain.Task, error) {
	return store.Mutate(ctx, s.repo, id, func(t *domain.Task) error {
		if t.RunningSince == nil || (onlyQueued && !s.queued(id)) {
			return fmt.Errorf("task %s: %w", id, errClaimLost)
		}
		at := now
		t.RunningSince = &at
		return nil
	})
}

// refreshWaiting keeps manual claims that are queued for a slot from going stale.
func (s *Service) refreshWaiting(ctx context.Context, now time.Time) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.waiting))
	for id := range s.waiting {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.stamp(ctx, id, now, true); err != nil && !errors.Is(err, errClaimLost) {
			log.Warn().Err(err).Str("task_id", id).Msg("failed to refresh queued claim")
		}
	}
}

// flagMissed raises a RECOVERY notification for one-time tasks whose instant
// passed while the dispatcher was not running. They are dispatched as usual.
func (s *Service) flagMissed(ctx context.Context, now time.Time) int {
	tasks, err := s.repo.ListTasks(ctx, store.TaskFilter{Status: domain.StatusActive, ScheduleType: domain.ScheduleOneTime})
	if err != nil {
		log.Error().Err(err).Msg("failed to scan for missed one-time tasks")
		return 0
	}
	cutoff := now.Add(-s.cfg.Tick)
	missed := 0
	for i := range tasks {
		t := tasks[i]
		if t.NextRunAt == nil || !t.NextRunAt.Before(cutoff) || t.Running(now, s.cfg.ClaimTimeout) {
			continue
		}
		missed++
		log.Warn().Str("task_id", t.ID).Str("task_name", t.Name).Time("scheduled_at", *t.NextRunAt).Msg("one-time task missed while stopped")
		s.notifier.Notify(ctx, domain.CategoryRecovery, domain.PriorityMedium,
			"Missed task scheduled",
			fmt.Sprintf("One-time task %q was due at %s while the scheduler was stopped and will run now.", t.Name, t.NextRunAt.Format(time.RFC3339)),
			&t)
	}
	return missed
}

func (s *Service) recoverStale(ctx context.Context, now time.Time) {
	recovered, err := s.repo.RecoverStale(ctx, now, s.cfg.ClaimTimeout)
	if err != nil {
		log.Error().Err(err).Msg("failed to recover stale claims")
	}
	s.metrics.Recovered(len(recovered))
	for i := range recovered {
		t := recovered[i]
		log.Warn().Str("task_id", t.ID).Str("task_name", t.Name).Msg("released abandoned execution claim")
		s.notifier.Notify(ctx, domain.CategoryRecovery, domain.PriorityHigh,
			"Execution recovered",
			fmt.Sprintf("Task %q did not finish within %s; its claim was released and it will run again when due.", t.Name, s.cfg.ClaimTimeout),
			&t)
	}
}

func (s *Service) release(ctx context.Context, id string) {
	_, err := store.Mutate(ctx, s.repo, id, func(t *domain.Task) error {
		t.RunningSince = nil
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("failed to release claim")
	}
}

func (s *Service) timeoutFor(t domain.Task) time.Duration {
	if d := t.Timeout(); d > 0 && d < s.cfg.MaxExecution {
		return d
	}
	return s.cfg.MaxExecution
}

func (s *Service) execute(ctx context.Context, task domain.Task, manual bool) {
	ctx = context.WithoutCancel(ctx)
	s.metrics.ExecutionStarted()
	defer s.metrics.ExecutionFinished()

	started := s.now()
	clock := time.Now()
	var err error
	if h, ok := s.handlers.Get(task.Handler); !ok {
		err = fmt.Errorf("%w: %s", worker.ErrUnknownHandler, task.Handler)
	} else {
		err = worker.Invoke(ctx, h, task.Payload, s.timeoutFor(task))
	}
	s.settle(ctx, task, started, time.Since(clock), err, manual)
}
