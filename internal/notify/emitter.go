// Package notify records notifications, keeps the unread counter and fans
// notifications out to optional external sinks.
package notify

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"taskpulse/internal/domain"
	"taskpulse/internal/metrics"
	"taskpulse/internal/store"
)

const defaultQueueSize = 256

// Sink delivers notifications outside the process. Deliveries are best effort.
type Sink interface {
	Name() string
	Accepts(n domain.Notification) bool
	Deliver(ctx context.Context, n domain.Notification) error
}

type Emitter struct {
	store   store.NotificationStore
	metrics *metrics.Metrics
	now     func() time.Time

	// mu orders writes that change read state with counter updates,
	// so the counter never drifts from the table between reconciles.
	mu     sync.Mutex
	unread atomic.Int64

	sinks []Sink
	queue chan domain.Notification
}

type Option func(*Emitter)

func WithSink(s Sink) Option { return func(e *Emitter) { e.sinks = append(e.sinks, s) } }

func WithClock(now func() time.Time) Option { return func(e *Emitter) { e.now = now } }

func WithQueueSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.queue = make(chan domain.Notification, n)
		}
	}
}

func NewEmitter(st store.NotificationStore, m *metrics.Metrics, opts ...Option) *Emitter {
	e := &Emitter{store: st, metrics: m, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.queue == nil {
		e.queue = make(chan domain.Notification, defaultQueueSize)
	}
	return e
}

// Emit validates and persists n, then hands it to the sinks.
func (e *Emitter) Emit(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if !n.Category.Valid() {
		return domain.Notification{}, domain.Invalid("category", "unknown category %q", n.Category)
	}
	if n.Priority.Rank() == 0 {
		return domain.Notification{}, domain.Invalid("priority", "unknown priority %q", n.Priority)
	}
	if strings.TrimSpace(n.Title) == "" {
		return domain.Notification{}, domain.Invalid("title", "required")
	}
	if strings.TrimSpace(n.Message) == "" {
		return domain.Notification{}, domain.Invalid("message", "required")
	}
	n.IsRead = false
	n.IsArchived = false
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.now()
	}

	e.mu.Lock()
	saved, err := e.store.CreateNotification(ctx, n)
	if err == nil {
		e.metrics.SetUnread(int(e.unread.Add(1)))
	}
	e.mu.Unlock()
	if err != nil {
		return domain.Notification{}, err
	}

	e.metrics.NotificationEmitted(saved.Category, saved.Priority)
	if len(e.sinks) > 0 {
		select {
		case e.queue <- saved:
		default:
			log.Warn().Str("notification_id", saved.ID).Msg("notification sink queue full, dropping delivery")
		}
	}
	return saved, nil
}

// Notify emits a notification about task and logs instead of returning errors.
// task may be nil for system-wide notifications.
func (e *Emitter) Notify(ctx context.Context, c domain.Category, p domain.Priority, title, message string, task *domain.Task) {
	n := domain.Notification{Category: c, Priority: p, Title: title, Message: message}
	if task != nil {
		id, name := task.ID, task.Name
		n.TaskID, n.TaskName = &id, &name
	}
	if _, err := e.Emit(ctx, n); err != nil {
		ev := log.Error().Err(err).Str("category", string(c)).Str("title", title)
		if task != nil {
			ev = ev.Str("task_id", task.ID)
		}
		ev.Msg("failed to record notification")
	}
}

func (e *Emitter) Get(ctx context.Context, id string) (domain.Notification, error) {
	return e.store.GetNotification(ctx, id)
}

func (e *Emitter) List(ctx context.Context, f store.NotificationFilter) ([]domain.Notification, error) {
	if !store.ValidOrdering(f.Ordering) {
		return nil, domain.Invalid("ordering", "must be one of -created_at, created_at, -priority")
	}
	if f.Category != "" && !f.Category.Valid() {
		return nil, domain.Invalid("category", "unknown category %q", f.Category)
	}
	if f.Priority != "" && f.Priority.Rank() == 0 {
		return nil, domain.Invalid("priority", "unknown priority %q", f.Priority)
	}
	return e.store.ListNotifications(ctx, f)
}

// MarkRead is idempotent: marking a read notification again changes nothing.
func (e *Emitter) MarkRead(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed, err := e.store.MarkNotificationRead(ctx, id)
	if err != nil {
		return err
	}
	if changed {
		e.metrics.SetUnread(int(e.decrement(1)))
	}
	return nil
}

// MarkAllRead marks every notification that existed when the call started.
func (e *Emitter) MarkAllRead(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.store.MarkAllNotificationsRead(ctx)
	if err != nil {
		return 0, err
	}
	e.metrics.SetUnread(int(e.decrement(int64(n))))
	return n, nil
}

func (e *Emitter) ArchiveAllRead(ctx context.Context) (int, error) {
	return e.store.ArchiveReadNotifications(ctx)
}

func (e *Emitter) UnreadCount() int { return int(e.unread.Load()) }

func (e *Emitter) decrement(n int64) int64 {
	v := e.unread.Add(-n)
	if v < 0 {
		e.unread.Store(0)
		return 0
	}
	return v
}

// Reconcile reloads the unread counter from the store.
func (e *Emitter) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.store.CountUnread(ctx)
	if err != nil {
		return err
	}
	if old := e.unread.Swap(int64(n)); old != int64(n) {
		log.Debug().Int64("cached", old).Int("actual", n).Msg("unread counter reconciled")
	}
	e.metrics.SetUnread(n)
	return nil
}

// Run delivers queued notifications to sinks and reconciles the unread
// counter every reconcileEvery until ctx is done.
func (e *Emitter) Run(ctx context.Context, reconcileEvery time.Duration) {
	if reconcileEvery <= 0 {
		reconcileEvery = time.Minute
	}
	ticker := time.NewTicker(reconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil {
				log.Error().Err(err).Msg("failed to reconcile unread counter")
			}
		case n := <-e.queue:
			e.deliver(ctx, n)
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, n domain.Notification) {
	for _, s := range e.sinks {
		if !s.Accepts(n) {
			continue
		}
		if err := s.Deliver(ctx, n); err != nil {
			e.metrics.DeliveryFailed(s.Name())
			log.Warn().Err(err).Str("sink", s.Name()).Str("notification_id", n.ID).Msg("notification delivery failed")
		}
	}
}
