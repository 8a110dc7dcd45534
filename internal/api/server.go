package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"taskpulse/internal/domain"
	"taskpulse/internal/metrics"
	"taskpulse/internal/service"
	"taskpulse/internal/store"
)

// Facade is the subset of service.Service the HTTP binding uses.
type Facade interface {
	CreateTask(ctx context.Context, in service.TaskInput) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, p service.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	PauseTask(ctx context.Context, id string) (domain.Task, error)
	ResumeTask(ctx context.Context, id string) (domain.Task, error)
	ExecuteNow(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error)
	GetTaskLogs(ctx context.Context, id string, limit int) ([]domain.ExecutionLog, error)
	ListNotifications(ctx context.Context, f store.NotificationFilter) ([]domain.Notification, error)
	UnreadCount() int
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) (int, error)
	ArchiveAllRead(ctx context.Context) (int, error)
	Stats(ctx context.Context) (service.Stats, error)
}

type Options struct {
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
	Pprof     bool
}

type Server struct {
	r   *chi.Mux
	svc Facade
}

func NewServer(svc Facade, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, svc: svc}

	r.Get("/health", s.health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(opts.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RateLimit(opts.RateLimit, opts.RateBurst))

		r.Get("/tasks", s.listTasks)
		r.Post("/tasks", s.createTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Put("/tasks/{id}", s.updateTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Post("/tasks/{id}/pause", s.pauseTask)
		r.Post("/tasks/{id}/resume", s.resumeTask)
		r.Post("/tasks/{id}/execute", s.executeTask)
		r.Get("/tasks/{id}/logs", s.taskLogs)

		r.Get("/notifications", s.listNotifications)
		r.Get("/notifications/unread-count", s.unreadCount)
		r.Post("/notifications/read-all", s.markAllRead)
		r.Post("/notifications/archive-read", s.archiveRead)
		r.Post("/notifications/{id}/read", s.markRead)

		r.Get("/stats", s.stats)
	})

	if opts.Pprof {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var in service.TaskInput
	if !decode(w, r, &in) {
		return
	}
	t, err := s.svc.CreateTask(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	tasks, err := s.svc.ListTasks(r.Context(), store.TaskFilter{
		Status:       domain.Status(q.Get("status")),
		ScheduleType: domain.ScheduleType(q.Get("schedule_type")),
		Search:       q.Get("search"),
		Limit:        limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var p service.TaskPatch
	if !decode(w, r, &p) {
		return
	}
	t, err := s.svc.UpdateTask(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.PauseTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.ResumeTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) executeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.ExecuteNow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "started"})
}

func (s *Server) taskLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	logs, err := s.svc.GetTaskLogs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	list, err := s.svc.ListNotifications(r.Context(), store.NotificationFilter{
		UnreadOnly:      q.Get("unread") == "true",
		IncludeArchived: q.Get("archived") == "true",
		Category:        domain.Category(q.Get("category")),
		Priority:        domain.Priority(q.Get("priority")),
		TaskID:          q.Get("task_id"),
		Ordering:        q.Get("ordering"),
		Limit:           limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"unread": s.svc.UnreadCount()})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.MarkAllRead(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (s *Server) archiveRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ArchiveAllRead(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"archived": n})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "must be an integer", Field: name})
		return 0, false
	}
	return n, true
}

// statusFor maps facade errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotModifiable),
		errors.Is(err, domain.ErrNotDeletable),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyRunning),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		resp.Error = "internal error"
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
