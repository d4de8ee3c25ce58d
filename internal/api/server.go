package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"delayflow/internal/domain"
	"delayflow/internal/duration"
	"delayflow/internal/immunity"
	"delayflow/internal/scheduler"
)

type Server struct {
	r        *chi.Mux
	sched    *scheduler.Scheduler
	immunity *immunity.Service
}

func NewServer(sched *scheduler.Scheduler, imm *immunity.Service) http.Handler {
	return NewServerWithDebug(sched, imm, false)
}

func NewServerWithDebug(sched *scheduler.Scheduler, imm *immunity.Service, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: sched, immunity: imm}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/tasks", s.listTasks)
	r.Route("/api/subjects/{subject}", func(r chi.Router) {
		r.Post("/schedule", s.schedule)
		r.Get("/schedule", s.getSchedule)
		r.Delete("/schedule", s.cancelSchedule)
		r.Post("/immunity", s.grantImmunity)
		r.Get("/immunity", s.getImmunity)
		r.Delete("/immunity", s.revokeImmunity)
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.sched.Stats()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "delayflow_up 1")
	fmt.Fprintf(w, "delayflow_tasks_scheduled_total %d\n", st.Scheduled)
	fmt.Fprintf(w, "delayflow_tasks_cancelled_total %d\n", st.Cancelled)
	fmt.Fprintf(w, "delayflow_tasks_fired_total %d\n", st.Fired)
	fmt.Fprintf(w, "delayflow_tasks_skipped_total %d\n", st.Skipped)
	fmt.Fprintf(w, "delayflow_tasks_warned_total %d\n", st.Warned)
	fmt.Fprintf(w, "delayflow_tasks_stale_total %d\n", st.Stale)
	fmt.Fprintf(w, "delayflow_action_failures_total %d\n", st.Failed)
}

type taskResp struct {
	SubjectID        string          `json:"subject_id"`
	TaskID           string          `json:"task_id"`
	FireAt           time.Time       `json:"fire_at"`
	RemainingSeconds int64           `json:"remaining_seconds"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func toTaskResp(rec domain.TaskRecord, now time.Time) taskResp {
	return taskResp{
		SubjectID:        rec.SubjectID,
		TaskID:           rec.TaskID,
		FireAt:           rec.FireAt.UTC(),
		RemainingSeconds: int64(rec.Remaining(now) / time.Second),
		Metadata:         rec.Metadata,
		CreatedAt:        rec.CreatedAt.UTC(),
	}
}

type scheduleReq struct {
	Delay    string          `json:"delay"`
	Metadata json.RawMessage `json:"metadata"`
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	delay, err := duration.Parse(req.Delay)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	rec, err := s.sched.Schedule(r.Context(), subject, delay, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResp(rec, time.Now()))
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sched.Lookup(r.Context(), chi.URLParam(r, "subject"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toTaskResp(rec, time.Now()))
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Cancel(r.Context(), chi.URLParam(r, "subject")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	recs, err := s.sched.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	now := time.Now()
	out := make([]taskResp, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toTaskResp(rec, now))
	}
	writeJSON(w, 200, out)
}

type immunityReq struct {
	Duration string `json:"duration"`
}

type immunityResp struct {
	Immune           bool       `json:"immune"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) grantImmunity(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	var req immunityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	d, err := duration.Parse(req.Duration)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	expiresAt, err := s.immunity.Grant(r.Context(), subject, d)
	if err != nil {
		writeError(w, err)
		return
	}
	expiresAt = expiresAt.UTC()
	writeJSON(w, http.StatusCreated, immunityResp{Immune: true, RemainingSeconds: int64(d / time.Second), ExpiresAt: &expiresAt})
}

func (s *Server) getImmunity(w http.ResponseWriter, r *http.Request) {
	rec, err := s.immunity.Active(r.Context(), chi.URLParam(r, "subject"))
	if errors.Is(err, immunity.ErrNothingActive) {
		writeJSON(w, 200, immunityResp{})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	expiresAt := rec.ExpiresAt.UTC()
	remaining := time.Until(rec.ExpiresAt)
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, 200, immunityResp{Immune: true, RemainingSeconds: int64(remaining / time.Second), ExpiresAt: &expiresAt})
}

func (s *Server) revokeImmunity(w http.ResponseWriter, r *http.Request) {
	if err := s.immunity.Revoke(r.Context(), chi.URLParam(r, "subject")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrInvalidSubject),
		errors.Is(err, duration.ErrInvalidFormat),
		errors.Is(err, duration.ErrOutOfRange),
		errors.Is(err, immunity.ErrInvalidWindow):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrSubjectImmune):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNothingScheduled),
		errors.Is(err, immunity.ErrNothingActive):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrStoreUnavailable),
		errors.Is(err, scheduler.ErrBrokerPublishFailed),
		errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
