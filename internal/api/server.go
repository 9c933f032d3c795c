// Package api exposes the operational HTTP surface of the crawl engine:
// health, metrics, job inspection, job start, and the cancellation path.
// Full configuration CRUD lives in the control plane, not here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortai/legalcrawl/internal/crawler"
	"github.com/fortai/legalcrawl/internal/metrics"
)

// Server wires HTTP handlers to the repositories and the queue.
type Server struct {
	router chi.Router
	jobs   crawler.JobRepository
	pages  crawler.PageRepository
	queue  crawler.JobQueue
	events crawler.EventSink
	clock  crawler.Clock
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs crawler.JobRepository,
	pages crawler.PageRepository,
	queue crawler.JobQueue,
	events crawler.EventSink,
	clock crawler.Clock,
	logger *zap.Logger,
) *Server {
	s := &Server{
		jobs:   jobs,
		pages:  pages,
		queue:  queue,
		events: events,
		clock:  clock,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/pages", s.listPages)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Post("/configs/{config_id}/start", s.startJob)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, crawler.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	pages, next, err := s.pages.ListPagesByJob(r.Context(), jobID, r.URL.Query().Get("cursor"), 100)
	if err != nil {
		s.logger.Error("list pages failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pages": pages, "next_cursor": next})
}

// cancelJob transitions pending or running jobs to cancelled; the owning
// worker observes the terminal row and stops within one gate tick.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, crawler.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if job.Status.Terminal() {
		s.writeError(w, http.StatusConflict, "job already terminal")
		return
	}

	now := s.clock.Now()
	fields := crawler.TransitionFields{CompletedAt: &now, ClearWorkerID: true}
	err = s.jobs.TransitionJob(r.Context(), jobID, job.Status, crawler.JobStatusCancelled, fields)
	if errors.Is(err, crawler.ErrTransitionConflict) {
		s.writeError(w, http.StatusConflict, "job state changed; retry")
		return
	}
	if err != nil {
		s.logger.Error("cancel transition failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.events != nil {
		s.events.Emit(r.Context(), crawler.Event{
			Type:      crawler.EventJobCancelled,
			JobID:     job.ID,
			ConfigID:  job.ConfigID,
			Timestamp: now,
		})
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": string(crawler.JobStatusCancelled)})
}

// startJob inserts a pending job for the configuration and pushes its
// claim token.
func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	configID, err := uuid.Parse(chi.URLParam(r, "config_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad config id")
		return
	}

	job := crawler.NewJob(configID, s.clock.Now())
	if err := s.jobs.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.queue.Push(r.Context(), job.ID); err != nil {
		s.logger.Error("queue push failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if s.events != nil {
		s.events.Emit(r.Context(), crawler.Event{
			Type:      crawler.EventJobCreated,
			JobID:     job.ID,
			ConfigID:  configID,
			Timestamp: job.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad job id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
