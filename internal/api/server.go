package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"session-recap/internal/models"
	"session-recap/internal/pipeline"
	"session-recap/internal/queue"
	"session-recap/internal/ratelimit"
	"session-recap/internal/store"
	"session-recap/internal/telemetry"
)

// Limiter throttles pipeline triggers per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// JobLister backs the operator job listing.
type JobLister interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]models.Job, error)
}

// Server wires HTTP handlers for the trigger and status API.
type Server struct {
	records *store.Records
	queue   *queue.Client
	jobs    JobLister
	limiter Limiter
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(records *store.Records, q *queue.Client, jobs JobLister, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		records: records,
		queue:   q,
		jobs:    jobs,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Post("/transcribe", s.handleTranscribe)
		r.Get("/transcript", s.handleGetTranscript)
		r.Get("/recap", s.handleGetRecap)
	})
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

type triggerResponse struct {
	SessionID int64  `json:"session_id"`
	JobID     int64  `json:"job_id"`
	Status    string `json:"status"`
}

// handleTranscribe resets a session and queues the transcription stage.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			s.logger.Error("rate limiter unavailable", "error", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter/time.Second)))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	session, err := s.records.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch session.Status {
	case models.SessionTranscribing, models.SessionProcessing:
		http.Error(w, "session is already being processed", http.StatusConflict)
		return
	}
	if session.AudioFilePath == "" {
		http.Error(w, "session has no audio file", http.StatusUnprocessableEntity)
		return
	}

	if err := s.records.UpdateSessionStatus(r.Context(), id, models.SessionPending, nil); err != nil {
		s.writeError(w, err)
		return
	}
	jobID, err := s.queue.Push(r.Context(), pipeline.TranscribeHandler, pipeline.SessionArgs{SessionID: id}, r.URL.Query().Get("queue"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("session queued for transcription", "session_id", id, "job_id", jobID)
	writeJSON(w, http.StatusAccepted, triggerResponse{SessionID: id, JobID: jobID, Status: models.SessionPending})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	session, err := s.records.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	transcript, err := s.records.GetTranscript(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

type recapResponse struct {
	models.Recap
	Entities []models.Entity `json:"entities"`
}

func (s *Server) handleGetRecap(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	recap, err := s.records.GetRecap(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entities, err := s.records.SessionEntities(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entities == nil {
		entities = []models.Entity{}
	}
	writeJSON(w, http.StatusOK, recapResponse{Recap: recap, Entities: entities})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{Queue: q.Get("queue"), Status: q.Get("status")}
	switch filter.Status {
	case "", models.StatusPending, models.StatusProcessing, models.StatusComplete, models.StatusFailed:
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	jobs, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Error("request failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
