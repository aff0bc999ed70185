package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lookalike/internal/config"
	"lookalike/internal/models"
	"lookalike/internal/pipeline"
	"lookalike/internal/telemetry"
)

// Submitter accepts a photo and schedules a comparison job.
type Submitter interface {
	Submit(ctx context.Context, image []byte, filename, sessionID string) (models.Job, error)
}

// StatusReader answers job queries with access control.
type StatusReader interface {
	GetStatus(ctx context.Context, jobID, requesterSession string, publicRequest bool) (models.Job, error)
	History(ctx context.Context, sessionID string, limit int) ([]models.Job, error)
	Publish(ctx context.Context, jobID, requesterSession string) (string, error)
	Resolve(ctx context.Context, shareCode string) (models.Job, error)
}

// SubjectLister exposes the browsable corpus.
type SubjectLister interface {
	ListSubjects(ctx context.Context, limit, offset int) ([]models.Subject, error)
}

// Limiter bounds submissions per session.
type Limiter interface {
	Allow(ctx context.Context, sessionID string) (bool, error)
}

// Server wires the HTTP handlers for the comparison service.
type Server struct {
	cfg       config.Config
	submitter Submitter
	query     StatusReader
	subjects  SubjectLister
	limiter   Limiter
	logger    *zap.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, submitter Submitter, query StatusReader, subjects SubjectLister, limiter Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		submitter: submitter,
		query:     query,
		subjects:  subjects,
		limiter:   limiter,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/compare", s.handleSubmit)
		r.Get("/compare/history", s.handleHistory)
		r.Get("/compare/{id}/status", s.handleStatus)
		r.Post("/compare/{id}/share", s.handleShare)
		r.Get("/shared/{code}", s.handleShared)
		r.Get("/subjects", s.handleSubjects)
	})
	return r
}

// jobView is the externally visible job shape. The owning session id is
// never echoed back on public paths.
type jobView struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Progress  int            `json:"progress"`
	Error     *string        `json:"error,omitempty"`
	Matches   []models.Match `json:"matches,omitempty"`
	BestMatch *models.Match  `json:"best_match,omitempty"`
	ShareCode *string        `json:"share_code,omitempty"`
	IsPublic  bool           `json:"is_public"`
	ThumbRef  *string        `json:"thumb_ref,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func viewOf(job models.Job) jobView {
	v := jobView{
		ID:        job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		IsPublic:  job.IsPublic,
		ThumbRef:  job.ThumbRef,
		CreatedAt: job.CreatedAt,
	}
	if job.Status == models.StatusFailed {
		v.Error = job.ErrorMessage
	}
	if job.Status == models.StatusCompleted {
		v.Matches = job.Matches
		v.ShareCode = job.ShareCode
	}
	return v
}

type submitResponse struct {
	Job       jobView `json:"job"`
	SessionID string  `json:"session_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.MaxUploadMB << 20
	if maxBytes == 0 {
		maxBytes = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("photo")
	if err != nil {
		writeError(w, http.StatusBadRequest, "photo field is required")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil || len(image) == 0 {
		writeError(w, http.StatusBadRequest, "empty photo upload")
		return
	}

	sessionID := sessionFromRequest(r)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), sessionID)
		if err != nil {
			s.logger.Error("rate limiter unavailable", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "too many submissions, slow down")
			return
		}
	}

	job, err := s.submitter.Submit(r.Context(), image, header.Filename, sessionID)
	if err != nil {
		s.logger.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not accept submission")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{Job: viewOf(job), SessionID: sessionID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	publicRequest := isTrue(r.URL.Query().Get("public"))

	job, err := s.query.GetStatus(r.Context(), id, sessionFromRequest(r), publicRequest)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionFromRequest(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := s.query.History(r.Context(), sessionID, limit)
	if err != nil {
		writeQueryError(w, err)
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		v := viewOf(job)
		v.Matches = nil
		v.BestMatch = job.BestMatch()
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	code, err := s.query.Publish(r.Context(), id, sessionFromRequest(r))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"share_code": code})
}

func (s *Server) handleShared(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	job, err := s.query.Resolve(r.Context(), code)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	subjects, err := s.subjects.ListSubjects(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list subjects", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list subjects")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subjects": subjects})
}

// writeQueryError keeps authorization failures distinct from job-internal
// failures: a forbidden or missing job is a request error, never a job state.
func writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, pipeline.ErrNotReady):
		writeError(w, http.StatusConflict, "job is not completed yet")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func sessionFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Session-ID"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("session_id"); v != "" {
		return v
	}
	return r.FormValue("session_id")
}

func isTrue(v string) bool {
	return v == "1" || v == "true"
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
