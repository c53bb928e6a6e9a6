package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"exam-results/internal/ingest"
	"exam-results/internal/models"
	"exam-results/internal/ratelimit"
	"exam-results/internal/registry"
	"exam-results/internal/telemetry"
	"exam-results/internal/worker"
)

// multipartOverhead is the slack allowed above the file size bound for form fields and boundaries.
const multipartOverhead = 1 << 20

// Submitter accepts uploads.
type Submitter interface {
	Submit(ctx context.Context, up ingest.Upload) (models.Job, error)
}

// JobReader returns job snapshots.
type JobReader interface {
	Get(id string) (models.Job, error)
	Counts() map[string]int
}

// Limiter throttles uploads per uploader.
type Limiter interface {
	Allow(ctx context.Context, uploader string) (ratelimit.Decision, error)
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// Server wires HTTP handlers for the admin upload API.
type Server struct {
	submitter Submitter
	jobs      JobReader
	limiter   Limiter
	db        Pinger
	maxBytes  int64
	logger    *log.Entry

	trustUploaderHeader bool
}

// Option configures a Server.
type Option func(*Server)

// WithTrustedUploaderHeader keys rate limiting on X-Uploader-ID. Enable it only behind a proxy
// or auth layer that sets the header itself.
func WithTrustedUploaderHeader(trust bool) Option {
	return func(s *Server) {
		s.trustUploaderHeader = trust
	}
}

// New constructs the API server. limiter and db may be nil.
func New(sub Submitter, jobs JobReader, limiter Limiter, db Pinger, maxBytes int64, opts ...Option) *Server {
	s := &Server{
		submitter: sub,
		jobs:      jobs,
		limiter:   limiter,
		db:        db,
		maxBytes:  maxBytes,
		logger:    log.WithField("component", "api"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/admin/upload", s.handleUpload)
	r.Get("/admin/upload/{id}/status", s.handleStatus)
	return r
}

type uploadResponse struct {
	TaskID    string `json:"task_id"`
	Message   string `json:"message"`
	TotalRows int    `json:"total_rows"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	uploader := s.uploader(r)
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), uploader)
		if err != nil {
			s.logger.WithError(err).Error("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.999)))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	if s.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			telemetry.UploadsRejected.WithLabelValues("size").Inc()
			writeError(w, http.StatusBadRequest, fmt.Sprintf("file exceeds %d bytes", s.maxBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	sessionID, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("session_id")), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "session_id must be an integer")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file")
		return
	}

	job, err := s.submitter.Submit(r.Context(), ingest.Upload{
		FileName:  header.Filename,
		SessionID: sessionID,
		Data:      data,
	})
	var rejected *ingest.SubmissionRejected
	switch {
	case errors.As(err, &rejected):
		writeError(w, http.StatusBadRequest, rejected.Reason)
		return
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "ingestion queue unavailable, retry later")
		return
	case err != nil:
		s.logger.WithError(err).Error("submit upload")
		writeError(w, http.StatusInternalServerError, "could not queue upload")
		return
	}

	s.logger.WithFields(log.Fields{"task_id": job.ID, "uploader": uploader}).Info("upload accepted")
	writeJSON(w, http.StatusAccepted, uploadResponse{
		TaskID:    job.ID,
		Message:   "upload accepted, processing in background",
		TotalRows: job.TotalRows,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Get(id)
	if errors.Is(err, registry.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "jobs": s.jobs.Counts()}
	code := http.StatusOK
	if s.db != nil {
		if err := s.db.Ping(r.Context(), 2*time.Second); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

// uploader identifies the caller for rate limiting: the client address, or X-Uploader-ID when
// the header comes from a trusted layer.
func (s *Server) uploader(r *http.Request) string {
	if s.trustUploaderHeader {
		if v := strings.TrimSpace(r.Header.Get("X-Uploader-ID")); v != "" {
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, errorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
