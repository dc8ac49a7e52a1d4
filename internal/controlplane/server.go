package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/ainews/internal/metrics"
	"github.com/fentz26/ainews/internal/models"
	"github.com/fentz26/ainews/internal/process"
	"github.com/fentz26/ainews/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Version is reported by /health. It is set at build time.
var Version = "dev"

const defaultListLimit = 50

// Server provides the HTTP API of the daemon.
type Server struct {
	service *Service
	addr    string
	logger  *zap.Logger
	router  chi.Router
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service: service,
		addr:    addr,
		logger:  logger.With(zap.String("component", "controlplane")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/process", func(r chi.Router) {
		r.Get("/", s.processStatus)
		r.Get("/health", s.processHealth)
		r.Get("/snapshot", s.processSnapshot)
		r.Post("/start", s.startProcess)
		r.Post("/pause", s.pauseProcess)
		r.Post("/resume", s.resumeProcess)
		r.Post("/stop", s.stopProcess)
		r.Post("/emergency-stop", s.emergencyStop)
		r.Post("/progress", s.updateProgress)
		r.Post("/cleanup-memory", s.cleanupMemory)
		r.Post("/recovery", s.configureRecovery)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Get("/stats", s.sessionStats)
		r.Post("/cleanup", s.cleanupSessions)
	})

	r.Route("/articles", func(r chi.Router) {
		r.Get("/", s.listArticles)
		r.Post("/", s.createArticle)
		r.Get("/{id}", s.getArticle)
	})

	r.Get("/operations", s.listOperations)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("control plane listening", zap.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Process Handlers ---

func (s *Server) processStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.ProcessStatus(r.Context())
	s.respond(w, http.StatusOK, st, err)
}

func (s *Server) processHealth(w http.ResponseWriter, r *http.Request) {
	hs, err := s.service.ProcessHealth(r.Context())
	s.respond(w, http.StatusOK, hs, err)
}

func (s *Server) processSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.LatestSnapshot(r.Context())
	s.respond(w, http.StatusOK, snap, err)
}

// StartRequest is the body of POST /process/start.
type StartRequest struct {
	DaysBack   int    `json:"days_back"`
	ResumeFrom string `json:"resume_from,omitempty"`
}

func (s *Server) startProcess(w http.ResponseWriter, r *http.Request) {
	req := StartRequest{DaysBack: 7}
	if !decodeOptional(w, r, &req) {
		return
	}
	st, err := s.service.StartProcess(r.Context(), req.DaysBack, req.ResumeFrom)
	s.respond(w, http.StatusOK, st, err)
}

func (s *Server) pauseProcess(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.PauseProcess(r.Context())
	s.respond(w, http.StatusOK, st, err)
}

func (s *Server) resumeProcess(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.ResumeProcess(r.Context())
	s.respond(w, http.StatusOK, st, err)
}

// StopRequest is the body of POST /process/stop.
type StopRequest struct {
	TimeoutSec int `json:"timeout_sec"`
}

// StopResponse reports how the process was stopped.
type StopResponse struct {
	Stopped bool `json:"stopped"`
	Forced  bool `json:"forced"`
}

func (s *Server) stopProcess(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	forced, err := s.service.StopProcess(r.Context(), time.Duration(req.TimeoutSec)*time.Second)
	s.respond(w, http.StatusOK, StopResponse{Stopped: err == nil, Forced: forced}, err)
}

// EmergencyStopResponse lists the killed pids.
type EmergencyStopResponse struct {
	Killed []int32 `json:"killed_processes"`
}

func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	killed, err := s.service.EmergencyStop(r.Context())
	if killed == nil {
		killed = []int32{}
	}
	s.respond(w, http.StatusOK, EmergencyStopResponse{Killed: killed}, err)
}

func (s *Server) updateProgress(w http.ResponseWriter, r *http.Request) {
	var req process.ProgressUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := s.service.UpdateProgress(req)
	s.respond(w, http.StatusOK, p, err)
}

func (s *Server) cleanupMemory(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.CleanupMemory(r.Context())
	s.respond(w, http.StatusOK, res, err)
}

// RecoveryRequest is the body of POST /process/recovery.
type RecoveryRequest struct {
	Enabled     bool `json:"enabled"`
	MaxAttempts *int `json:"max_attempts,omitempty"`
}

func (s *Server) configureRecovery(w http.ResponseWriter, r *http.Request) {
	var req RecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	maxAttempts := -1
	if req.MaxAttempts != nil {
		maxAttempts = *req.MaxAttempts
	}
	st, err := s.service.ConfigureRecovery(r.Context(), req.Enabled, maxAttempts)
	s.respond(w, http.StatusOK, st, err)
}

// --- Session Handlers ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.ListSessions(r.Context(), r.URL.Query().Get("status"))
	if sessions == nil {
		sessions = []models.Session{}
	}
	s.respond(w, http.StatusOK, sessions, err)
}

func (s *Server) sessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.SessionStats(r.Context())
	s.respond(w, http.StatusOK, stats, err)
}

// CleanupRequest is the optional body of POST /sessions/cleanup.
type CleanupRequest struct {
	TimeoutSec int `json:"timeout_sec"`
}

func (s *Server) cleanupSessions(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := s.service.CleanupSessions(r.Context(), time.Duration(req.TimeoutSec)*time.Second)
	s.respond(w, http.StatusOK, res, err)
}

// --- Article Handlers ---

func (s *Server) listArticles(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	articles, err := s.service.ListArticles(r.Context(), r.URL.Query().Get("status"), limit)
	if articles == nil {
		articles = []models.Article{}
	}
	s.respond(w, http.StatusOK, articles, err)
}

func (s *Server) createArticle(w http.ResponseWriter, r *http.Request) {
	var req store.NewArticle
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	a, err := s.service.CreateArticle(r.Context(), req)
	s.respond(w, http.StatusCreated, a, err)
}

func (s *Server) getArticle(w http.ResponseWriter, r *http.Request) {
	a, err := s.service.GetArticle(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, a, err)
}

// --- Operation Handlers ---

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	ops, err := s.service.ListOperations(r.Context(), limit)
	if ops == nil {
		ops = []models.OperationRecord{}
	}
	s.respond(w, http.StatusOK, ops, err)
}

// --- helpers ---

// respond writes payload with status, or the mapped error.
func (s *Server) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			s.logger.Error("request failed", zap.Error(err))
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, status, payload)
}

// decodeOptional decodes a JSON body into dst when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
