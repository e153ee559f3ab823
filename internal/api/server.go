// Package api exposes claim triggers and job progress over HTTP for the
// admin console.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"claimbot/internal/claim"
	"claimbot/internal/orchestrator"
	"claimbot/pkg/logx"
)

// Orchestrator is the subset of the job orchestrator the API drives.
type Orchestrator interface {
	StartClaimJob(ctx context.Context, accountIDs []string, trigger claim.Trigger) (string, error)
	StartClaimAll(ctx context.Context, trigger claim.Trigger) (string, error)
	GetJobStatus(processID string) (claim.Job, bool)
	ListActiveJobs() []claim.Job
}

type Config struct {
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	Pprof        bool
}

type Server struct {
	cfg  Config
	orch Orchestrator
	log  logx.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, orch Orchestrator, log logx.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return &Server{cfg: cfg, orch: orch, log: log.With(logx.String("comp", "api"))}
}

type startResponse struct {
	ProcessID string `json:"processId"`
}

type claimUsersRequest struct {
	UserIDs []string `json:"userIds"`
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Post("/claim-all", s.claimAll)
		r.Post("/claim-users", s.claimUsers)
		r.Get("/claim-progress", s.listProgress)
		r.Get("/claim-progress/{processId}", s.getProgress)
		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) claimAll(w http.ResponseWriter, r *http.Request) {
	id, err := s.orch.StartClaimAll(r.Context(), claim.TriggerAPI)
	if err != nil {
		s.startFailed(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{ProcessID: id})
}

func (s *Server) claimUsers(w http.ResponseWriter, r *http.Request) {
	var req claimUsersRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ids := make([]string, 0, len(req.UserIDs))
	for _, id := range req.UserIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "userIds must be a non-empty list")
		return
	}
	id, err := s.orch.StartClaimJob(r.Context(), ids, claim.TriggerAPI)
	if err != nil {
		s.startFailed(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{ProcessID: id})
}

func (s *Server) startFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrStopped) {
		writeError(w, http.StatusServiceUnavailable, "orchestrator is shutting down")
		return
	}
	s.log.Error("claim job not started", logx.Err(err))
	writeError(w, http.StatusInternalServerError, "failed to start claim job")
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	j, ok := s.orch.GetJobStatus(chi.URLParam(r, "processId"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) listProgress(w http.ResponseWriter, _ *http.Request) {
	jobs := s.orch.ListActiveJobs()
	if jobs == nil {
		jobs = []claim.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.srv, s.ln = srv, ln
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server exited", logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.Token != ""))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
