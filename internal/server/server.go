// Package server wires the daemon hub, browser hub, and HTTP control
// surface together into the running process.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/agenthq/server/internal/authstore"
	"github.com/agenthq/server/internal/config"
	"github.com/agenthq/server/internal/configstore"
	"github.com/agenthq/server/internal/domain"
)

// Server is the process composition root: it owns every store, both hubs,
// and the HTTP listener built on top of them.
type Server struct {
	cfg *config.Config

	configStore *configstore.Store
	authStore   *authstore.Store

	envs      *domain.EnvironmentStore
	repos     *domain.RepoStore
	worktrees *domain.WorktreeStore
	processes *domain.ProcessStore

	daemons  *DaemonHub
	browsers *BrowserHub

	httpServer *http.Server

	cleanupStop chan struct{}
}

// New builds the server and every collaborator it owns, but does not yet
// bind a listening socket — call Start for that.
func New(cfg *config.Config) (*Server, error) {
	cs, err := configstore.Open(cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("open config store: %w", err)
	}

	as, err := authstore.Open(
		filepath.Join(cfg.WorkspaceDir, ".agenthq-meta", "auth.db"),
		authstore.ScryptParams{N: cfg.ScryptN, R: cfg.ScryptR, P: cfg.ScryptP},
	)
	if err != nil {
		return nil, fmt.Errorf("open auth store: %w", err)
	}

	envs := domain.NewEnvironmentStore()
	repos := domain.NewRepoStore()
	worktrees := domain.NewWorktreeStore()
	processes := domain.NewProcessStore(cfg.ProcessBufferSize)

	if err := repos.ScanLocal(cfg.WorkspaceDir, "main"); err != nil {
		slog.Warn("scan local repos failed", "error", err)
	}
	for _, r := range repos.ListForEnv(domain.LocalEnvironmentID) {
		worktrees.RegisterMain(r.Name, r.Path, r.DefaultBranch, domain.LocalEnvironmentID)
	}

	if cfg.SeedUsername != "" && cfg.SeedPassword != "" {
		if err := as.SeedUser(uuid.NewString(), cfg.SeedUsername, cfg.SeedPassword); err != nil {
			slog.Warn("seed operator account failed", "error", err)
		}
	}

	browsers := NewBrowserHub(as, envs, worktrees, processes, cfg.WSReadBufferSize, cfg.WSWriteBufferSize)
	daemons := NewDaemonHub(envs, repos, worktrees, processes, cs, browsers, cfg.WSReadBufferSize, cfg.WSWriteBufferSize)
	browsers.SetDaemonHub(daemons)

	s := &Server{
		cfg:         cfg,
		configStore: cs,
		authStore:   as,
		envs:        envs,
		repos:       repos,
		worktrees:   worktrees,
		processes:   processes,
		daemons:     daemons,
		browsers:    browsers,
		cleanupStop: make(chan struct{}),
	}

	router := s.routes()
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(router, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// Start runs the session-cleanup ticker and blocks serving HTTP.
func (s *Server) Start() error {
	go s.cleanupExpiredSessions()
	slog.Info("starting agenthq server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop shuts down in order: the session-cleanup goroutine first, then the
// auth database, then the HTTP listener. Open daemon and browser WebSocket
// connections are not closed by it.
func (s *Server) Stop(ctx context.Context) error {
	close(s.cleanupStop)

	if err := s.authStore.Close(); err != nil {
		slog.Warn("close auth store", "error", err)
	}

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) cleanupExpiredSessions() {
	ticker := time.NewTicker(s.cfg.SessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := s.authStore.CleanupExpired(); err != nil {
				slog.Warn("session cleanup failed", "error", err)
			} else if n > 0 {
				slog.Debug("cleaned up expired sessions", "count", n)
			}
		case <-s.cleanupStop:
			return
		}
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Get("/ws/daemon", s.daemons.ServeHTTP)
	r.Get("/ws/browser", s.browsers.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/login-pin", s.handleLoginWithPin)
		r.Post("/auth/logout", s.handleLogout)
		r.Post("/auth/device-pin", s.handleSetDevicePin)

		r.Post("/repos/{name}/worktrees", s.handleCreateWorktree)
		r.Delete("/worktrees/{id}", s.handleRemoveWorktree)
		r.Post("/worktrees/{id}/processes", s.handleSpawnProcess)
		r.Post("/worktrees/{id}/diff", s.handleWorktreeDiff)
		r.Post("/worktrees/{id}/merge", s.handleWorktreeMerge)
		r.Delete("/processes/{id}", s.handleRemoveProcess)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// requestLogger emits one structured log line per request, in the style
// the rest of this codebase uses for slog: a short message plus key/value
// attributes, no printf formatting.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers for origins on the allow list: "*",
// exact matches, and "scheme://*.suffix" wildcard patterns. The websocket
// upgrades do not consult this list.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, candidate := range allowed {
		if candidate == "*" || candidate == origin {
			return true
		}
		if idx := strings.Index(candidate, "*."); idx >= 0 {
			prefix, suffix := candidate[:idx], candidate[idx+1:]
			if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}
