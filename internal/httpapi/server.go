// Package httpapi is the operator-facing HTTP surface: uploads, job
// submission, destination management, the concurrency knob and a live log
// stream.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/crypto/bcrypt"

	"postbot/internal/model"
	"postbot/internal/registry"
	"postbot/internal/schedule"
	logx "postbot/pkg/logx"
)

// Config is the hot-reloadable part of the server. Addr, CORSOrigins and
// Pprof are read once at Serve/Router time.
type Config struct {
	Addr           string
	UploadDir      string
	Username       string
	Password       string
	PasswordHash   string
	CORSOrigins    []string
	MaxUploadFiles int
	MaxUploadBytes int64
	ReadTimeout    time.Duration
	IdleTimeout    time.Duration
	Pprof          bool
}

type Queue interface {
	Enqueue(req model.JobRequest) (string, error)
	Snapshot() []model.Job
	Len() int
	Processing() bool
}

type Registry interface {
	Categories() []string
	All() map[string][]model.Destination
	Add(category, url, name string) error
	Remove(category, url string) error
	ToggleBroadcast(url string) (bool, error)
	TogglePause(url string) (bool, error)
	ResetFailure(url string) error
	Rename(url, name string) error
	Update(oldURL, newURL, name string) error
	Import(doc map[string][]json.RawMessage) (registry.ImportStats, error)
	AddCategory(name string) error
	RemoveCategory(name string) error
	RenameCategory(oldName, newName string) error
}

// Concurrency is the batch scheduler's tab-parallelism knob.
type Concurrency interface {
	Concurrency() int
	SetConcurrency(n int) error
}

type Session interface {
	Exists() bool
	Logout() error
}

type History interface {
	RecentOutcomes(ctx context.Context, limit int) ([]model.Outcome, error)
}

type LogFeed interface {
	Subscribe(buffer int) (<-chan logx.Entry, func())
}

type Schedules interface {
	Snapshot() []schedule.Entry
	RunNow(name string) (string, error)
}

// Deps are the collaborators behind the routes. Logs and Schedules may be nil.
type Deps struct {
	Queue       Queue
	Registry    Registry
	Concurrency Concurrency
	Session     Session
	History     History
	Logs        LogFeed
	Schedules   Schedules
	Log         logx.Logger
}

type Server struct {
	d   Deps
	log logx.Logger
	cfg atomic.Pointer[Config]

	// heartbeat is the SSE keep-alive period.
	heartbeat time.Duration
}

func New(cfg Config, d Deps) *Server {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{d: d, log: log.With(logx.String("comp", "http")), heartbeat: 15 * time.Second}
	s.Apply(cfg)
	return s
}

// Apply swaps the runtime config. Auth and upload limits take effect on the
// next request.
func (s *Server) Apply(cfg Config) {
	if cfg.MaxUploadFiles <= 0 {
		cfg.MaxUploadFiles = 10
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	s.cfg.Store(&cfg)
}

func (s *Server) config() Config { return *s.cfg.Load() }

func (s *Server) Router() http.Handler {
	cfg := s.config()
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLog)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)

		r.Get("/health", s.handleHealth)
		r.Get("/logs", s.handleLogs)

		r.Post("/uploads", s.handleUpload)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Get("/history", s.handleHistory)
		})

		r.Route("/destinations", func(r chi.Router) {
			r.Get("/", s.handleListDestinations)
			r.Post("/add", s.handleAddDestination)
			r.Post("/remove", s.handleRemoveDestination)
			r.Post("/update", s.handleUpdateDestination)
			r.Post("/rename", s.handleRenameDestination)
			r.Post("/import", s.handleImport)
			r.Post("/reset-failure", s.handleResetFailure)
			r.Post("/toggle-pause", s.handleTogglePause)
			r.Post("/toggle-broadcast", s.handleToggleBroadcast)
		})

		r.Route("/categories", func(r chi.Router) {
			r.Post("/add", s.handleAddCategory)
			r.Post("/remove", s.handleRemoveCategory)
			r.Post("/rename", s.handleRenameCategory)
		})

		r.Get("/admin/concurrency", s.handleGetConcurrency)
		r.Put("/admin/concurrency", s.handleSetConcurrency)

		r.Get("/session", s.handleSession)
		r.Delete("/session", s.handleLogout)

		r.Get("/schedules", s.handleSchedules)
		r.Post("/schedules/{name}/run", s.handleRunSchedule)

		if cfg.Pprof {
			r.Mount("/debug", chimw.Profiler())
		}
	})

	return r
}

// Serve listens on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.config()
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	return nil
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		// the live log stream would otherwise log itself forever
		if r.URL.Path == "/api/logs" || r.URL.Path == "/healthz" {
			return
		}
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", chimw.GetReqID(r.Context())),
		)
	})
}

// auth enforces HTTP basic auth when a username is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.config()
		if cfg.Username == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !checkCredentials(cfg, user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="postbot"`)
			writeErr(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func checkCredentials(cfg Config, user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.Username)) == 1
	var passOK bool
	if cfg.PasswordHash != "" {
		passOK = bcrypt.CompareHashAndPassword([]byte(cfg.PasswordHash), []byte(pass)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.Password)) == 1
	}
	return userOK && passOK
}
