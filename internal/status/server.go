// Package status serves the local HTTP status and debug API.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lurker/internal/eventbus"
	"lurker/internal/lurker"
	"lurker/internal/platform/local"
	"lurker/internal/storage"
	logx "lurker/pkg/logx"
)

// Coordinator is the part of *lurker.Lurker the API reads.
type Coordinator interface {
	Snapshot() lurker.Snapshot
}

// Platform is the part of *local.Scheduler the API reads and drives.
type Platform interface {
	Snapshot() local.Snapshot
	Launch(identifier string) (string, error)
	Expire(identifier string) error
}

// Runs is the read side of storage.Store.
type Runs interface {
	RecentRuns(ctx context.Context, q storage.Query) ([]storage.RunRecord, error)
}

// Server is the status API.
type Server struct {
	router    chi.Router
	log       logx.Logger
	startTime time.Time

	coord    Coordinator
	platform Platform
	runs     Runs
	busStats func() eventbus.Stats
	extra    map[string]func() any
	profiler bool
}

type Option func(*Server)

// WithRuns enables GET /runs.
func WithRuns(r Runs) Option { return func(s *Server) { s.runs = r } }

// WithBusStats adds bus counters to /snapshot.
func WithBusStats(fn func() eventbus.Stats) Option { return func(s *Server) { s.busStats = fn } }

// WithProfiler mounts the pprof handlers under /debug.
func WithProfiler() Option { return func(s *Server) { s.profiler = true } }

// WithSection adds a named value to /snapshot.
func WithSection(name string, fn func() any) Option {
	return func(s *Server) {
		if s.extra == nil {
			s.extra = map[string]func() any{}
		}
		s.extra[name] = fn
	}
}

// New creates a Server with all routes registered.
func New(coord Coordinator, platform Platform, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		router:    chi.NewRouter(),
		log:       log.With(logx.String("comp", "status")),
		startTime: time.Now(),
		coord:     coord,
		platform:  platform,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/runs", s.handleRuns)
	r.Route("/missions", func(r chi.Router) {
		r.Get("/", s.handleMissions)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/launch", s.handleLaunch)
			r.Post("/expire", s.handleExpire)
		})
	})
	if s.profiler {
		r.Mount("/debug", middleware.Profiler())
	}
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serveListener(ctx, ln)
}

func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("status api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}
