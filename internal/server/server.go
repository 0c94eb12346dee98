// Package server exposes the runner host to palette UIs over websockets. Each
// connection is a port session that can launch and kill executions and use
// the file relay; console output and outcomes flow back to the session that
// launched the execution.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/machinefabric/altport-go/internal/config"
	"github.com/machinefabric/altport-go/internal/logger"
	"github.com/machinefabric/altport-go/manifest"
	"github.com/machinefabric/altport-go/relay"
	"github.com/machinefabric/altport-go/runner"
	"github.com/rs/zerolog"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetServerLogger()
		log = &l
	})
	return log
}

// Server is the websocket front of a runner host.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	upgrader   websocket.Upgrader

	host       *runner.Host
	fanout     *Fanout
	registry   *manifest.Registry
	background *relay.Background

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// New wires the routes. It does not start listening; call Run for that.
// registry and background may be nil: without a registry execute payloads are
// taken as sent, without a background the file relay names are not served.
func New(
	cfg *config.ServerConfig,
	host *runner.Host,
	fanout *Fanout,
	registry *manifest.Registry,
	background *relay.Background,
) *Server {
	s := &Server{
		upgrader:   newUpgrader(cfg.AllowedOrigins),
		host:       host,
		fanout:     fanout,
		registry:   registry,
		background: background,
		sessions:   make(map[*session]struct{}),
	}

	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(Logger)

	r.Get("/healthz", s.healthz)
	r.Get("/executions", s.executions)
	r.Get("/commands", s.commands)
	r.Get("/ws", s.handleWebSocket)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then closes every session.
func (s *Server) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		getLog().Info().Str("addr", s.httpServer.Addr).Msg("server listening")
		errs <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Shutdown(shutdownCtx)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes open sessions. Hijacked
// websocket connections are not tracked by http.Server, so they are closed
// here.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		_ = sess.port.Destroy()
	}
	return err
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
