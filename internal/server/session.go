package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/internal/logger"
	"github.com/machinefabric/altport-go/manifest"
	"github.com/machinefabric/altport-go/port"
	"github.com/rs/zerolog"
)

// Error codes of session requests.
const (
	CodeUnknownCommand     = "UNKNOWN_COMMAND"
	CodeExecutionNotFound  = "EXECUTION_NOT_FOUND"
	CodeSpawnFailed        = "SPAWN_FAILED"
	CodeDuplicateExecution = "DUPLICATE_EXECUTION"
)

// Hello is the init a client posts to open a session. Requests sent after it
// are served.
type Hello struct {
	Client string `json:"client,omitempty"`
}

// Welcome is the init the server posts back.
type Welcome struct {
	Session  string           `json:"session"`
	Commands []manifest.Entry `json:"commands,omitempty"`
}

// newUpgrader accepts any origin when allowedOrigins is empty, otherwise only
// the listed ones.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// session is one connected UI.
type session struct {
	id   string
	port *port.Port
	log  zerolog.Logger
}

// handleWebSocket handles GET /ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered
		getLog().Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}

	sess := &session{id: uuid.NewString()}
	sess.log = getLog().With().Str("session", sess.id).Logger()

	var once sync.Once
	self := make(chan *port.Port, 1)
	p := port.New(port.NewWebSocketChannel(conn),
		port.WithLogger(logger.GetPortLogger().With().Str("port", "session").Str("session", sess.id).Logger()),
		port.WithInitHandler(func(env *port.Envelope) {
			first := false
			once.Do(func() { first = true })
			if !first {
				sess.log.Debug().Msg("ignoring repeated hello")
				return
			}
			var hello Hello
			if err := env.DecodeArg(0, &hello); err != nil {
				sess.log.Warn().Err(err).Msg("bad hello")
			}
			// handlers go in before the port reads past hello
			s.bind(sess, <-self, hello)
		}),
	)
	sess.port = p
	self <- p
	s.addSession(sess)
	getLog().Info().Str("session", sess.id).Str("remote", r.RemoteAddr).Msg("session opened")

	go func() {
		<-p.Done()
		s.close(sess)
	}()
}

func (s *Server) bind(sess *session, p *port.Port, hello Hello) {
	if _, err := events.Handle(p, events.ExecuteCommand, s.execute(sess)); err != nil {
		sess.log.Error().Err(err).Msg("bind execute")
	}
	if _, err := events.Handle(p, events.KillCommand, s.kill(sess)); err != nil {
		sess.log.Error().Err(err).Msg("bind kill")
	}
	if s.background != nil {
		if err := s.background.Register(p); err != nil {
			sess.log.Error().Err(err).Msg("bind file relay")
		}
	}

	welcome := Welcome{Session: sess.id}
	if s.registry != nil {
		welcome.Commands = s.registry.Commands()
	}
	if err := p.PostInit(welcome); err != nil {
		sess.log.Debug().Err(err).Msg("welcome not delivered")
	}
	sess.log.Debug().Str("client", hello.Client).Msg("session bound")
}

func (s *Server) execute(sess *session) func(context.Context, events.Execute) (events.Started, error) {
	return func(_ context.Context, req events.Execute) (events.Started, error) {
		payload := req
		if s.registry != nil {
			resolved, err := s.registry.Payload(req.ExtensionId, req.CommandId, manifest.Launch{
				Arguments:      req.Arguments,
				Context:        req.LaunchContext,
				BrowserContext: req.BrowserContext,
			})
			if err != nil {
				return events.Started{}, &port.RemoteError{Code: CodeUnknownCommand, Message: err.Error()}
			}
			payload = resolved
		} else if payload.ExecutionId == "" {
			payload.ExecutionId = uuid.NewString()
		}

		// claim first so early console output finds its session
		if !s.fanout.claim(payload.ExecutionId, sess) {
			return events.Started{}, &port.RemoteError{
				Code:    CodeDuplicateExecution,
				Message: fmt.Sprintf("execution %q is already live", payload.ExecutionId),
			}
		}
		// executions outlive the request that started them
		if _, err := s.host.Execute(context.Background(), payload); err != nil {
			s.fanout.release(payload.ExecutionId)
			return events.Started{}, &port.RemoteError{Code: CodeSpawnFailed, Message: err.Error()}
		}
		sess.log.Info().Str("execution", payload.ExecutionId).
			Str("extension", payload.ExtensionId).Str("command", payload.CommandId).Msg("execution started")
		return events.Started{ExecutionId: payload.ExecutionId}, nil
	}
}

func (s *Server) kill(sess *session) func(context.Context, events.Kill) (events.None, error) {
	return func(_ context.Context, req events.Kill) (events.None, error) {
		e, ok := s.host.Get(req.ExecutionId)
		if !ok || s.fanout.owner(req.ExecutionId) != sess {
			return events.None{}, &port.RemoteError{
				Code:    CodeExecutionNotFound,
				Message: fmt.Sprintf("no execution %q in this session", req.ExecutionId),
			}
		}
		return events.None{}, e.Kill()
	}
}

// close kills what the session launched; nobody is left to see its output.
func (s *Server) close(sess *session) {
	s.removeSession(sess)
	for _, id := range s.fanout.owned(sess) {
		if e, ok := s.host.Get(id); ok {
			if err := e.Kill(); err != nil {
				sess.log.Warn().Err(err).Str("execution", id).Msg("kill on disconnect")
			}
		}
		s.fanout.release(id)
	}
	getLog().Info().Str("session", sess.id).Msg("session closed")
}
