// Package runner launches extension commands in isolated workers, binds a
// port to each worker and relays console output and completion to the UI.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/port"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// RunnerError represents failures of the runner host.
type RunnerError struct {
	Type    RunnerErrorType
	Message string
}

type RunnerErrorType int

const (
	RunnerErrorTypeSpawn RunnerErrorType = iota
	RunnerErrorTypeBind
	RunnerErrorTypeClosed
	RunnerErrorTypeDuplicate
)

func (e *RunnerError) Error() string {
	switch e.Type {
	case RunnerErrorTypeSpawn:
		return fmt.Sprintf("spawn failed: %s", e.Message)
	case RunnerErrorTypeBind:
		return fmt.Sprintf("bind failed: %s", e.Message)
	case RunnerErrorTypeClosed:
		return "runner host is closed"
	case RunnerErrorTypeDuplicate:
		return fmt.Sprintf("execution %s is already live", e.Message)
	default:
		return fmt.Sprintf("runner error: %s", e.Message)
	}
}

// Is matches on Type.
func (e *RunnerError) Is(target error) bool {
	t, ok := target.(*RunnerError)
	return ok && t.Type == e.Type
}

var (
	ErrSpawn     = &RunnerError{Type: RunnerErrorTypeSpawn}
	ErrBind      = &RunnerError{Type: RunnerErrorTypeBind}
	ErrClosed    = &RunnerError{Type: RunnerErrorTypeClosed}
	ErrDuplicate = &RunnerError{Type: RunnerErrorTypeDuplicate}
)

// Sink receives what executions report, typically to forward it to the UI.
type Sink interface {
	Console(e *Execution, msg events.ConsoleMessage)
	Finished(e *Execution, out Outcome)
}

// LogSink writes execution output to a logger.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Console(e *Execution, msg events.ConsoleMessage) {
	ev := s.Log.Info()
	switch msg.Level {
	case events.LevelError:
		ev = s.Log.Error()
	case events.LevelWarn:
		ev = s.Log.Warn()
	case events.LevelDebug:
		ev = s.Log.Debug()
	}
	ev.Str("execution", e.ID()).Str("extension", msg.Extension).Str("command", msg.Command).
		Strs("args", msg.Args).Msg("console")
}

func (s LogSink) Finished(e *Execution, out Outcome) {
	s.Log.Info().Str("execution", e.ID()).Stringer("state", out.State).Str("error", out.Error).Msg("finished")
}

// Option configures a Host.
type Option func(*Host)

// WithSink sets where console output and outcomes go.
func WithSink(sink Sink) Option {
	return func(h *Host) { h.sink = sink }
}

// WithServices installs the restricted API on every execution.
func WithServices(s *Services) Option {
	return func(h *Host) { h.services = s }
}

// WithLogger sets the host logger.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Host) { h.log = log }
}

// WithCallTimeout bounds requests on execution ports. Zero disables it.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Host) { h.callTimeout = d }
}

// WithStackTraces exposes host handler panic stacks to workers.
func WithStackTraces() Option {
	return func(h *Host) { h.stacks = true }
}

// Host runs executions. A Host may run many executions at once; each has its
// own worker and port.
type Host struct {
	spawner     Spawner
	services    *Services
	sink        Sink
	log         zerolog.Logger
	callTimeout time.Duration
	stacks      bool

	mu     sync.Mutex
	live   map[string]*Execution
	closed bool
}

// NewHost creates a host that spawns workers with spawner.
func NewHost(spawner Spawner, opts ...Option) *Host {
	h := &Host{
		spawner:     spawner,
		log:         zerolog.Nop(),
		callTimeout: 10 * time.Minute,
		live:        make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sink == nil {
		h.sink = LogSink{Log: h.log}
	}
	return h
}

// Execute starts payload in a new worker and returns without waiting for it
// to finish. Every call creates a new Execution; a caller-supplied id that is
// still live is rejected with ErrDuplicate.
func (h *Host) Execute(ctx context.Context, payload Payload) (*Execution, error) {
	if payload.ExecutionId == "" {
		payload.ExecutionId = uuid.NewString()
	}
	e := newExecution(h, payload)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := h.live[e.ID()]; exists {
		h.mu.Unlock()
		return nil, &RunnerError{Type: RunnerErrorTypeDuplicate, Message: e.ID()}
	}
	h.live[e.ID()] = e
	h.mu.Unlock()

	w, ch, err := h.spawner.Spawn(ctx, payload, e.stderrLine)
	if err != nil {
		e.finish(StateErrored, err.Error())
		return nil, &RunnerError{Type: RunnerErrorTypeSpawn, Message: err.Error()}
	}

	opts := []port.Option{
		port.WithLogger(h.log.With().Str("port", "worker").Str("execution", e.ID()).Logger()),
		port.WithDefaultTimeout(h.callTimeout),
	}
	if h.stacks {
		opts = append(opts, port.WithStackTraces())
	}
	p := port.New(ch, opts...)
	e.bind(w, p)

	if h.services != nil {
		if err := h.services.Register(p, payload); err != nil {
			e.finish(StateErrored, err.Error())
			return nil, &RunnerError{Type: RunnerErrorTypeBind, Message: err.Error()}
		}
	}
	events.Listen(p, events.Console, e.onConsole)
	events.Listen(p, events.Finish, e.onFinished)

	if !e.transition(StateRunning) {
		// killed while spawning; the worker may not have been bound yet
		_ = p.Destroy()
		_ = w.Kill()
		return e, nil
	}

	if err := p.PostInit(payload); err != nil {
		// the worker may already be gone; watch reports the crash
		e.log.Warn().Err(err).Msg("init not delivered")
	}
	go e.watch(w, p)

	e.log.Debug().Str("extension", payload.ExtensionId).Msg("execution started")
	return e, nil
}

func (e *Execution) stderrLine(line string) {
	e.onConsole(events.ConsoleMessage{
		Level:     events.LevelWarn,
		Args:      []string{line},
		Extension: e.payload.ExtensionId,
		Command:   lo.Ternary(e.payload.Title != "", e.payload.Title, e.payload.CommandId),
		Time:      time.Now(),
	})
}

// Get returns a live execution.
func (h *Host) Get(id string) (*Execution, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.live[id]
	return e, ok
}

// Live returns the ids of running executions, sorted.
func (h *Host) Live() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := lo.Keys(h.live)
	sort.Strings(ids)
	return ids
}

func (h *Host) forget(e *Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.live[e.ID()]; ok && cur == e {
		delete(h.live, e.ID())
	}
}

// KillAll terminates every live execution, as when the owning window closes.
func (h *Host) KillAll() error {
	h.mu.Lock()
	execs := lo.Values(h.live)
	h.mu.Unlock()

	var result *multierror.Error
	for _, e := range execs {
		if err := e.Kill(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", e.ID(), err))
		}
	}
	return result.ErrorOrNil()
}

// Close kills every execution and refuses new ones.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.KillAll()
}
