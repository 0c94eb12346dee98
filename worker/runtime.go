// Package worker is the extension side of an execution. It waits for the
// host's init payload, runs the requested command and reports the outcome.
// Extension code only reaches the host through the API it is handed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/port"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Launch is the execution payload delivered in the init message.
type Launch = events.Execute

// Command is extension code. A returned error or a panic marks the
// execution as errored.
type Command func(ctx context.Context, api *API) error

// ErrNoInit is returned when the channel dies before the host sends init.
var ErrNoInit = errors.New("worker: channel closed before init")

// Runtime holds the commands this worker can run.
type Runtime struct {
	mu       sync.RWMutex
	commands map[string]Command
	log      zerolog.Logger
	limits   port.Limits
	stacks   bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// WithLimits sets the frame limits used by ServeStdio.
func WithLimits(limits port.Limits) Option {
	return func(r *Runtime) { r.limits = limits }
}

// WithStackTraces appends panic stacks to the console error of a crashed
// command. Meant for development builds.
func WithStackTraces() Option {
	return func(r *Runtime) { r.stacks = true }
}

// NewRuntime creates an empty runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		commands: make(map[string]Command),
		log:      zerolog.Nop(),
		limits:   port.DefaultLimits(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a command under commandId, replacing any previous one.
func (r *Runtime) Register(commandId string, cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[commandId] = cmd
}

// Commands returns the registered command ids, sorted.
func (r *Runtime) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := lo.Keys(r.commands)
	sort.Strings(ids)
	return ids
}

func (r *Runtime) lookup(commandId string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[commandId]
	return cmd, ok
}

// ServeStdio serves one execution over the process's stdin and stdout.
func (r *Runtime) ServeStdio(ctx context.Context) error {
	ch := port.NewStreamChannel(os.Stdin, os.Stdout, os.Stdin)
	ch.SetLimits(r.limits)
	return r.Serve(ctx, ch)
}

// Serve runs exactly one execution over ch: it binds to the first init
// message, runs the command and emits console and runner:finished
// notifications. It returns once the host closes the channel or ctx ends.
func (r *Runtime) Serve(ctx context.Context, ch port.Channel) error {
	inits := make(chan *port.Envelope, 1)
	p := port.New(ch,
		port.WithLogger(r.log),
		port.WithInitHandler(func(env *port.Envelope) {
			select {
			case inits <- env:
			default:
				r.log.Debug().Msg("ignoring repeated init")
			}
		}),
	)
	defer p.Destroy()

	var launch Launch
	select {
	case env := <-inits:
		if err := env.DecodeArg(0, &launch); err != nil {
			r.log.Error().Err(err).Msg("undecodable init payload")
			_ = events.Emit(p, events.Finish, events.Finished{Status: events.StatusErrored, Error: "invalid launch payload"})
			return r.waitHost(ctx, p, fmt.Errorf("decode init: %w", err))
		}
	case <-p.Done():
		return ErrNoInit
	case <-ctx.Done():
		return ctx.Err()
	}

	log := r.log.With().Str("execution", launch.ExecutionId).Str("command", launch.CommandId).Logger()
	api := NewAPI(p, launch)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := r.run(runCtx, api)
	finished := events.Finished{Status: events.StatusFinished}
	if err != nil {
		log.Warn().Err(err).Msg("command failed")
		api.Console().Error(err.Error())
		finished = events.Finished{Status: events.StatusErrored, Error: err.Error()}
	}
	if emitErr := events.Emit(p, events.Finish, finished); emitErr != nil {
		log.Debug().Err(emitErr).Msg("finish signal not delivered")
	}
	return r.waitHost(ctx, p, nil)
}

// waitHost blocks until the host tears the channel down.
func (r *Runtime) waitHost(ctx context.Context, p *port.Port, err error) error {
	select {
	case <-p.Done():
	case <-ctx.Done():
	}
	return err
}

func (r *Runtime) run(ctx context.Context, api *API) (err error) {
	cmd, ok := r.lookup(api.launch.CommandId)
	if !ok {
		return fmt.Errorf("command %q is not provided by this worker", api.launch.CommandId)
	}
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			r.log.Error().Interface("panic", rec).Bytes("stack", stack).Msg("command panicked")
			if r.stacks {
				err = fmt.Errorf("uncaught: %v\n%s", rec, stack)
				return
			}
			err = fmt.Errorf("uncaught: %v", rec)
		}
	}()
	return cmd(ctx, api)
}
