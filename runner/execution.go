package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/port"
	"github.com/rs/zerolog"
)

// Payload starts one execution. It is trusted input.
type Payload = events.Execute

// State is the lifecycle state of an execution.
type State int

const (
	StateSpawning State = iota
	StateRunning
	StateFinished
	StateErrored
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateErrored:
		return "errored"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateErrored || s == StateKilled
}

// canTransition encodes Spawning -> Running -> {Finished|Errored|Killed},
// with Errored and Killed also reachable straight from Spawning.
func canTransition(from, to State) bool {
	switch from {
	case StateSpawning:
		return to == StateRunning || to == StateErrored || to == StateKilled
	case StateRunning:
		return to.Terminal()
	default:
		return false
	}
}

// CrashMessage is reported when a worker exits without finishing.
const CrashMessage = "extension crashed"

// crashGrace bounds how long a dead worker's output may keep draining.
const crashGrace = time.Second

// Outcome describes how an execution ended.
type Outcome struct {
	State   State
	Error   string
	Console []events.ConsoleMessage
}

// Execution is one run of one command in its own worker.
type Execution struct {
	payload Payload
	host    *Host
	log     zerolog.Logger

	mu      sync.Mutex
	state   State
	worker  Worker
	port    *port.Port
	console []events.ConsoleMessage
	outcome Outcome

	teardownOnce sync.Once
	teardownErr  error
	done         chan struct{}
}

func newExecution(h *Host, payload Payload) *Execution {
	return &Execution{
		payload: payload,
		host:    h,
		log:     h.log.With().Str("execution", payload.ExecutionId).Str("command", payload.CommandId).Logger(),
		state:   StateSpawning,
		done:    make(chan struct{}),
	}
}

// ID returns the execution id.
func (e *Execution) ID() string { return e.payload.ExecutionId }

// Payload returns the launch payload.
func (e *Execution) Payload() Payload { return e.payload }

// State returns the current state.
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Port returns the host end of the worker's port, or nil before spawn.
func (e *Execution) Port() *port.Port {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port
}

// Console returns the console lines received so far.
func (e *Execution) Console() []events.ConsoleMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]events.ConsoleMessage(nil), e.console...)
}

// Done is closed once the execution reaches a terminal state and its worker
// has been torn down.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Wait blocks until the execution ends or ctx is done.
func (e *Execution) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Kill terminates the execution. Killing a finished execution does nothing.
func (e *Execution) Kill() error {
	if !e.finish(StateKilled, "") {
		return nil
	}
	return e.teardownErr
}

func (e *Execution) bind(w Worker, p *port.Port) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.worker = w
	e.port = p
}

func (e *Execution) transition(to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !canTransition(e.state, to) {
		return false
	}
	e.state = to
	return true
}

// finish moves to a terminal state, tears the worker down and notifies the
// sink. Only the first caller wins.
func (e *Execution) finish(to State, errMsg string) bool {
	e.mu.Lock()
	if !canTransition(e.state, to) {
		e.mu.Unlock()
		return false
	}
	e.state = to
	e.outcome = Outcome{State: to, Error: errMsg, Console: append([]events.ConsoleMessage(nil), e.console...)}
	out := e.outcome
	e.mu.Unlock()

	e.teardown()
	e.host.forget(e)
	e.log.Debug().Stringer("state", to).Str("error", errMsg).Msg("execution ended")
	e.host.sink.Finished(e, out)
	close(e.done)
	return true
}

func (e *Execution) teardown() {
	e.teardownOnce.Do(func() {
		e.mu.Lock()
		p, w := e.port, e.worker
		e.mu.Unlock()

		var result *multierror.Error
		if p != nil {
			if err := p.Destroy(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close port: %w", err))
			}
		}
		if w != nil {
			if err := w.Kill(); err != nil {
				result = multierror.Append(result, fmt.Errorf("kill worker: %w", err))
			}
		}
		e.teardownErr = result.ErrorOrNil()
		if e.teardownErr != nil {
			e.log.Warn().Err(e.teardownErr).Msg("teardown incomplete")
		}
	})
}

func (e *Execution) onConsole(msg events.ConsoleMessage) {
	e.mu.Lock()
	e.console = append(e.console, msg)
	e.mu.Unlock()
	e.host.sink.Console(e, msg)
}

func (e *Execution) onFinished(f events.Finished) {
	if f.Status == events.StatusErrored {
		e.finish(StateErrored, f.Error)
		return
	}
	e.finish(StateFinished, "")
}

// watch marks the execution crashed when the worker dies without finishing.
func (e *Execution) watch(w Worker, p *port.Port) {
	select {
	case <-p.Done():
	case <-w.Exited():
		// let the port drain what the worker wrote before exiting
		select {
		case <-p.Done():
		case <-e.done:
		case <-time.After(crashGrace):
		}
	case <-e.done:
		return
	}
	if e.finish(StateErrored, CrashMessage) {
		e.log.Warn().AnErr("exit", w.ExitErr()).Msg(CrashMessage)
	}
}
