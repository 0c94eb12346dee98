// Package viewbridge hosts extension views in sandboxes. The host keeps one
// end of a fresh channel per load and hands the other to the sandboxed
// frame together with an init message; UI events then flow over the port.
package viewbridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/port"
	"github.com/machinefabric/altport-go/runner"
	"github.com/rs/zerolog"
)

// State is the bridge lifecycle.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateBound
	StateClosed
	// StateErrored is terminal like StateClosed; the frame or its port died
	// without the view finishing.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Theme is the palette theme passed to views.
type Theme struct {
	Name   string            `json:"name"`
	Colors map[string]string `json:"colors,omitempty"`
}

// ViewInit is the init payload of a frame. Key changes on every load.
type ViewInit struct {
	Key    string         `json:"key"`
	Theme  Theme          `json:"theme"`
	Launch events.Execute `json:"launch"`
}

// Frame is a loaded sandbox instance.
type Frame interface {
	// Close discards the frame and waits for it to stop.
	Close() error
	// Done is closed when the frame has stopped on its own or was closed.
	Done() <-chan struct{}
}

// Sandbox loads frames. The frame owns ch from then on.
type Sandbox interface {
	Load(ctx context.Context, key string, ch port.Channel) (Frame, error)
}

// BridgeError represents failures of the bridge.
type BridgeError struct {
	Type    BridgeErrorType
	Message string
}

type BridgeErrorType int

const (
	BridgeErrorTypeState BridgeErrorType = iota
	BridgeErrorTypeLoad
	BridgeErrorTypeClosed
)

func (e *BridgeError) Error() string {
	switch e.Type {
	case BridgeErrorTypeState:
		return fmt.Sprintf("bridge: %s", e.Message)
	case BridgeErrorTypeLoad:
		return fmt.Sprintf("bridge: load failed: %s", e.Message)
	case BridgeErrorTypeClosed:
		return fmt.Sprintf("bridge: %s unexpectedly", e.Message)
	default:
		return fmt.Sprintf("bridge: %s", e.Message)
	}
}

// Is matches on Type.
func (e *BridgeError) Is(target error) bool {
	t, ok := target.(*BridgeError)
	return ok && t.Type == e.Type
}

var (
	ErrState  = &BridgeError{Type: BridgeErrorTypeState}
	ErrLoad   = &BridgeError{Type: BridgeErrorTypeLoad}
	ErrClosed = &BridgeError{Type: BridgeErrorTypeClosed}
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithServices exposes the restricted API to views.
func WithServices(s *runner.Services) Option {
	return func(b *Bridge) { b.services = s }
}

// OnClose is called once when the bridge closes.
func OnClose(fn func()) Option {
	return func(b *Bridge) { b.onClose = fn }
}

// OnConsole receives console output of the view.
func OnConsole(fn func(events.ConsoleMessage)) Option {
	return func(b *Bridge) { b.onConsole = fn }
}

// Bridge connects the host window to one sandboxed view.
type Bridge struct {
	sandbox  Sandbox
	services *runner.Services
	log      zerolog.Logger
	onClose  func()

	onConsole func(events.ConsoleMessage)

	mu    sync.Mutex
	state State
	init  ViewInit
	key   string
	port  *port.Port
	frame Frame
	depth int
	err   error

	closed chan struct{}
}

// NewBridge creates an idle bridge.
func NewBridge(sandbox Sandbox, opts ...Option) *Bridge {
	b := &Bridge{
		sandbox: sandbox,
		log:     zerolog.Nop(),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the bridge state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Key returns the key of the current frame.
func (b *Bridge) Key() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key
}

// Port returns the host end of the current frame's port.
func (b *Bridge) Port() *port.Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port
}

// Depth is the view's navigation depth as last reported.
func (b *Bridge) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth
}

// Closed is closed once the bridge is closed or errored.
func (b *Bridge) Closed() <-chan struct{} { return b.closed }

// Err reports why the bridge errored, or nil.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Open loads the view for init. The key in init is ignored; every load gets
// a fresh one.
func (b *Bridge) Open(ctx context.Context, init ViewInit) error {
	b.mu.Lock()
	if b.state != StateIdle {
		state := b.state
		b.mu.Unlock()
		return &BridgeError{Type: BridgeErrorTypeState, Message: fmt.Sprintf("open in state %s", state)}
	}
	b.init = init
	b.state = StateLoading
	b.mu.Unlock()
	return b.load(ctx)
}

func (b *Bridge) load(ctx context.Context) error {
	hostEnd, frameEnd := port.NewMessageChannel()
	key := uuid.NewString()
	p := port.New(hostEnd, port.WithLogger(b.log.With().Str("frame", key).Logger()))

	b.mu.Lock()
	init := b.init
	b.mu.Unlock()
	init.Key = key

	if b.services != nil {
		if err := b.services.Register(p, init.Launch); err != nil {
			p.Destroy()
			return b.failLoad(err)
		}
	}
	events.Listen(p, events.Console, func(msg events.ConsoleMessage) {
		if b.onConsole != nil {
			b.onConsole(msg)
			return
		}
		b.log.Info().Str("level", msg.Level).Strs("args", msg.Args).Msg("view console")
	})
	events.Listen(p, events.FinishExecute, func(events.None) {
		go b.Close()
	})
	events.Listen(p, events.Reload, func(events.None) {
		go func() {
			if err := b.reloadKey(context.Background(), key); err != nil {
				b.log.Warn().Err(err).Msg("reload requested by view failed")
			}
		}()
	})
	events.Listen(p, events.NavigationPush, func(nav events.Navigation) {
		b.mu.Lock()
		if b.key == key {
			b.depth = nav.Depth
		}
		b.mu.Unlock()
	})

	frame, err := b.sandbox.Load(ctx, key, frameEnd)
	if err != nil {
		p.Destroy()
		return b.failLoad(err)
	}

	b.mu.Lock()
	if b.state != StateLoading {
		// closed while the frame was loading
		b.mu.Unlock()
		p.Destroy()
		frame.Close()
		return &BridgeError{Type: BridgeErrorTypeState, Message: "closed during load"}
	}
	b.key, b.port, b.frame, b.depth = key, p, frame, 0
	b.state = StateBound
	b.mu.Unlock()

	go b.watch(key, p, frame)

	if err := p.PostInit(init); err != nil {
		b.mu.Lock()
		if b.state == StateBound && b.key == key {
			b.port, b.frame = nil, nil
			b.state = StateIdle
		}
		b.mu.Unlock()
		b.discard(p, frame)
		return &BridgeError{Type: BridgeErrorTypeLoad, Message: err.Error()}
	}
	b.log.Debug().Str("key", key).Str("command", init.Launch.CommandId).Msg("view bound")
	return nil
}

// watch errors the bridge when the frame bound under key stops or its port
// dies while still current. Discarding it on reload or close changes the key
// or state first, so those are not reported.
func (b *Bridge) watch(key string, p *port.Port, frame Frame) {
	var cause string
	select {
	case <-p.Done():
		cause = "view port closed"
	case <-frame.Done():
		cause = "view frame stopped"
	case <-b.closed:
		return
	}

	if b.end(StateErrored, &BridgeError{Type: BridgeErrorTypeClosed, Message: cause}, key) {
		b.log.Warn().Str("key", key).Msg(cause)
	}
}

func (b *Bridge) failLoad(err error) error {
	b.mu.Lock()
	if b.state == StateLoading || b.state == StateBound {
		b.state = StateIdle
	}
	b.mu.Unlock()
	return &BridgeError{Type: BridgeErrorTypeLoad, Message: err.Error()}
}

func (b *Bridge) bound() (*port.Port, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateBound {
		return nil, &BridgeError{Type: BridgeErrorTypeState, Message: fmt.Sprintf("not bound (%s)", b.state)}
	}
	return b.port, nil
}

// QueryChange forwards the palette's search text.
func (b *Bridge) QueryChange(text string) error {
	p, err := b.bound()
	if err != nil {
		return err
	}
	return events.Emit(p, events.QueryChange, events.Query{Text: text})
}

// KeyDown forwards a key press.
func (b *Bridge) KeyDown(ev events.KeyEvent) error {
	p, err := b.bound()
	if err != nil {
		return err
	}
	return events.Emit(p, events.KeyDown, ev)
}

// NavigationPop asks the view to go back one level. At the root it closes
// the bridge instead.
func (b *Bridge) NavigationPop() error {
	p, err := b.bound()
	if err != nil {
		return err
	}
	b.mu.Lock()
	depth := b.depth
	if depth > 0 {
		b.depth--
	}
	b.mu.Unlock()
	if depth == 0 {
		return b.Close()
	}
	return events.Emit(p, events.NavigationPop, events.None{})
}

// Reload discards the frame and its port and loads a new frame with a new
// key. Calls pending on the old port fail with port.ErrPortClosed.
func (b *Bridge) Reload(ctx context.Context) error {
	return b.reloadKey(ctx, "")
}

// reloadKey reloads only if the current frame still has key, so a stale
// frame cannot reload its successor. An empty key matches any frame.
func (b *Bridge) reloadKey(ctx context.Context, key string) error {
	b.mu.Lock()
	if b.state != StateBound || (key != "" && b.key != key) {
		b.mu.Unlock()
		return nil
	}
	p, frame := b.port, b.frame
	b.port, b.frame = nil, nil
	b.state = StateLoading
	b.mu.Unlock()

	b.discard(p, frame)
	b.log.Debug().Str("old_key", key).Msg("reloading view")
	return b.load(ctx)
}

func (b *Bridge) discard(p *port.Port, frame Frame) {
	if p != nil {
		p.Destroy()
	}
	if frame != nil {
		if err := frame.Close(); err != nil {
			b.log.Debug().Err(err).Msg("frame close")
		}
	}
}

// Close tears the view down for good. Safe to call more than once.
func (b *Bridge) Close() error {
	b.end(StateClosed, nil, "")
	return nil
}

// end moves to a terminal state once, discards the frame and notifies
// OnClose. A non-empty key only ends a bridge bound to that frame.
func (b *Bridge) end(to State, err error, key string) bool {
	b.mu.Lock()
	if b.state == StateClosed || b.state == StateErrored {
		b.mu.Unlock()
		return false
	}
	if key != "" && (b.state != StateBound || b.key != key) {
		b.mu.Unlock()
		return false
	}
	p, frame := b.port, b.frame
	b.port, b.frame = nil, nil
	b.state, b.err = to, err
	b.mu.Unlock()

	b.discard(p, frame)
	close(b.closed)
	if b.onClose != nil {
		b.onClose()
	}
	return true
}
