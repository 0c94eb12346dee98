package viewbridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/port"
	"github.com/machinefabric/altport-go/worker"
	"github.com/rs/zerolog"
)

// Mount renders a view. It returns once the view is set up; the frame stays
// alive until the host discards it.
type Mount func(ctx context.Context, view *ViewContext) error

// ErrNoInit is returned when the channel dies before the host sends init.
var ErrNoInit = errors.New("viewbridge: channel closed before init")

// ViewContext is the view's side of the bridge.
type ViewContext struct {
	port *port.Port
	init ViewInit
	api  *worker.API

	mu      sync.Mutex
	search  string
	stack   []string
	onQuery []func(string)
	onKey   []func(events.KeyEvent)
}

func newViewContext(p *port.Port, init ViewInit) *ViewContext {
	v := &ViewContext{port: p, init: init, api: worker.NewAPI(p, init.Launch)}
	events.Listen(p, events.QueryChange, func(q events.Query) {
		v.mu.Lock()
		v.search = q.Text
		fns := make([]func(string), len(v.onQuery))
		copy(fns, v.onQuery)
		v.mu.Unlock()
		for _, fn := range fns {
			fn(q.Text)
		}
	})
	events.Listen(p, events.KeyDown, func(ev events.KeyEvent) {
		v.mu.Lock()
		fns := make([]func(events.KeyEvent), len(v.onKey))
		copy(fns, v.onKey)
		v.mu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	})
	events.Listen(p, events.NavigationPop, func(events.None) {
		if _, ok := v.Pop(); !ok {
			_ = v.Finish()
		}
	})
	return v
}

// Key is the frame key assigned by the host.
func (v *ViewContext) Key() string { return v.init.Key }

// Theme is the host theme.
func (v *ViewContext) Theme() Theme { return v.init.Theme }

// Launch is the command's launch payload.
func (v *ViewContext) Launch() events.Execute { return v.init.Launch }

// API is the restricted host API.
func (v *ViewContext) API() *worker.API { return v.api }

// Port is the frame end of the bridge, for views that serve their own
// requests to the host.
func (v *ViewContext) Port() *port.Port { return v.port }

// Search returns the latest search text.
func (v *ViewContext) Search() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.search
}

// Depth is the navigation stack depth.
func (v *ViewContext) Depth() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.stack)
}

// OnQueryChange subscribes to search text updates.
func (v *ViewContext) OnQueryChange(fn func(text string)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onQuery = append(v.onQuery, fn)
}

// OnKeyDown subscribes to forwarded key presses.
func (v *ViewContext) OnKeyDown(fn func(ev events.KeyEvent)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onKey = append(v.onKey, fn)
}

// Push enters a nested view and tells the host the new depth.
func (v *ViewContext) Push(route string) error {
	v.mu.Lock()
	v.stack = append(v.stack, route)
	depth := len(v.stack)
	v.mu.Unlock()
	return events.Emit(v.port, events.NavigationPush, events.Navigation{Depth: depth})
}

// Pop leaves the current nested view.
func (v *ViewContext) Pop() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.stack) == 0 {
		return "", false
	}
	route := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return route, true
}

// Finish tells the host the command is done.
func (v *ViewContext) Finish() error {
	return events.Emit(v.port, events.FinishExecute, events.None{})
}

// Reload asks the host to discard this frame and load a fresh one.
func (v *ViewContext) Reload() error {
	return events.Emit(v.port, events.Reload, events.None{})
}

// Bootstrap runs the frame side over ch. It binds to the first init message
// only, mounts the view and serves until the host discards the frame or ctx
// ends. A failing mount is reported on the console and finishes the view.
func Bootstrap(ctx context.Context, ch port.Channel, mount Mount, log zerolog.Logger) error {
	self := make(chan *port.Port, 1)
	views := make(chan *ViewContext, 1)
	inits := make(chan error, 1)
	var once sync.Once
	p := port.New(ch,
		port.WithLogger(log),
		port.WithInitHandler(func(env *port.Envelope) {
			first := false
			once.Do(func() { first = true })
			if !first {
				log.Debug().Msg("ignoring repeated init")
				return
			}
			var init ViewInit
			if err := env.DecodeArg(0, &init); err != nil {
				inits <- fmt.Errorf("decode init: %w", err)
				return
			}
			// listeners go in before the port reads past init
			views <- newViewContext(<-self, init)
		}),
	)
	self <- p
	defer p.Destroy()

	var view *ViewContext
	select {
	case view = <-views:
	case err := <-inits:
		return err
	case <-p.Done():
		return ErrNoInit
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := safeMount(ctx, mount, view, log); err != nil {
		log.Warn().Err(err).Str("key", view.Key()).Msg("view failed to mount")
		view.api.Console().Error(err.Error())
		_ = view.Finish()
	}

	select {
	case <-p.Done():
	case <-ctx.Done():
	}
	return nil
}

func safeMount(ctx context.Context, mount Mount, view *ViewContext, log zerolog.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("view panicked")
			err = fmt.Errorf("uncaught: %v", rec)
		}
	}()
	if mount == nil {
		return errors.New("no view to mount")
	}
	return mount(ctx, view)
}

// GoroutineSandbox runs each frame on its own goroutine with its own
// context. Views are looked up by command id.
type GoroutineSandbox struct {
	Views map[string]Mount
	Log   zerolog.Logger
}

func (s *GoroutineSandbox) mount(ctx context.Context, view *ViewContext) error {
	m, ok := s.Views[view.Launch().CommandId]
	if !ok {
		return fmt.Errorf("no view for command %q", view.Launch().CommandId)
	}
	return m(ctx, view)
}

func (s *GoroutineSandbox) Load(_ context.Context, key string, ch port.Channel) (Frame, error) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &goroutineFrame{cancel: cancel, ch: ch, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.err = Bootstrap(ctx, ch, s.mount, s.Log.With().Str("frame", key).Logger())
	}()
	return f, nil
}

type goroutineFrame struct {
	cancel context.CancelFunc
	ch     port.Channel
	done   chan struct{}
	err    error
}

func (f *goroutineFrame) Close() error {
	f.cancel()
	err := f.ch.Close()
	<-f.done
	return err
}

func (f *goroutineFrame) Done() <-chan struct{} { return f.done }
