// Package relay carries requests from an unprivileged content context to the
// privileged background context through an intermediate frame. The content
// side talks to the frame over a message channel; the frame forwards each
// request unchanged over native messaging and hands the reply back verbatim.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/port"
	"github.com/rs/zerolog"
)

// CodeFilesNotFound is the error code of a file:request for an unknown or
// expired id.
const CodeFilesNotFound = "FILES_NOT_FOUND"

// ErrFilesNotFound matches the remote error returned for unknown ids.
var ErrFilesNotFound = &port.RemoteError{Code: CodeFilesNotFound, Message: "Couldn't find files"}

// ErrNoInit is returned when the frame's channel dies before the handshake.
var ErrNoInit = errors.New("relay: channel closed before init")

// DefaultNames are the requests the frame relays when none are configured.
func DefaultNames() []string {
	return []string{events.RequestFiles.Name(), events.StoreFiles.Name()}
}

// FrameInit is the handshake payload the content side posts to the frame.
type FrameInit struct {
	Names []string `json:"names"`
}

// Dialer opens the frame's connection to the background context.
type Dialer func(ctx context.Context) (port.Channel, error)

// Frame is the intermediate relay. One Frame can serve many injections;
// each Serve call owns one content channel and one runtime connection.
type Frame struct {
	Dial Dialer
	Log  zerolog.Logger
}

// Serve binds to the first init on ch, dials the background and relays the
// names listed in init until either side goes away or ctx ends. Binding
// happens before the content port reads past init, so requests posted right
// after the handshake are never missed.
func (f *Frame) Serve(ctx context.Context, ch port.Channel) error {
	self := make(chan *port.Port, 1)
	bound := make(chan boundRuntime, 1)
	var (
		once      sync.Once
		mu        sync.Mutex
		abandoned bool
	)
	content := port.New(ch,
		port.WithLogger(f.Log),
		port.WithInitHandler(func(env *port.Envelope) {
			first := false
			once.Do(func() { first = true })
			if !first {
				f.Log.Debug().Msg("ignoring repeated init")
				return
			}
			rt, err := f.bind(ctx, <-self, env)

			mu.Lock()
			defer mu.Unlock()
			if abandoned {
				if rt != nil {
					rt.Destroy()
				}
				return
			}
			bound <- boundRuntime{port: rt, err: err}
		}),
	)
	self <- content
	defer content.Destroy()

	// abandon hands a runtime bound too late to whoever gives up waiting
	abandon := func(err error) error {
		mu.Lock()
		defer mu.Unlock()
		abandoned = true
		select {
		case b := <-bound:
			if b.port != nil {
				b.port.Destroy()
			}
		default:
		}
		return err
	}

	var runtime *port.Port
	select {
	case b := <-bound:
		if b.err != nil {
			return b.err
		}
		runtime = b.port
	case <-content.Done():
		return abandon(ErrNoInit)
	case <-ctx.Done():
		return abandon(ctx.Err())
	}
	defer runtime.Destroy()

	select {
	case <-content.Done():
	case <-runtime.Done():
	case <-ctx.Done():
	}
	return nil
}

type boundRuntime struct {
	port *port.Port
	err  error
}

func (f *Frame) bind(ctx context.Context, content *port.Port, env *port.Envelope) (*port.Port, error) {
	var init FrameInit
	if err := env.DecodeArg(0, &init); err != nil {
		return nil, fmt.Errorf("relay: decode init: %w", err)
	}
	if len(init.Names) == 0 {
		init.Names = DefaultNames()
	}

	rch, err := f.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay: dial background: %w", err)
	}
	runtime := port.New(rch, port.WithLogger(f.Log.With().Str("side", "runtime").Logger()))
	for _, name := range init.Names {
		if _, err := content.Handle(name, forward(runtime)); err != nil {
			runtime.Destroy()
			return nil, fmt.Errorf("relay: %s: %w", name, err)
		}
	}
	f.Log.Debug().Strs("names", init.Names).Msg("relay frame bound")
	return runtime, nil
}

func forward(runtime *port.Port) port.HandlerFunc {
	return func(ctx context.Context, call *port.Call) (interface{}, error) {
		return runtime.Call(ctx, call.Forward())
	}
}

// Content is the unprivileged side. Inject starts a frame on a fresh
// channel and returns the port to talk through it.
type Content struct {
	Frame *Frame
	Names []string
	Log   zerolog.Logger

	wg sync.WaitGroup
}

// Inject creates a channel, starts the relay frame on one end and performs
// the init handshake on the other. Destroying the returned port stops the
// frame.
func (c *Content) Inject(ctx context.Context, opts ...port.Option) (*port.Port, error) {
	hostEnd, frameEnd := port.NewMessageChannel()
	frameCtx, cancel := context.WithCancel(context.Background())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		if err := c.Frame.Serve(frameCtx, frameEnd); err != nil && !errors.Is(err, context.Canceled) {
			c.Log.Warn().Err(err).Msg("relay frame stopped")
		}
	}()

	p := port.New(hostEnd, append([]port.Option{port.WithLogger(c.Log)}, opts...)...)
	go func() {
		select {
		case <-p.Done():
		case <-ctx.Done():
			p.Destroy()
		}
		cancel()
	}()
	if err := p.PostInit(FrameInit{Names: c.Names}); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("relay: init: %w", err)
	}
	return p, nil
}

// Wait blocks until every injected frame has stopped.
func (c *Content) Wait() { c.wg.Wait() }

// Background answers relayed file requests from a FileStore.
type Background struct {
	Store FileStore
	Log   zerolog.Logger
}

// Register installs the file handlers on p.
func (b *Background) Register(p *port.Port) error {
	if _, err := events.Handle(p, events.StoreFiles, b.store); err != nil {
		return err
	}
	_, err := p.Handle(events.RequestFiles.Name(), b.request)
	return err
}

// Serve answers requests over ch until the peer disconnects or ctx ends.
func (b *Background) Serve(ctx context.Context, ch port.Channel) error {
	var bindErr error
	p := port.New(ch, port.WithLogger(b.Log), port.WithBind(func(p *port.Port) {
		bindErr = b.Register(p)
	}))
	defer p.Destroy()
	if bindErr != nil {
		return bindErr
	}
	select {
	case <-p.Done():
	case <-ctx.Done():
	}
	return nil
}

func (b *Background) store(ctx context.Context, bundle events.FileBundle) (events.FileTicket, error) {
	id := uuid.NewString()
	if err := b.Store.Put(ctx, id, bundle); err != nil {
		return events.FileTicket{}, err
	}
	b.Log.Debug().Str("id", id).Int("files", len(bundle.Files)).Msg("stored files")
	return events.FileTicket{ID: id}, nil
}

// request takes either a bare id or a FileRequest.
func (b *Background) request(ctx context.Context, call *port.Call) (interface{}, error) {
	var id string
	if err := call.Arg(0, &id); err != nil {
		var req events.FileRequest
		if err := call.Arg(0, &req); err != nil {
			return nil, err
		}
		id = req.ID
	}
	bundle, ok, err := b.Store.Take(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		b.Log.Debug().Str("id", id).Msg("file request for unknown id")
		return nil, ErrFilesNotFound
	}
	return bundle, nil
}
