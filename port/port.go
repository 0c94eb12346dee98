package port

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

// HandlerFunc answers one request. The returned value becomes the RESULT
// payload; a returned error is sent back as an ERROR envelope carrying only
// its text. Returning a *Reply forwards an already encoded result.
type HandlerFunc func(ctx context.Context, call *Call) (interface{}, error)

// Listener observes a notification. Listeners run on the port's dispatch
// goroutine in registration order and must not block.
type Listener func(call *Call)

// Call is an inbound event or request.
type Call struct {
	Name      string
	MessageId string
	Args      []cbor.RawMessage
	Transfer  [][]byte
}

func callFrom(env *Envelope) *Call {
	return &Call{Name: env.Name, MessageId: env.MessageId, Args: env.Args, Transfer: env.Transfer}
}

// NumArgs returns the number of positional arguments.
func (c *Call) NumArgs() int { return len(c.Args) }

// Arg decodes argument i into dst.
func (c *Call) Arg(i int, dst interface{}) error {
	if i < 0 || i >= len(c.Args) {
		return &RemoteError{Code: CodeInvalidArgs, Message: fmt.Sprintf("%s: missing argument %d", c.Name, i)}
	}
	if err := decodeValue(c.Args[i], c.Transfer, dst); err != nil {
		return &RemoteError{Code: CodeInvalidArgs, Message: fmt.Sprintf("%s: argument %d: %v", c.Name, i, err)}
	}
	return nil
}

// Bind decodes the leading arguments into dsts, in order.
func (c *Call) Bind(dsts ...interface{}) error {
	for i, dst := range dsts {
		if err := c.Arg(i, dst); err != nil {
			return err
		}
	}
	return nil
}

// Forward turns the call into a request carrying the same arguments and
// transfer buffers, for relaying to another port.
func (c *Call) Forward() Request {
	args := make([]interface{}, len(c.Args))
	for i, a := range c.Args {
		args[i] = a
	}
	return Request{Name: c.Name, Args: args, Transfer: c.Transfer}
}

// Reply is a successful response.
type Reply struct {
	Result   cbor.RawMessage
	Transfer [][]byte
}

// Decode decodes the result into dst.
func (r *Reply) Decode(dst interface{}) error {
	return decodeValue(r.Result, r.Transfer, dst)
}

// Request describes an outbound call.
type Request struct {
	Name string
	Args []interface{}
	// Transfer is prepended to buffers moved by Args; used when forwarding
	// already encoded arguments.
	Transfer [][]byte
	// Timeout overrides the port default. Negative means no deadline.
	Timeout time.Duration
}

type timeoutKey struct{}

// WithTimeout returns a context that sets the reply deadline for calls made
// with it, overriding the port default. d <= 0 disables the deadline.
func WithTimeout(ctx context.Context, d time.Duration) context.Context {
	if d <= 0 {
		d = -1
	}
	return context.WithValue(ctx, timeoutKey{}, d)
}

// Option configures a Port.
type Option func(*Port)

// WithLogger sets the port logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Port) { p.log = log }
}

// WithDefaultTimeout bounds every call without its own deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(p *Port) { p.defaultTimeout = d }
}

// WithStackTraces includes panic stacks in ERROR envelopes.
func WithStackTraces() Option {
	return func(p *Port) { p.exposeStacks = true }
}

// WithInitHandler receives every init envelope arriving on the port.
func WithInitHandler(fn func(*Envelope)) Option {
	return func(p *Port) { p.onInit = fn }
}

// WithBind runs fn on the new port before it starts reading, so handlers it
// registers see the first inbound envelope.
func WithBind(fn func(*Port)) Option {
	return func(p *Port) { p.bind = fn }
}

// Port is one side of a channel. It correlates requests with replies,
// dispatches inbound requests to handlers and fans out notifications to
// listeners.
type Port struct {
	ch             Channel
	log            zerolog.Logger
	defaultTimeout time.Duration
	exposeStacks   bool
	onInit         func(*Envelope)
	bind           func(*Port)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   pendingTable
	handlers  map[string]handlerEntry
	nextID    uint64
	listeners listenerRegistry
	closed    bool

	shutdownOnce sync.Once
	done         chan struct{}
}

type handlerEntry struct {
	id uint64
	fn HandlerFunc
}

// New binds a port to ch and starts dispatching.
func New(ch Channel, opts ...Option) *Port {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Port{
		ch:        ch,
		log:       zerolog.Nop(),
		ctx:       ctx,
		cancel:    cancel,
		pending:   newPendingTable(),
		handlers:  make(map[string]handlerEntry),
		listeners: newListenerRegistry(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.bind != nil {
		p.bind(p)
	}
	go p.readLoop()
	return p
}

// Done is closed once the port is dead.
func (p *Port) Done() <-chan struct{} { return p.done }

// Context is cancelled when the port dies. Handlers receive it.
func (p *Port) Context() context.Context { return p.ctx }

// Logger returns the port's logger.
func (p *Port) Logger() *zerolog.Logger { return &p.log }

// Closed reports whether the port has been destroyed.
func (p *Port) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Pending returns the number of outstanding requests.
func (p *Port) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.len()
}

// ListenerCount returns the number of listeners registered for name.
func (p *Port) ListenerCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listeners.count(name)
}

// SendMessage sends a request and waits for its reply.
func (p *Port) SendMessage(ctx context.Context, name string, args ...interface{}) (*Reply, error) {
	req := Request{Name: name, Args: args}
	if d, ok := ctx.Value(timeoutKey{}).(time.Duration); ok {
		req.Timeout = d
	}
	return p.Call(ctx, req)
}

// Call sends req and waits for its reply, the deadline, ctx or port death.
func (p *Port) Call(ctx context.Context, req Request) (*Reply, error) {
	if IsReserved(req.Name) {
		return nil, &PortError{Type: PortErrorTypeReservedName, Name: req.Name}
	}
	args, transfer, err := encodeValues(req.Args, append([][]byte(nil), req.Transfer...))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Name, err)
	}
	id := NewMessageId()
	env := &Envelope{Kind: KindEvent, Name: req.Name, MessageId: id, Args: args, Transfer: transfer}
	pc := &pendingCall{name: req.Name, done: make(chan outcome, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPortClosed
	}
	p.pending.add(id, pc)
	if d := p.timeoutFor(req.Timeout); d > 0 {
		pc.timer = time.AfterFunc(d, func() { p.expire(id) })
	}
	p.mu.Unlock()

	if err := p.ch.Send(env); err != nil {
		if taken := p.takePending(id); taken != nil {
			taken.stop()
		}
		if errors.Is(err, ErrChannelClosed) {
			return nil, ErrPortClosed
		}
		return nil, fmt.Errorf("send %q: %w", req.Name, err)
	}

	select {
	case out := <-pc.done:
		return out.reply, out.err
	case <-ctx.Done():
		if taken := p.takePending(id); taken != nil {
			taken.stop()
			return nil, ctx.Err()
		}
		// resolved concurrently; the resolver is about to deliver
		out := <-pc.done
		return out.reply, out.err
	}
}

func (p *Port) timeoutFor(d time.Duration) time.Duration {
	switch {
	case d > 0:
		return d
	case d < 0:
		return 0
	default:
		return p.defaultTimeout
	}
}

func (p *Port) takePending(id string) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.take(id)
}

func (p *Port) expire(id string) {
	pc := p.takePending(id)
	if pc == nil {
		return
	}
	p.log.Warn().Str("name", pc.name).Str("messageId", id).Msg("request timed out")
	pc.done <- outcome{err: &PortError{Type: PortErrorTypeTimeout, Name: pc.name}}
}

// Emit sends a notification. No reply is expected.
func (p *Port) Emit(name string, args ...interface{}) error {
	if IsReserved(name) {
		return &PortError{Type: PortErrorTypeReservedName, Name: name}
	}
	env, err := NewEvent(name, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return p.send(env)
}

// PostInit sends the one-time bootstrap message.
func (p *Port) PostInit(value interface{}) error {
	env, err := NewInit(value)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return p.send(env)
}

func (p *Port) send(env *Envelope) error {
	if p.Closed() {
		return ErrPortClosed
	}
	if err := p.ch.Send(env); err != nil {
		if errors.Is(err, ErrChannelClosed) {
			return ErrPortClosed
		}
		return err
	}
	return nil
}

// Handle registers the single handler for name. The returned function
// removes it again.
func (p *Port) Handle(name string, fn HandlerFunc) (func(), error) {
	if IsReserved(name) {
		return nil, &PortError{Type: PortErrorTypeReservedName, Name: name}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPortClosed
	}
	if _, exists := p.handlers[name]; exists {
		return nil, &PortError{Type: PortErrorTypeHandlerExists, Name: name}
	}
	p.nextID++
	id := p.nextID
	p.handlers[name] = handlerEntry{id: id, fn: fn}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if cur, ok := p.handlers[name]; ok && cur.id == id {
			delete(p.handlers, name)
		}
	}, nil
}

// Subscription identifies one listener registration.
type Subscription struct {
	port *Port
	name string
	id   uint64
}

// Unsubscribe removes the listener. Calling it twice is harmless.
func (s Subscription) Unsubscribe() {
	if s.port != nil {
		s.port.Off(s)
	}
}

// On adds a listener for name. Listeners for the same name run in
// registration order. It panics on a reserved name.
func (p *Port) On(name string, fn Listener) Subscription {
	if IsReserved(name) {
		panic(&PortError{Type: PortErrorTypeReservedName, Name: name})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Subscription{}
	}
	return Subscription{port: p, name: name, id: p.listeners.add(name, fn)}
}

// Off removes a listener added with On.
func (p *Port) Off(sub Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners.remove(sub.name, sub.id)
}

// Destroy closes the channel, rejects every pending call with ErrPortClosed
// and drops all handlers and listeners. Later calls do nothing.
func (p *Port) Destroy() error {
	var err error
	p.shutdownOnce.Do(func() { err = p.teardown() })
	return err
}

func (p *Port) teardown() error {
	p.mu.Lock()
	p.closed = true
	calls := p.pending.drain()
	p.handlers = make(map[string]handlerEntry)
	p.listeners.clear()
	p.mu.Unlock()

	err := p.ch.Close()
	p.cancel()
	for _, pc := range calls {
		pc.stop()
		pc.done <- outcome{err: ErrPortClosed}
	}
	close(p.done)
	if len(calls) > 0 {
		p.log.Debug().Int("rejected", len(calls)).Msg("port destroyed with pending calls")
	}
	return err
}

func (p *Port) readLoop() {
	for {
		env, err := p.ch.Recv()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				p.log.Warn().Err(err).Msg("dropping envelope")
				continue
			}
			if !errors.Is(err, io.EOF) {
				p.log.Debug().Err(err).Msg("channel read failed")
			}
			p.shutdownOnce.Do(func() { _ = p.teardown() })
			return
		}
		if err := env.Validate(); err != nil {
			p.log.Warn().Err(err).Msg("dropping envelope")
			continue
		}
		p.dispatch(env)
	}
}

func (p *Port) dispatch(env *Envelope) {
	switch env.Kind {
	case KindResult, KindError:
		p.resolve(env)
	case KindEvent:
		if env.IsRequest() {
			p.serve(env)
		} else {
			p.notify(env)
		}
	case KindInit:
		if p.onInit == nil {
			p.log.Debug().Msg("init without handler dropped")
			return
		}
		p.onInit(env)
	}
}

func (p *Port) resolve(env *Envelope) {
	pc := p.takePending(env.MessageId)
	if pc == nil {
		p.log.Debug().Str("messageId", env.MessageId).Stringer("kind", env.Kind).Msg("reply for unknown request dropped")
		return
	}
	pc.stop()
	if env.Kind == KindError {
		pc.done <- outcome{err: env.remoteError()}
		return
	}
	pc.done <- outcome{reply: &Reply{Result: env.Result, Transfer: env.Transfer}}
}

func (p *Port) serve(env *Envelope) {
	p.mu.Lock()
	h, ok := p.handlers[env.Name]
	p.mu.Unlock()
	if !ok {
		p.log.Debug().Str("name", env.Name).Msg("no handler for request")
		p.reply(NewError(env.MessageId, CodeHandlerNotFound, fmt.Sprintf("no handler for %q", env.Name)))
		return
	}
	call := callFrom(env)
	go func() {
		value, err := p.invoke(h.fn, call)
		if err != nil {
			p.reply(p.errorEnvelope(call, err))
			return
		}
		res, err := NewResult(call.MessageId, value)
		if err != nil {
			p.reply(p.errorEnvelope(call, err))
			return
		}
		p.reply(res)
	}()
}

func (p *Port) notify(env *Envelope) {
	p.mu.Lock()
	listeners := p.listeners.snapshot(env.Name)
	h, hasHandler := p.handlers[env.Name]
	p.mu.Unlock()

	call := callFrom(env)
	if len(listeners) == 0 {
		if !hasHandler {
			p.log.Debug().Str("name", env.Name).Msg("no listener for event")
			return
		}
		go func() {
			if _, err := p.invoke(h.fn, call); err != nil {
				p.log.Warn().Err(err).Str("name", call.Name).Msg("event handler failed")
			}
		}()
		return
	}
	for _, l := range listeners {
		p.listen(l, call)
	}
}

func (p *Port) listen(l Listener, call *Call) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("name", call.Name).Msg("listener panicked")
		}
	}()
	l(call)
}

type handlerPanic struct {
	value interface{}
	stack []byte
}

func (e *handlerPanic) Error() string { return fmt.Sprintf("handler panicked: %v", e.value) }

func (p *Port) invoke(h HandlerFunc, call *Call) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerPanic{value: r, stack: debug.Stack()}
		}
	}()
	return h(p.ctx, call)
}

// errorCoder lets handler errors choose the code of their ERROR envelope.
type errorCoder interface {
	ErrorCode() string
}

func (p *Port) errorEnvelope(call *Call, err error) *Envelope {
	code := CodeHandlerFailed
	stack := ""
	var (
		hp *handlerPanic
		re *RemoteError
		ec errorCoder
	)
	switch {
	case errors.As(err, &hp):
		code = CodeHandlerPanic
		p.log.Error().Interface("panic", hp.value).Str("name", call.Name).Msg("handler panicked")
		if p.exposeStacks {
			stack = string(hp.stack)
		}
	case errors.As(err, &re):
		// forwarded remote failures keep their code
		if re.Code != "" {
			code = re.Code
		}
		stack = re.Stack
	case errors.As(err, &ec):
		code = ec.ErrorCode()
	}
	env := NewError(call.MessageId, code, err.Error())
	if re != nil && re.Code != "" {
		env.Error.Message = re.Message
	}
	env.Error.Stack = stack
	return env
}

// reply sends env. A result the channel refuses, such as one over the frame
// limit, is replaced by an error so the caller is never left waiting.
func (p *Port) reply(env *Envelope) {
	err := p.ch.Send(env)
	if err == nil {
		return
	}
	if errors.Is(err, ErrChannelClosed) {
		p.log.Debug().Err(err).Str("messageId", env.MessageId).Msg("reply dropped")
		return
	}
	p.log.Warn().Err(err).Str("messageId", env.MessageId).Stringer("kind", env.Kind).Msg("reply not sent")
	if env.Kind != KindResult && env.Kind != KindError {
		return
	}
	fallback := NewError(env.MessageId, CodeHandlerFailed, fmt.Sprintf("reply not sent: %v", err))
	if err := p.ch.Send(fallback); err != nil {
		p.log.Debug().Err(err).Str("messageId", env.MessageId).Msg("reply dropped")
	}
}
