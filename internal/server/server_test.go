package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/internal/config"
	"github.com/machinefabric/altport-go/manifest"
	"github.com/machinefabric/altport-go/port"
	"github.com/machinefabric/altport-go/relay"
	"github.com/machinefabric/altport-go/runner"
	"github.com/machinefabric/altport-go/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type recordingSink struct {
	mu       sync.Mutex
	console  []events.ConsoleMessage
	finished int
}

func (s *recordingSink) Console(_ *runner.Execution, msg events.ConsoleMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.console = append(s.console, msg)
}

func (s *recordingSink) Finished(*runner.Execution, runner.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished++
}

type harness struct {
	srv  *Server
	host *runner.Host
	http *httptest.Server
}

type options struct {
	origins    []string
	registry   *manifest.Registry
	background *relay.Background
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	rt := worker.NewRuntime()
	worker.Builtins(rt)
	rt.Register("block", func(ctx context.Context, _ *worker.API) error {
		<-ctx.Done()
		return ctx.Err()
	})
	fanout := NewFanout(nil)
	host := runner.NewHost(&runner.InProcessSpawner{Runtime: rt}, runner.WithSink(fanout))
	t.Cleanup(func() { host.Close() })

	cfg := &config.ServerConfig{Host: "127.0.0.1", Port: 7265, AllowedOrigins: opts.origins}
	srv := New(cfg, host, fanout, opts.registry, opts.background)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ts.Close()
	})
	return &harness{srv: srv, host: host, http: ts}
}

type client struct {
	port     *port.Port
	welcome  chan Welcome
	console  chan events.ConsoleMessage
	finished chan events.Finished
}

func (h *harness) dial(t *testing.T, header http.Header) (*client, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &httpStatusError{status: resp.StatusCode}
		}
		return nil, err
	}

	c := &client{
		welcome:  make(chan Welcome, 1),
		console:  make(chan events.ConsoleMessage, 16),
		finished: make(chan events.Finished, 4),
	}
	c.port = port.New(port.NewWebSocketChannel(conn),
		port.WithInitHandler(func(env *port.Envelope) {
			var w Welcome
			if err := env.DecodeArg(0, &w); err == nil {
				c.welcome <- w
			}
		}),
	)
	t.Cleanup(func() { c.port.Destroy() })
	events.Listen(c.port, events.Console, func(m events.ConsoleMessage) { c.console <- m })
	events.Listen(c.port, events.Finish, func(f events.Finished) { c.finished <- f })
	require.NoError(t, c.port.PostInit(Hello{Client: "test"}))
	return c, nil
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string { return http.StatusText(e.status) }

func (c *client) awaitWelcome(t *testing.T) Welcome {
	t.Helper()
	select {
	case w := <-c.welcome:
		return w
	case <-time.After(5 * time.Second):
		t.Fatal("no welcome")
		return Welcome{}
	}
}

func (c *client) awaitFinished(t *testing.T) events.Finished {
	t.Helper()
	select {
	case f := <-c.finished:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no finished event")
		return events.Finished{}
	}
}

func getJSON(t *testing.T, url string, dst interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func remoteCode(err error) string {
	var re *port.RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// TEST600: health and command listings answer without a session
func Test600_http_endpoints(t *testing.T) {
	h := newHarness(t, options{})

	var health map[string]interface{}
	getJSON(t, h.http.URL+"/healthz", &health)
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 0, health["sessions"])

	var cmds []manifest.Entry
	getJSON(t, h.http.URL+"/commands", &cmds)
	assert.Empty(t, cmds)

	var execs []ExecutionInfo
	getJSON(t, h.http.URL+"/executions", &execs)
	assert.Empty(t, execs)
}

// TEST601: an execution launched over a session streams console and outcome back to it
func Test601_execute_streams_to_session(t *testing.T) {
	h := newHarness(t, options{})
	c, err := h.dial(t, nil)
	require.NoError(t, err)
	w := c.awaitWelcome(t)
	assert.NotEmpty(t, w.Session)

	started, err := events.Call(testCtx(t), c.port, events.ExecuteCommand, events.Execute{
		ExtensionId: "ext",
		CommandId:   "hello",
		CommandType: events.CommandAction,
		Arguments:   map[string]string{"name": "port"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, started.ExecutionId)

	select {
	case m := <-c.console:
		assert.Equal(t, []string{"hello,", "port"}, m.Args)
		assert.Equal(t, started.ExecutionId, m.ExecutionId)
	case <-time.After(5 * time.Second):
		t.Fatal("no console message")
	}
	f := c.awaitFinished(t)
	assert.Equal(t, events.StatusFinished, f.Status)
	assert.Equal(t, started.ExecutionId, f.ExecutionId)
}

// TEST602: a session may kill its own executions only
func Test602_kill_own_execution(t *testing.T) {
	h := newHarness(t, options{})
	owner, err := h.dial(t, nil)
	require.NoError(t, err)
	other, err := h.dial(t, nil)
	require.NoError(t, err)

	started, err := events.Call(testCtx(t), owner.port, events.ExecuteCommand, events.Execute{
		ExtensionId: "ext", CommandId: "block", CommandType: events.CommandScript,
	})
	require.NoError(t, err)

	var execs []ExecutionInfo
	getJSON(t, h.http.URL+"/executions", &execs)
	require.Len(t, execs, 1)
	assert.Equal(t, started.ExecutionId, execs[0].ExecutionId)
	assert.Equal(t, "running", execs[0].State)

	_, err = events.Call(testCtx(t), other.port, events.KillCommand, events.Kill{ExecutionId: started.ExecutionId})
	assert.Equal(t, CodeExecutionNotFound, remoteCode(err))

	_, err = events.Call(testCtx(t), owner.port, events.KillCommand, events.Kill{ExecutionId: started.ExecutionId})
	require.NoError(t, err)
	f := owner.awaitFinished(t)
	assert.Equal(t, events.StatusKilled, f.Status)

	_, err = events.Call(testCtx(t), owner.port, events.KillCommand, events.Kill{ExecutionId: "missing"})
	assert.Equal(t, CodeExecutionNotFound, remoteCode(err))
}

// TEST603: closing a session kills what it launched
func Test603_disconnect_kills_executions(t *testing.T) {
	h := newHarness(t, options{})
	c, err := h.dial(t, nil)
	require.NoError(t, err)

	_, err = events.Call(testCtx(t), c.port, events.ExecuteCommand, events.Execute{
		ExtensionId: "ext", CommandId: "block", CommandType: events.CommandScript,
	})
	require.NoError(t, err)
	require.Len(t, h.host.Live(), 1)

	require.NoError(t, c.port.Destroy())
	assert.Eventually(t, func() bool { return len(h.host.Live()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.srv.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)
}

// TEST604: with a registry, payloads resolve from manifests and the welcome lists commands
func Test604_registry_resolves_commands(t *testing.T) {
	registry := manifest.NewRegistry()
	require.NoError(t, registry.Register(manifest.NewExtensionManifest("greeter", "Greeter", "1.0.0", []manifest.Command{
		{ID: "hello", Title: "Say Hello", Type: events.CommandAction, Arguments: []string{"name"}},
	})))
	h := newHarness(t, options{registry: registry})
	c, err := h.dial(t, nil)
	require.NoError(t, err)

	w := c.awaitWelcome(t)
	require.Len(t, w.Commands, 1)
	assert.Equal(t, "greeter", w.Commands[0].Extension)
	assert.Equal(t, "Say Hello", w.Commands[0].Title)

	started, err := events.Call(testCtx(t), c.port, events.ExecuteCommand, events.Execute{
		ExtensionId: "greeter", CommandId: "hello",
	})
	require.NoError(t, err)
	f := c.awaitFinished(t)
	assert.Equal(t, started.ExecutionId, f.ExecutionId)
	assert.Equal(t, events.StatusFinished, f.Status)

	_, err = events.Call(testCtx(t), c.port, events.ExecuteCommand, events.Execute{
		ExtensionId: "greeter", CommandId: "wave",
	})
	assert.Equal(t, CodeUnknownCommand, remoteCode(err))

	var cmds []manifest.Entry
	getJSON(t, h.http.URL+"/commands", &cmds)
	require.Len(t, cmds, 1)
	assert.Equal(t, "hello", cmds[0].ID)
}

// TEST605: sessions serve the file relay names when a background is configured
func Test605_session_file_relay(t *testing.T) {
	store, err := relay.NewMemoryStore(time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h := newHarness(t, options{background: &relay.Background{Store: store}})
	c, err := h.dial(t, nil)
	require.NoError(t, err)

	bundle := events.FileBundle{Files: []events.File{{Name: "notes.txt", Type: "text/plain", Data: events.Blob("hi")}}}
	ticket, err := events.Call(testCtx(t), c.port, events.StoreFiles, bundle)
	require.NoError(t, err)

	got, err := events.Call(testCtx(t), c.port, events.RequestFiles, events.FileRequest{ID: ticket.ID})
	require.NoError(t, err)
	assert.Equal(t, bundle, got)

	_, err = events.Call(testCtx(t), c.port, events.RequestFiles, events.FileRequest{ID: ticket.ID})
	assert.True(t, errors.Is(err, relay.ErrFilesNotFound))
}

// TEST606: origins outside the allow list are refused before the upgrade
func Test606_origin_check(t *testing.T) {
	h := newHarness(t, options{origins: []string{"chrome-extension://palette"}})

	_, err := h.dial(t, http.Header{"Origin": []string{"https://evil.example"}})
	var se *httpStatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.status)

	c, err := h.dial(t, http.Header{"Origin": []string{"chrome-extension://palette"}})
	require.NoError(t, err)
	c.awaitWelcome(t)
	assert.Equal(t, 1, h.srv.Sessions())
}

// TEST607: the fanout forwards to its fallback even without an owning session
func Test607_fanout_fallback(t *testing.T) {
	rec := &recordingSink{}
	fanout := NewFanout(rec)
	rt := worker.NewRuntime()
	worker.Builtins(rt)
	host := runner.NewHost(&runner.InProcessSpawner{Runtime: rt}, runner.WithSink(fanout))
	t.Cleanup(func() { host.Close() })

	e, err := host.Execute(testCtx(t), runner.Payload{ExtensionId: "ext", CommandId: "hello", CommandType: events.CommandAction})
	require.NoError(t, err)
	out, err := e.Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, runner.StateFinished, out.State)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.console, 1)
	assert.Equal(t, e.ID(), rec.console[0].ExecutionId)
	assert.Equal(t, 1, rec.finished)
}

// TEST608: a session cannot take over an execution id another session owns
func Test608_duplicate_execution_id(t *testing.T) {
	h := newHarness(t, options{})
	owner, err := h.dial(t, nil)
	require.NoError(t, err)
	other, err := h.dial(t, nil)
	require.NoError(t, err)

	req := events.Execute{ExecutionId: "shared", ExtensionId: "ext", CommandId: "block", CommandType: events.CommandScript}
	started, err := events.Call(testCtx(t), owner.port, events.ExecuteCommand, req)
	require.NoError(t, err)
	assert.Equal(t, "shared", started.ExecutionId)

	_, err = events.Call(testCtx(t), other.port, events.ExecuteCommand, req)
	assert.Equal(t, CodeDuplicateExecution, remoteCode(err))
	_, err = events.Call(testCtx(t), other.port, events.KillCommand, events.Kill{ExecutionId: "shared"})
	assert.Equal(t, CodeExecutionNotFound, remoteCode(err))
	assert.Equal(t, []string{"shared"}, h.host.Live())

	_, err = events.Call(testCtx(t), owner.port, events.KillCommand, events.Kill{ExecutionId: "shared"})
	require.NoError(t, err)
	assert.Equal(t, events.StatusKilled, owner.awaitFinished(t).Status)
}
