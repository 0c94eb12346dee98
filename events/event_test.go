package events

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/machinefabric/altport-go/port"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func portPair(t *testing.T) (*port.Port, *port.Port) {
	t.Helper()
	a, b := port.NewMessageChannel()
	pa, pb := port.New(a), port.New(b)
	t.Cleanup(func() {
		pa.Destroy()
		pb.Destroy()
	})
	return pa, pb
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TEST100: typed call roundtrips argument and result types
func Test100_typed_call(t *testing.T) {
	host, worker := portPair(t)
	_, err := Handle(host, ClipboardWrite, func(_ context.Context, args ClipboardText) (None, error) {
		assert.Equal(t, "copied", args.Text)
		return None{}, nil
	})
	require.NoError(t, err)
	_, err = Handle(host, InstalledApps, func(_ context.Context, q AppQuery) ([]App, error) {
		return []App{{Name: "Firefox " + q.Query, Path: "/usr/share/applications/firefox.desktop"}}, nil
	})
	require.NoError(t, err)

	_, err = Call(testCtx(t), worker, ClipboardWrite, ClipboardText{Text: "copied"})
	require.NoError(t, err)

	apps, err := Call(testCtx(t), worker, InstalledApps, AppQuery{Query: "nightly"})
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "Firefox nightly", apps[0].Name)
}

// TEST101: schema violations are rejected at the call site
func Test101_schema_rejects_on_call(t *testing.T) {
	_, worker := portPair(t)
	_, err := Call(testCtx(t), worker, RequestFiles, FileRequest{ID: ""})
	var sve *SchemaValidationError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, "file:request", sve.Event)
	assert.Zero(t, worker.Pending(), "invalid calls never reach the wire")
}

// TEST102: schema violations arriving on the wire are refused with INVALID_ARGS
func Test102_schema_rejects_on_handler(t *testing.T) {
	host, worker := portPair(t)
	called := false
	_, err := Handle(host, RequestFiles, func(context.Context, FileRequest) (FileBundle, error) {
		called = true
		return FileBundle{}, nil
	})
	require.NoError(t, err)

	// bypass the typed layer to send an empty id
	_, err = worker.SendMessage(testCtx(t), "file:request", FileRequest{})
	var re *port.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, port.CodeInvalidArgs, re.Code)
	assert.False(t, called)
}

// TEST103: typed listeners receive decoded notifications
func Test103_typed_listen(t *testing.T) {
	host, worker := portPair(t)
	got := make(chan ConsoleMessage, 1)
	Listen(host, Console, func(msg ConsoleMessage) { got <- msg })

	require.NoError(t, Emit(worker, Console, ConsoleMessage{Level: LevelError, Args: []string{"boom"}}))
	select {
	case msg := <-got:
		assert.Equal(t, LevelError, msg.Level)
		assert.Equal(t, []string{"boom"}, msg.Args)
	case <-time.After(2 * time.Second):
		t.Fatal("console notification not delivered")
	}
}

// TEST104: events without arguments decode into None
func Test104_no_argument_events(t *testing.T) {
	host, worker := portPair(t)
	_, err := Handle(host, ClipboardRead, func(context.Context, None) (ClipboardText, error) {
		return ClipboardText{Text: "hello"}, nil
	})
	require.NoError(t, err)

	// raw call with no args at all
	reply, err := worker.SendMessage(testCtx(t), "clipboard.read")
	require.NoError(t, err)
	var out ClipboardText
	require.NoError(t, reply.Decode(&out))
	assert.Equal(t, "hello", out.Text)
}

// TEST105: catalog names are unique, known and never reserved
func Test105_catalog(t *testing.T) {
	names := Names()
	seen := map[string]bool{}
	for _, n := range names {
		assert.False(t, seen[n], "duplicate event %q", n)
		seen[n] = true
		assert.False(t, port.IsReserved(n))
		assert.True(t, Lookup(n))
	}
	assert.False(t, Lookup("not-an-event"))
	for _, n := range APINames() {
		assert.True(t, seen[n])
	}
	assert.Panics(t, func() { Define[None, None]("init") })
	assert.Panics(t, func() { Define[None, None]("x").WithSchema("{not json") })
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TEST106: a notification that does not decode is logged and skipped
func Test106_malformed_notification_logged(t *testing.T) {
	logs := &lockedBuffer{}
	a, b := port.NewMessageChannel()
	host := port.New(a, port.WithLogger(zerolog.New(logs)))
	worker := port.New(b)
	t.Cleanup(func() {
		host.Destroy()
		worker.Destroy()
	})

	got := make(chan ConsoleMessage, 2)
	Listen(host, Console, func(msg ConsoleMessage) { got <- msg })

	require.NoError(t, worker.Emit(Console.Name(), 42))
	require.NoError(t, Emit(worker, Console, ConsoleMessage{Level: LevelLog, Args: []string{"ok"}}))

	select {
	case msg := <-got:
		assert.Equal(t, []string{"ok"}, msg.Args)
	case <-time.After(2 * time.Second):
		t.Fatal("valid notification not delivered")
	}
	assert.Empty(t, got)
	assert.Contains(t, logs.String(), "malformed notification dropped")
	assert.Contains(t, logs.String(), `"name":"console"`)
}
