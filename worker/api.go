package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/port"
)

// API is the capability object handed to extension code. Every method goes
// through the execution's port; there is no other path to the host.
type API struct {
	port      *port.Port
	launch    Launch
	console   *Console
	storage   *Storage
	clipboard *Clipboard
}

// NewAPI binds the capability object to p. Views use it the same way
// commands do.
func NewAPI(p *port.Port, launch Launch) *API {
	title := launch.Title
	if title == "" {
		title = launch.CommandId
	}
	return &API{
		port:      p,
		launch:    launch,
		console:   &Console{port: p, extension: launch.ExtensionId, command: title},
		storage:   &Storage{port: p},
		clipboard: &Clipboard{port: p},
	}
}

// Launch returns the execution payload.
func (a *API) Launch() Launch { return a.launch }

// Console returns the console shim.
func (a *API) Console() *Console { return a.console }

// Storage returns the extension's local storage.
func (a *API) Storage() *Storage { return a.storage }

// Clipboard returns the system clipboard.
func (a *API) Clipboard() *Clipboard { return a.clipboard }

// InstalledApps lists desktop applications whose name contains query.
func (a *API) InstalledApps(ctx context.Context, query string) ([]events.App, error) {
	return events.Call(ctx, a.port, events.InstalledApps, events.AppQuery{Query: query})
}

// Console forwards log lines to the host. It never blocks on a reply.
type Console struct {
	port      *port.Port
	extension string
	command   string
}

func (c *Console) emit(level string, args []interface{}) {
	msg := events.ConsoleMessage{
		Level:     level,
		Args:      make([]string, len(args)),
		Extension: c.extension,
		Command:   c.command,
		Time:      time.Now(),
	}
	for i, a := range args {
		msg.Args[i] = fmt.Sprint(a)
	}
	// the host may already be gone; console output is best effort
	_ = events.Emit(c.port, events.Console, msg)
}

func (c *Console) Log(args ...interface{})   { c.emit(events.LevelLog, args) }
func (c *Console) Info(args ...interface{})  { c.emit(events.LevelInfo, args) }
func (c *Console) Warn(args ...interface{})  { c.emit(events.LevelWarn, args) }
func (c *Console) Error(args ...interface{}) { c.emit(events.LevelError, args) }
func (c *Console) Debug(args ...interface{}) { c.emit(events.LevelDebug, args) }

// Storage is per-extension key/value storage kept by the host.
type Storage struct {
	port *port.Port
}

// Get returns the stored values for keys. Missing keys are absent from the map.
func (s *Storage) Get(ctx context.Context, keys ...string) (map[string]interface{}, error) {
	items, err := events.Call(ctx, s.port, events.StorageGet, events.StorageKeys{Keys: keys})
	if err != nil {
		return nil, err
	}
	if items.Items == nil {
		return map[string]interface{}{}, nil
	}
	return items.Items, nil
}

// Set stores items.
func (s *Storage) Set(ctx context.Context, items map[string]interface{}) error {
	_, err := events.Call(ctx, s.port, events.StorageSet, events.StorageItems{Items: items})
	return err
}

// Remove deletes keys.
func (s *Storage) Remove(ctx context.Context, keys ...string) error {
	_, err := events.Call(ctx, s.port, events.StorageRemove, events.StorageKeys{Keys: keys})
	return err
}

// Clipboard reads and writes the host clipboard.
type Clipboard struct {
	port *port.Port
}

func (c *Clipboard) Read(ctx context.Context) (string, error) {
	out, err := events.Call(ctx, c.port, events.ClipboardRead, events.None{})
	return out.Text, err
}

func (c *Clipboard) Write(ctx context.Context, text string) error {
	_, err := events.Call(ctx, c.port, events.ClipboardWrite, events.ClipboardText{Text: text})
	return err
}

// Builtins registers the sample commands shipped with alt-worker.
func Builtins(r *Runtime) {
	r.Register("hello", func(_ context.Context, api *API) error {
		name := api.Launch().Arguments["name"]
		if name == "" {
			name = "world"
		}
		api.Console().Log("hello,", name)
		return nil
	})
	r.Register("throw", func(context.Context, *API) error {
		return fmt.Errorf("thrown by extension")
	})
	r.Register("panic", func(context.Context, *API) error {
		panic("extension bug")
	})
	r.Register("upper-clipboard", func(ctx context.Context, api *API) error {
		text, err := api.Clipboard().Read(ctx)
		if err != nil {
			return err
		}
		return api.Clipboard().Write(ctx, strings.ToUpper(text))
	})
	r.Register("count-runs", func(ctx context.Context, api *API) error {
		stored, err := api.Storage().Get(ctx, "runs")
		if err != nil {
			return err
		}
		runs := toInt(stored["runs"]) + 1
		if err := api.Storage().Set(ctx, map[string]interface{}{"runs": runs}); err != nil {
			return err
		}
		api.Console().Info("run", runs)
		return nil
	})
	r.Register("list-apps", func(ctx context.Context, api *API) error {
		apps, err := api.InstalledApps(ctx, api.Launch().Arguments["query"])
		if err != nil {
			return err
		}
		for _, app := range apps {
			api.Console().Log(app.Name)
		}
		return nil
	})
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
