package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/port"
	"github.com/rkoesters/xdg/desktop"
	"github.com/samber/lo"
	"github.com/timshannon/badgerhold/v4"
)

// Clipboard is the host clipboard as seen by extensions.
type Clipboard interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

// SystemClipboard uses the desktop clipboard.
type SystemClipboard struct{}

func (SystemClipboard) ReadAll() (string, error) { return clipboard.ReadAll() }
func (SystemClipboard) WriteAll(text string) error {
	return clipboard.WriteAll(text)
}

// MemoryClipboard keeps clipboard text in memory, for headless hosts and tests.
type MemoryClipboard struct {
	mu   sync.Mutex
	text string
}

func (c *MemoryClipboard) ReadAll() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, nil
}

func (c *MemoryClipboard) WriteAll(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
	return nil
}

// AppIndex answers installed application queries.
type AppIndex interface {
	Query(query string) ([]events.App, error)
}

// DesktopApps scans freedesktop .desktop entries.
type DesktopApps struct {
	Dirs []string
}

// DefaultDesktopDirs are the usual application directories.
func DefaultDesktopDirs() []string {
	dirs := []string{"/usr/share/applications", "/usr/local/share/applications"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "applications"))
	}
	return dirs
}

func (d DesktopApps) Query(query string) ([]events.App, error) {
	var apps []events.App
	for _, dir := range d.Dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.desktop"))
		if err != nil {
			return nil, err
		}
		for _, path := range matches {
			app, ok := parseDesktopEntry(path)
			if !ok {
				continue
			}
			if query == "" || strings.Contains(strings.ToLower(app.Name), strings.ToLower(query)) {
				apps = append(apps, app)
			}
		}
	}
	apps = lo.UniqBy(apps, func(a events.App) string { return a.Name })
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps, nil
}

func parseDesktopEntry(path string) (events.App, bool) {
	f, err := os.Open(path)
	if err != nil {
		return events.App{}, false
	}
	defer f.Close()

	entry, err := desktop.New(f)
	if err != nil || entry.Hidden || entry.NoDisplay || entry.Name == "" {
		return events.App{}, false
	}
	return events.App{Name: entry.Name, Exec: entry.Exec, Icon: entry.Icon, Path: path}, true
}

// storageRecord is one key of one extension's local storage.
type storageRecord struct {
	Key       string `badgerhold:"key"`
	Extension string `badgerholdIndex:"Extension"`
	Name      string
	Value     []byte
}

// Storage persists extension local storage in badger.
type Storage struct {
	store *badgerhold.Store
}

// OpenStorage opens or creates the store in dir. An empty dir keeps
// everything in memory.
func OpenStorage(dir string) (*Storage, error) {
	opts := badgerhold.DefaultOptions
	opts.Logger = nil
	if dir == "" {
		opts.InMemory = true
	} else {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
		opts.Dir = dir
		opts.ValueDir = dir
	}
	store, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return &Storage{store: store}, nil
}

func (s *Storage) Close() error {
	return s.store.Close()
}

func storageKey(extension, name string) string {
	return extension + "\x00" + name
}

// Get returns stored values for keys; an empty key list returns everything.
func (s *Storage) Get(extension string, keys []string) (map[string]interface{}, error) {
	var records []storageRecord
	if err := s.store.Find(&records, badgerhold.Where("Extension").Eq(extension).Index("Extension")); err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	for _, rec := range records {
		if len(keys) > 0 && !lo.Contains(keys, rec.Name) {
			continue
		}
		var v interface{}
		if err := cbor.Unmarshal(rec.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %q: %w", rec.Name, err)
		}
		out[rec.Name] = normalize(v)
	}
	return out, nil
}

// Set stores items.
func (s *Storage) Set(extension string, items map[string]interface{}) error {
	var result *multierror.Error
	for name, value := range items {
		raw, err := cbor.Marshal(value)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("encode %q: %w", name, err))
			continue
		}
		rec := storageRecord{Key: storageKey(extension, name), Extension: extension, Name: name, Value: raw}
		if err := s.store.Upsert(rec.Key, rec); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Remove deletes keys. Missing keys are ignored.
func (s *Storage) Remove(extension string, keys []string) error {
	var result *multierror.Error
	for _, name := range keys {
		err := s.store.Delete(storageKey(extension, name), storageRecord{})
		if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// normalize turns CBOR's generic maps into string-keyed maps.
func normalize(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(tv))
		for k, e := range tv {
			m[fmt.Sprint(k)] = normalize(e)
		}
		return m
	case []interface{}:
		for i, e := range tv {
			tv[i] = normalize(e)
		}
		return tv
	default:
		return v
	}
}

// Services implements the restricted API a worker may call on the host.
type Services struct {
	Apps      AppIndex
	Storage   *Storage
	Clipboard Clipboard
}

// Names are the API requests Services answers.
func (s *Services) Names() []string {
	return events.APINames()
}

// Register installs one handler per API name on p, scoped to the payload's
// extension. Missing backends answer with an error instead of leaving the
// name unhandled.
func (s *Services) Register(p *port.Port, payload Payload) error {
	ext := payload.ExtensionId
	var result *multierror.Error
	add := func(_ func(), err error) {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	add(events.Handle(p, events.InstalledApps, func(_ context.Context, q events.AppQuery) ([]events.App, error) {
		if s.Apps == nil {
			return nil, errUnavailable("installed apps")
		}
		return s.Apps.Query(q.Query)
	}))
	add(events.Handle(p, events.StorageGet, func(_ context.Context, k events.StorageKeys) (events.StorageItems, error) {
		if s.Storage == nil {
			return events.StorageItems{}, errUnavailable("storage")
		}
		items, err := s.Storage.Get(ext, k.Keys)
		return events.StorageItems{Items: items}, err
	}))
	add(events.Handle(p, events.StorageSet, func(_ context.Context, items events.StorageItems) (events.None, error) {
		if s.Storage == nil {
			return events.None{}, errUnavailable("storage")
		}
		return events.None{}, s.Storage.Set(ext, items.Items)
	}))
	add(events.Handle(p, events.StorageRemove, func(_ context.Context, k events.StorageKeys) (events.None, error) {
		if s.Storage == nil {
			return events.None{}, errUnavailable("storage")
		}
		return events.None{}, s.Storage.Remove(ext, k.Keys)
	}))
	add(events.Handle(p, events.ClipboardRead, func(context.Context, events.None) (events.ClipboardText, error) {
		if s.Clipboard == nil {
			return events.ClipboardText{}, errUnavailable("clipboard")
		}
		text, err := s.Clipboard.ReadAll()
		return events.ClipboardText{Text: text}, err
	}))
	add(events.Handle(p, events.ClipboardWrite, func(_ context.Context, c events.ClipboardText) (events.None, error) {
		if s.Clipboard == nil {
			return events.None{}, errUnavailable("clipboard")
		}
		return events.None{}, s.Clipboard.WriteAll(c.Text)
	}))
	return result.ErrorOrNil()
}

func errUnavailable(what string) error {
	return fmt.Errorf("%s is not available on this host", what)
}
