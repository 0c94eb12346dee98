// Package manifest loads extension manifests and resolves commands into
// execution payloads for the runner.
package manifest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/machinefabric/altport-go/events"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name looked for in each extension directory.
const ManifestFile = "manifest.yaml"

// Command is one command an extension contributes to the palette.
type Command struct {
	// Command id, unique within the extension
	ID string `yaml:"id" json:"id"`

	// Palette title
	Title string `yaml:"title" json:"title"`

	// One of action, view or script
	Type string `yaml:"type" json:"type"`

	// Free-form description shown under the title
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Named arguments the palette asks for before launch
	Arguments []string `yaml:"arguments,omitempty" json:"arguments,omitempty"`
}

// ExtensionManifest describes an installed extension.
type ExtensionManifest struct {
	// Extension id
	ID string `yaml:"id" json:"id"`

	// Display name
	Title string `yaml:"title" json:"title"`

	// Extension version
	Version string `yaml:"version" json:"version"`

	// Extension description
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Commands the extension provides
	Commands []Command `yaml:"commands" json:"commands"`

	// Extension author/maintainer
	Author *string `yaml:"author,omitempty" json:"author,omitempty"`

	// Directory the manifest was loaded from
	Dir string `yaml:"-" json:"-"`
}

// NewExtensionManifest creates a manifest.
func NewExtensionManifest(id, title, version string, commands []Command) *ExtensionManifest {
	return &ExtensionManifest{
		ID:       id,
		Title:    title,
		Version:  version,
		Commands: commands,
	}
}

// WithAuthor sets the author of the extension
func (m *ExtensionManifest) WithAuthor(author string) *ExtensionManifest {
	m.Author = &author
	return m
}

// Command returns the command with id.
func (m *ExtensionManifest) Command(id string) (Command, bool) {
	return lo.Find(m.Commands, func(c Command) bool { return c.ID == id })
}

// Validate performs structural checks only.
func (m *ExtensionManifest) Validate() error {
	if m.ID == "" {
		return NewInvalidManifestError(m.Dir, "missing id")
	}
	if strings.ContainsAny(m.ID, " /\\") {
		return NewInvalidManifestError(m.ID, "id must not contain spaces or slashes")
	}
	if len(m.Commands) == 0 {
		return NewInvalidManifestError(m.ID, "no commands")
	}
	seen := make(map[string]bool, len(m.Commands))
	for _, c := range m.Commands {
		if c.ID == "" {
			return NewInvalidManifestError(m.ID, "command without id")
		}
		if seen[c.ID] {
			return NewInvalidManifestError(m.ID, fmt.Sprintf("duplicate command %q", c.ID))
		}
		seen[c.ID] = true
		switch c.Type {
		case events.CommandAction, events.CommandView, events.CommandScript:
		default:
			return NewInvalidManifestError(m.ID, fmt.Sprintf("command %q: unknown type %q", c.ID, c.Type))
		}
	}
	return nil
}

// Parse decodes and validates a YAML manifest.
func Parse(r io.Reader) (*ExtensionManifest, error) {
	var m ExtensionManifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, NewInvalidManifestError("", err.Error())
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads the manifest in dir.
func Load(dir string) (*ExtensionManifest, error) {
	f, err := os.Open(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	m.Dir = dir
	return m, nil
}

// RegistryError represents errors of manifest lookup and loading.
type RegistryError struct {
	Type    string
	Message string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is matches on Type.
func (e *RegistryError) Is(target error) bool {
	t, ok := target.(*RegistryError)
	return ok && t.Type == e.Type
}

var (
	ErrNotFound        = &RegistryError{Type: "NotFound"}
	ErrInvalidManifest = &RegistryError{Type: "InvalidManifest"}
	ErrDuplicate       = &RegistryError{Type: "Duplicate"}
)

// NewNotFoundError creates an error for an unknown extension or command.
func NewNotFoundError(what string) *RegistryError {
	return &RegistryError{Type: "NotFound", Message: fmt.Sprintf("no such %s", what)}
}

// NewInvalidManifestError creates an error for a manifest that fails to parse
// or validate.
func NewInvalidManifestError(extension, reason string) *RegistryError {
	if extension == "" {
		return &RegistryError{Type: "InvalidManifest", Message: reason}
	}
	return &RegistryError{Type: "InvalidManifest", Message: fmt.Sprintf("%s: %s", extension, reason)}
}

// NewDuplicateError creates an error for two manifests with the same id.
func NewDuplicateError(id string) *RegistryError {
	return &RegistryError{Type: "Duplicate", Message: fmt.Sprintf("extension %s registered twice", id)}
}

// Registry holds loaded manifests by extension id.
type Registry struct {
	extensions map[string]*ExtensionManifest
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{extensions: make(map[string]*ExtensionManifest)}
}

// LoadDir loads every <dir>/<extension>/manifest.yaml. Directories without a
// manifest are skipped.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := Load(filepath.Join(dir, entry.Name()))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a validated manifest.
func (r *Registry) Register(m *ExtensionManifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if _, exists := r.extensions[m.ID]; exists {
		return NewDuplicateError(m.ID)
	}
	r.extensions[m.ID] = m
	return nil
}

// Get returns the manifest of extension id.
func (r *Registry) Get(id string) (*ExtensionManifest, bool) {
	m, ok := r.extensions[id]
	return m, ok
}

// IDs returns the registered extension ids, sorted.
func (r *Registry) IDs() []string {
	ids := lo.Keys(r.extensions)
	sort.Strings(ids)
	return ids
}

// Entry is a command qualified by its extension.
type Entry struct {
	Extension string `json:"extension"`
	Command
}

// Commands lists every command, by extension id and then in manifest order.
func (r *Registry) Commands() []Entry {
	var out []Entry
	for _, id := range r.IDs() {
		for _, c := range r.extensions[id].Commands {
			out = append(out, Entry{Extension: id, Command: c})
		}
	}
	return out
}

// Launch carries what the palette knows at launch time.
type Launch struct {
	Arguments      map[string]string
	Context        map[string]interface{}
	BrowserContext map[string]interface{}
}

// Payload resolves extension/command into an execution payload with a fresh
// execution id. Arguments the command declares but launch lacks are set to
// the empty string.
func (r *Registry) Payload(extensionId, commandId string, launch Launch) (events.Execute, error) {
	m, ok := r.Get(extensionId)
	if !ok {
		return events.Execute{}, NewNotFoundError("extension " + extensionId)
	}
	c, ok := m.Command(commandId)
	if !ok {
		return events.Execute{}, NewNotFoundError(fmt.Sprintf("command %s/%s", extensionId, commandId))
	}
	title := c.Title
	if title == "" {
		title = c.ID
	}
	args := lo.Assign(lo.SliceToMap(c.Arguments, func(name string) (string, string) {
		return name, ""
	}), launch.Arguments)
	return events.Execute{
		ExecutionId:    uuid.NewString(),
		ExtensionId:    m.ID,
		CommandId:      c.ID,
		CommandType:    c.Type,
		Title:          title,
		LaunchContext:  launch.Context,
		Arguments:      args,
		BrowserContext: launch.BrowserContext,
	}, nil
}
