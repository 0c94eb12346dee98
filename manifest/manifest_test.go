package manifest

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/machinefabric/altport-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clipboardManifest = `
id: clipboard-tools
title: Clipboard Tools
version: 0.2.0
author: Jo
commands:
  - id: upper
    title: Uppercase Clipboard
    type: action
  - id: history
    title: Clipboard History
    type: view
    arguments: [filter]
`

func writeManifest(t *testing.T, root, name, body string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(body), 0o644))
}

func TestManifestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(clipboardManifest))
	require.NoError(t, err)

	assert.Equal(t, "clipboard-tools", m.ID)
	assert.Equal(t, "0.2.0", m.Version)
	require.NotNil(t, m.Author)
	assert.Equal(t, "Jo", *m.Author)
	require.Len(t, m.Commands, 2)

	c, ok := m.Command("history")
	require.True(t, ok)
	assert.Equal(t, events.CommandView, c.Type)
	assert.Equal(t, []string{"filter"}, c.Arguments)

	_, ok = m.Command("missing")
	assert.False(t, ok)
}

func TestManifestWithAuthor(t *testing.T) {
	m := NewExtensionManifest("x", "X", "1.0.0", []Command{{ID: "run", Type: events.CommandScript}}).WithAuthor("Sam")
	require.NotNil(t, m.Author)
	assert.Equal(t, "Sam", *m.Author)
	require.NoError(t, m.Validate())

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"author":"Sam"`)
	assert.NotContains(t, string(data), "Dir")
}

func TestManifestValidation(t *testing.T) {
	cases := map[string]string{
		"missing id":     "title: x\ncommands: [{id: a, type: action}]\n",
		"no commands":    "id: x\n",
		"bad type":       "id: x\ncommands: [{id: a, type: widget}]\n",
		"duplicate":      "id: x\ncommands: [{id: a, type: action}, {id: a, type: view}]\n",
		"unknown field":  "id: x\nbogus: 1\ncommands: [{id: a, type: action}]\n",
		"slash in id":    "id: a/b\ncommands: [{id: a, type: action}]\n",
		"empty command":  "id: x\ncommands: [{type: action}]\n",
		"not a manifest": "- just\n- a list\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidManifest), "got %v", err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "clipboard", clipboardManifest)
	writeManifest(t, root, "apps", "id: apps\ntitle: Apps\ncommands: [{id: list, title: List Apps, type: script}]\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("not an extension"), 0o644))

	r, err := LoadDir(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"apps", "clipboard-tools"}, r.IDs())

	m, ok := r.Get("clipboard-tools")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "clipboard"), m.Dir)

	entries := r.Commands()
	require.Len(t, entries, 3)
	assert.Equal(t, "apps", entries[0].Extension)
	assert.Equal(t, "upper", entries[1].ID)
	assert.Equal(t, "history", entries[2].ID)
}

func TestLoadDirRejectsDuplicates(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "one", clipboardManifest)
	writeManifest(t, root, "two", clipboardManifest)

	_, err := LoadDir(root)
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestRegistryPayload(t *testing.T) {
	r := NewRegistry()
	m, err := Parse(strings.NewReader(clipboardManifest))
	require.NoError(t, err)
	require.NoError(t, r.Register(m))

	p, err := r.Payload("clipboard-tools", "history", Launch{
		Context: map[string]interface{}{"source": "hotkey"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ExecutionId)
	assert.Equal(t, "clipboard-tools", p.ExtensionId)
	assert.Equal(t, "history", p.CommandId)
	assert.Equal(t, events.CommandView, p.CommandType)
	assert.Equal(t, "Clipboard History", p.Title)
	assert.Equal(t, map[string]string{"filter": ""}, p.Arguments)
	assert.Equal(t, "hotkey", p.LaunchContext["source"])

	again, err := r.Payload("clipboard-tools", "history", Launch{Arguments: map[string]string{"filter": "url"}})
	require.NoError(t, err)
	assert.NotEqual(t, p.ExecutionId, again.ExecutionId)
	assert.Equal(t, "url", again.Arguments["filter"])

	_, err = r.Payload("nope", "history", Launch{})
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = r.Payload("clipboard-tools", "nope", Launch{})
	assert.True(t, errors.Is(err, ErrNotFound))
}
