package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/machinefabric/altport-go/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, extensions string) string {
	t.Helper()
	dir := t.TempDir()
	body := "log:\n  level: error\nrunner:\n  extensions_dir: " + extensions +
		"\nstorage:\n  dir: " + filepath.Join(dir, "storage") + "\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"name=alt", "empty=", "eq=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "alt", "empty": "", "eq": "a=b"}, got)

	_, err = parsePairs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parsePairs([]string{"=x"})
	assert.Error(t, err)
}

func TestLoadRegistryAddsBuiltins(t *testing.T) {
	r, err := loadRegistry(&config.RunnerConfig{ExtensionsDir: filepath.Join(t.TempDir(), "absent")})
	require.NoError(t, err)
	assert.Equal(t, []string{BuiltinExtension}, r.IDs())

	m, ok := r.Get(BuiltinExtension)
	require.True(t, ok)
	_, ok = m.Command("hello")
	assert.True(t, ok)
}

func TestCommandsAndRun(t *testing.T) {
	ext := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ext, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ext, "notes", "manifest.yaml"),
		[]byte("id: notes\ntitle: Notes\ncommands: [{id: open, title: Open Notes, type: view}]\n"), 0o644))
	cfg := writeConfig(t, ext)

	out, err := execute(t, "--config", cfg, "commands")
	require.NoError(t, err)
	assert.Contains(t, out, "EXTENSION")
	assert.Contains(t, out, "Open Notes")
	assert.Contains(t, out, "builtin")

	out, err = execute(t, "--config", cfg, "run", "builtin", "hello", "--arg", "name=cli")
	require.NoError(t, err)
	assert.Contains(t, out, "[log] hello, cli")

	_, err = execute(t, "--config", cfg, "run", "notes", "missing")
	assert.Error(t, err)
}
