package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/machinefabric/altport-go/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonConsole(level string) *config.LogConfig {
	return &config.LogConfig{
		Level:  level,
		Format: "json",
		Output: []config.LogOutputConfig{{Type: "console", Enabled: true}},
	}
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name        string
		config      *config.LogConfig
		expectError bool
	}{
		{
			name:   "console_json",
			config: jsonConsole("info"),
		},
		{
			name: "console_pretty",
			config: &config.LogConfig{
				Level:  "warn",
				Format: "console",
				Output: []config.LogOutputConfig{{Type: "console", Enabled: true}},
			},
		},
		{
			name: "rotating_file",
			config: &config.LogConfig{
				Level:  "debug",
				Format: "json",
				Output: []config.LogOutputConfig{{
					Type:    "file",
					Enabled: true,
					Path:    filepath.Join(t.TempDir(), "logs", "alt.log"),
					Rotate:  config.LogRotateConfig{MaxSizeMB: 1, MaxBackups: 1},
				}},
			},
		},
		{
			name: "nothing_enabled",
			config: &config.LogConfig{
				Level:  "info",
				Output: []config.LogOutputConfig{{Type: "console", Enabled: false}},
			},
		},
		{
			name: "unknown_output",
			config: &config.LogConfig{
				Level:  "info",
				Output: []config.LogOutputConfig{{Type: "syslog", Enabled: true}},
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(tt.config, &bytes.Buffer{})
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer m.Close()
			portLog := m.GetLogger("port")
			portLog.Info().Msg("hello")
		})
	}
}

func TestPackageLevels(t *testing.T) {
	var buf bytes.Buffer
	cfg := jsonConsole("info")
	cfg.Levels = map[string]string{"runner": "error"}
	m, err := NewManager(cfg, &buf)
	require.NoError(t, err)

	runnerLog := m.GetLogger("runner")
	runnerLog.Info().Msg("hidden")
	portLog := m.GetLogger("port")
	portLog.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "port", line["pkg"])
	assert.Equal(t, "shown", line["message"])

	buf.Reset()
	m.SetPackageLevel("runner", "debug")
	runnerLog = m.GetLogger("runner")
	runnerLog.Debug().Msg("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alt.log")
	m, err := NewManager(&config.LogConfig{
		Level:  "info",
		Format: "console",
		Output: []config.LogOutputConfig{{Type: "file", Enabled: true, Path: path}},
	}, nil)
	require.NoError(t, err)

	relayLog := m.GetLogger("relay")
	relayLog.Warn().Str("id", "abc").Msg("expired")
	require.NoError(t, m.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"id":"abc"`), "file output is JSON: %s", data)
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	l := GetLogger("anything")
	l.Error().Msg("dropped")
	assert.Equal(t, "disabled", l.GetLevel().String())
}
