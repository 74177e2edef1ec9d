package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable LoadConfig reads so host settings do not
// leak into the tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SHELLBUDDY_ADDR", "SHELLBUDDY_WS_PATH", "SHELLBUDDY_JWT_SECRET",
		"SHELLBUDDY_URL", "SHELLBUDDY_TOKEN", "SHELLBUDDY_SHELL", "SHELLBUDDY_HISTORY_DIR",
		"SHELLBUDDY_LOG_LEVEL", "SHELLBUDDY_LOG_FILE", "SHELLBUDDY_MAX_ITERATIONS",
		"SHELLBUDDY_PREVIEW_LINES", "SHELLBUDDY_CALL_TIMEOUT", "SHELLBUDDY_RECORD_TTL",
		"ZAI_MODEL", "ZAI_BASE_URL", "ZAI_API_KEY",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("SHELLBUDDY_HOME", t.TempDir())
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	assert.Equal(t, "glm-4.5-air", cfg.Model.ID)
	assert.Equal(t, "zai", cfg.Model.Provider)
	assert.Equal(t, "/v2/ws", cfg.Server.WSPath)
	assert.Equal(t, 10*time.Minute, cfg.Server.CallTimeout.Duration)
	assert.Equal(t, 25, cfg.Agent.MaxIterations)
	assert.Equal(t, 100, cfg.Tools.PreviewLines)
	assert.Equal(t, time.Hour, cfg.Tools.RecordTTL.Duration)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, filepath.Join(os.Getenv("SHELLBUDDY_HOME"), "shellbuddy.log"), cfg.Log.File)
	assert.Equal(t, filepath.Join(os.Getenv("SHELLBUDDY_HOME"), "chats"), cfg.Agent.HistoryDir)
}

func TestLoadConfigFromJSON(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"addr": ":9999", "callTimeout": "30s"},
		"model": {"id": "custom-model", "provider": "custom", "baseUrl": "https://custom.api.com", "api": "openai-completions"},
		"tools": {"previewLines": 10, "recordTTL": 120}
	}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.CallTimeout.Duration)
	assert.Equal(t, "custom-model", cfg.Model.ID)
	assert.Equal(t, "https://custom.api.com", cfg.Model.BaseURL)
	assert.Equal(t, 10, cfg.Tools.PreviewLines)
	assert.Equal(t, 2*time.Minute, cfg.Tools.RecordTTL.Duration)
	// untouched sections keep their defaults
	assert.Equal(t, "/v2/ws", cfg.Server.WSPath)
	assert.Equal(t, 25, cfg.Agent.MaxIterations)
}

func TestLoadConfigFromTOML(t *testing.T) {
	clearEnv(t)
	t.Setenv("SHELLBUDDY_TEST_SECRET", "s3cret")

	cfg, err := LoadConfig(filepath.Join("testdata", "config.example.toml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, 5*time.Minute, cfg.Server.CallTimeout.Duration)
	assert.Equal(t, 12*time.Hour, cfg.Server.TokenTTL.Duration)
	assert.Equal(t, "glm-4.6", cfg.Model.ID)
	assert.Equal(t, 40, cfg.Agent.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.Agent.LLMTimeout.Duration)
	assert.Equal(t, "bash", cfg.Tools.Shell)
	assert.Equal(t, 30*time.Minute, cfg.Tools.RecordTTL.Duration)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Empty(t, cfg.Log.File)
	require.NoError(t, cfg.ValidateServer())
}

func TestLoadConfigFromYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: "127.0.0.1:7000"
  callTimeout: 45s
client:
  url: ws://example.test/v2/ws
agent:
  maxIterations: 3
tools:
  recordTTL: 90
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	assert.Equal(t, 45*time.Second, cfg.Server.CallTimeout.Duration)
	assert.Equal(t, "ws://example.test/v2/ws", cfg.Client.URL)
	assert.Equal(t, 3, cfg.Agent.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.Tools.RecordTTL.Duration)
	assert.Equal(t, "glm-4.5-air", cfg.Model.ID)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model": {"id": "file-model"}, "server": {"addr": ":1"}}`), 0644))

	t.Setenv("ZAI_MODEL", "env-model")
	t.Setenv("ZAI_BASE_URL", "https://env.example")
	t.Setenv("SHELLBUDDY_ADDR", ":2")
	t.Setenv("SHELLBUDDY_MAX_ITERATIONS", "7")
	t.Setenv("SHELLBUDDY_CALL_TIMEOUT", "1m")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "env-model", cfg.Model.ID)
	assert.Equal(t, "https://env.example", cfg.Model.BaseURL)
	assert.Equal(t, ":2", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.Agent.MaxIterations)
	assert.Equal(t, time.Minute, cfg.Server.CallTimeout.Duration)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		env     map[string]string
	}{
		{name: "invalid json", file: "config.json", content: `{invalid`},
		{name: "invalid duration", file: "config.json", content: `{"server": {"callTimeout": "soon"}}`},
		{name: "invalid toml", file: "config.toml", content: `[server`},
		{name: "invalid int env", file: "config.json", content: `{}`, env: map[string]string{"SHELLBUDDY_PREVIEW_LINES": "many"}},
		{name: "invalid duration env", file: "config.json", content: `{}`, env: map[string]string{"SHELLBUDDY_RECORD_TTL": "forever"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := Default()
	cfg.Server.JWTSecret = "abc"
	cfg.Agent.MaxIterations = 12
	cfg.Tools.RecordTTL = Minutes(15)
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidateServer(t *testing.T) {
	cfg := Default()
	assert.ErrorIs(t, cfg.ValidateServer(), ErrMissingSecret)

	cfg.Server.JWTSecret = "x"
	cfg.Server.WSPath = "ws"
	assert.Error(t, cfg.ValidateServer())

	cfg.Server.WSPath = "/ws"
	assert.NoError(t, cfg.ValidateServer())
}

func TestExpandPlaceholders(t *testing.T) {
	t.Setenv("SB_A", "alpha")
	t.Setenv("SB_EMPTY", "")

	assert.Equal(t, "alpha-x", expandPlaceholders("${SB_A}-x"))
	assert.Equal(t, "", expandPlaceholders("${SB_EMPTY}"))
	assert.Equal(t, "$SB_A", expandPlaceholders("$SB_A"))
	assert.Equal(t, "plain", expandPlaceholders("plain"))
}

func TestGetDefaultConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SHELLBUDDY_HOME", dir)

	path, err := GetDefaultConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.json"), path)
}

func TestCreateLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sb.log")
	log, err := LogConfig{Level: "debug", File: path}.CreateLogger(true)
	require.NoError(t, err)
	log.Debug("configured")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=configured")
}
