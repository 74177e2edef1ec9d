package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/tiancaiamao/shellbuddy/pkg/llm"
	"github.com/tiancaiamao/shellbuddy/pkg/logger"
)

// ErrMissingSecret is returned by ValidateServer when no JWT secret is set.
var ErrMissingSecret = errors.New("server.jwtSecret is not set")

// Config represents the application configuration.
type Config struct {
	Server ServerConfig `json:"server" toml:"server" yaml:"server"`
	Client ClientConfig `json:"client" toml:"client" yaml:"client"`
	Model  llm.Model    `json:"model" toml:"model" yaml:"model"`
	Agent  AgentConfig  `json:"agent" toml:"agent" yaml:"agent"`
	Tools  ToolsConfig  `json:"tools" toml:"tools" yaml:"tools"`
	Log    LogConfig    `json:"log" toml:"log" yaml:"log"`
}

// ServerConfig configures the gateway.
type ServerConfig struct {
	Addr        string   `json:"addr" toml:"addr" yaml:"addr"`
	WSPath      string   `json:"wsPath" toml:"wsPath" yaml:"wsPath"`
	JWTSecret   string   `json:"jwtSecret,omitempty" toml:"jwtSecret" yaml:"jwtSecret,omitempty"`
	CallTimeout Duration `json:"callTimeout" toml:"callTimeout" yaml:"callTimeout"`
	TokenTTL    Duration `json:"tokenTTL" toml:"tokenTTL" yaml:"tokenTTL"`
}

// ClientConfig configures the ask command.
type ClientConfig struct {
	URL   string `json:"url" toml:"url" yaml:"url"`
	Token string `json:"token,omitempty" toml:"token" yaml:"token,omitempty"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	MaxIterations   int      `json:"maxIterations" toml:"maxIterations" yaml:"maxIterations"`
	MaxLLMRetries   int      `json:"maxLLMRetries" toml:"maxLLMRetries" yaml:"maxLLMRetries"`
	LLMTimeout      Duration `json:"llmTimeout" toml:"llmTimeout" yaml:"llmTimeout"`
	HistoryMessages int      `json:"historyMessages" toml:"historyMessages" yaml:"historyMessages"`
	// HistoryDir holds one JSONL file per chat; empty keeps history in memory
	HistoryDir string `json:"historyDir" toml:"historyDir" yaml:"historyDir"`
}

// ToolsConfig configures the client side command tool.
type ToolsConfig struct {
	Shell        string   `json:"shell,omitempty" toml:"shell" yaml:"shell,omitempty"`
	PreviewLines int      `json:"previewLines" toml:"previewLines" yaml:"previewLines"`
	RecordTTL    Duration `json:"recordTTL" toml:"recordTTL" yaml:"recordTTL"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level string `json:"level,omitempty" toml:"level" yaml:"level,omitempty"` // debug, info, warn, error
	File  string `json:"file,omitempty" toml:"file" yaml:"file,omitempty"`    // empty = stderr only
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home, _ := Home()
	return &Config{
		Server: ServerConfig{
			Addr:        "127.0.0.1:8080",
			WSPath:      "/v2/ws",
			CallTimeout: Minutes(10),
			TokenTTL:    Hours(24),
		},
		Client: ClientConfig{
			URL: "ws://127.0.0.1:8080/v2/ws",
		},
		Model: llm.Model{
			ID:       "glm-4.5-air",
			Provider: "zai",
			BaseURL:  "https://api.z.ai/api/coding/paas/v4",
			API:      "openai-completions",
		},
		Agent: AgentConfig{
			MaxIterations:   25,
			LLMTimeout:      Minutes(2),
			HistoryMessages: 200,
			HistoryDir:      filepath.Join(home, "chats"),
		},
		Tools: ToolsConfig{
			PreviewLines: 100,
			RecordTTL:    Hours(1),
		},
		Log: LogConfig{
			Level: "info",
			File:  filepath.Join(home, "shellbuddy.log"),
		},
	}
}

// CreateLogger creates a logger from the log configuration. A quiet logger
// writes to the log file only.
func (c LogConfig) CreateLogger(quiet bool) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:    logger.ParseLevel(c.Level),
		FilePath: c.File,
		Quiet:    quiet,
	})
}

// LoadConfig loads configuration from file and merges with environment variables.
// Environment variables take precedence over config file values. A missing
// file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := decode(configPath, data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	cfg.expandEnv()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode picks the decoder from the file extension. Unknown extensions are
// treated as JSON.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".yaml", ".yml":
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// expandEnv replaces ${VAR} placeholders in string values.
func (c *Config) expandEnv() {
	for _, s := range []*string{
		&c.Server.Addr,
		&c.Server.WSPath,
		&c.Server.JWTSecret,
		&c.Client.URL,
		&c.Client.Token,
		&c.Model.ID,
		&c.Model.Provider,
		&c.Model.BaseURL,
		&c.Model.API,
		&c.Agent.HistoryDir,
		&c.Tools.Shell,
		&c.Log.Level,
		&c.Log.File,
	} {
		*s = expandPlaceholders(*s)
	}
}

// ValidateServer checks the fields the gateway cannot run without.
func (c *Config) ValidateServer() error {
	if c.Server.JWTSecret == "" {
		return ErrMissingSecret
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.wsPath must start with '/': %q", c.Server.WSPath)
	}
	return nil
}

// SaveConfig saves configuration to file as JSON.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// the file may carry the JWT secret
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetDefaultConfigPath returns the default config file path.
func GetDefaultConfigPath() (string, error) {
	dir, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}
