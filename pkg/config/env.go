package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

var placeholderRE = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandPlaceholders replaces ${VAR} with the value of VAR. Unset variables
// expand to the empty string. A bare $VAR is left alone.
func expandPlaceholders(s string) string {
	return placeholderRE.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(placeholderRE.FindStringSubmatch(m)[1])
	})
}

// applyEnv overrides cfg with environment variables.
func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Addr, "SHELLBUDDY_ADDR")
	setString(&cfg.Server.WSPath, "SHELLBUDDY_WS_PATH")
	setString(&cfg.Server.JWTSecret, "SHELLBUDDY_JWT_SECRET")
	setString(&cfg.Client.URL, "SHELLBUDDY_URL")
	setString(&cfg.Client.Token, "SHELLBUDDY_TOKEN")
	setString(&cfg.Agent.HistoryDir, "SHELLBUDDY_HISTORY_DIR")
	setString(&cfg.Tools.Shell, "SHELLBUDDY_SHELL")
	setString(&cfg.Log.Level, "SHELLBUDDY_LOG_LEVEL")
	setString(&cfg.Log.File, "SHELLBUDDY_LOG_FILE")
	setString(&cfg.Model.ID, "ZAI_MODEL")
	setString(&cfg.Model.BaseURL, "ZAI_BASE_URL")

	if err := setInt(&cfg.Agent.MaxIterations, "SHELLBUDDY_MAX_ITERATIONS"); err != nil {
		return err
	}
	if err := setInt(&cfg.Tools.PreviewLines, "SHELLBUDDY_PREVIEW_LINES"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Server.CallTimeout, "SHELLBUDDY_CALL_TIMEOUT"); err != nil {
		return err
	}
	return setDuration(&cfg.Tools.RecordTTL, "SHELLBUDDY_RECORD_TTL")
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setInt(dst *int, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	dst.Duration = d
	return nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Home is the directory holding config, credentials and logs. It defaults
// to ~/.shellbuddy and can be moved with SHELLBUDDY_HOME.
func Home() (string, error) {
	if dir := getEnv("SHELLBUDDY_HOME", ""); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".shellbuddy"), nil
}
