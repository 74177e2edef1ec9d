package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AuthEntry holds API key credentials for a provider.
type AuthEntry struct {
	Type   string `json:"type,omitempty"`
	Key    string `json:"key,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

// GetDefaultAuthPath returns the default credentials file path.
func GetDefaultAuthPath() (string, error) {
	dir, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "auth.json"), nil
}

// ResolveAPIKey finds the model API key for provider: <PROVIDER>_API_KEY
// first, then the provider's entry in auth.json. An entry is either a
// plain string or an AuthEntry object.
func ResolveAPIKey(provider string) (string, error) {
	authPath, err := GetDefaultAuthPath()
	if err != nil {
		return "", err
	}
	return resolveAPIKey(provider, authPath)
}

func resolveAPIKey(provider, authPath string) (string, error) {
	providerKey := strings.ToLower(strings.TrimSpace(provider))
	if providerKey == "" {
		providerKey = "zai"
	}

	envVar := strings.ToUpper(strings.ReplaceAll(providerKey, "-", "_")) + "_API_KEY"
	if value := strings.TrimSpace(os.Getenv(envVar)); value != "" {
		return value, nil
	}

	data, err := os.ReadFile(authPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("set %s or add %s", envVar, authPath)
		}
		return "", fmt.Errorf("failed to read auth file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", fmt.Errorf("failed to parse auth file: %w", err)
	}

	entryRaw, ok := raw[providerKey]
	if !ok {
		for key, value := range raw {
			if strings.EqualFold(key, providerKey) {
				entryRaw, ok = value, true
				break
			}
		}
	}
	if !ok {
		return "", fmt.Errorf("no credentials for %q in %s", providerKey, authPath)
	}

	var key string
	if err := json.Unmarshal(entryRaw, &key); err == nil {
		if key = expandPlaceholders(strings.TrimSpace(key)); key != "" {
			return key, nil
		}
	}

	var entry AuthEntry
	if err := json.Unmarshal(entryRaw, &entry); err != nil {
		return "", fmt.Errorf("invalid auth entry for %q in %s", providerKey, authPath)
	}
	for _, v := range []string{entry.APIKey, entry.Key, entry.Token} {
		if v = expandPlaceholders(strings.TrimSpace(v)); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("empty credentials for %q in %s", providerKey, authPath)
}
