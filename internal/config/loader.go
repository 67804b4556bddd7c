package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// secretEnvKeys maps a config-file key path that must never be set in YAML
// to the environment variable it is read from instead.
var secretEnvKeys = map[string]string{
	"ai.api_key":                  "ANTHROPIC_API_KEY",
	"security.db_encryption_key":  "VOXD_DB_ENCRYPTION_KEY",
}

// Load reads, expands, and strictly decodes the YAML configuration file at
// path, then overlays secrets from the environment. It returns an error if
// a secret key is present in the file itself.
func Load(path string) (*Config, error) {
	raw, err := loadRaw(path)
	if err != nil {
		return nil, err
	}

	if err := rejectSecretKeys(raw); err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := decodeInto(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.AI.APIKey = strings.TrimSpace(os.Getenv(openAIOrAnthropicKey(cfg.AI.Provider)))
	cfg.Security.DBEncryptionKey = strings.TrimSpace(os.Getenv("VOXD_DB_ENCRYPTION_KEY"))

	return &cfg, nil
}

func openAIOrAnthropicKey(provider string) string {
	if strings.EqualFold(provider, "openai") {
		return "OPENAI_API_KEY"
	}
	return "ANTHROPIC_API_KEY"
}

func loadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single YAML document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func rejectSecretKeys(raw map[string]any) error {
	for dotted := range secretEnvKeys {
		parts := strings.Split(dotted, ".")
		cursor := raw
		for i, part := range parts {
			val, ok := cursor[part]
			if !ok {
				break
			}
			if i == len(parts)-1 {
				return fmt.Errorf("config key %q must be set via environment, not the config file", dotted)
			}
			next, ok := val.(map[string]any)
			if !ok {
				break
			}
			cursor = next
		}
	}
	return nil
}

func decodeInto(raw map[string]any, cfg *Config) error {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("re-marshal config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return fmt.Errorf("decode config: expected a single YAML document")
	}
	return nil
}
