// Package config loads and validates the server's startup configuration.
package config

import "time"

// Config is the top-level, immutable configuration value built once at
// startup and passed by reference to every component. Hot-reloadable
// subfields are not mutated in place; Watch swaps the whole value behind
// an atomic pointer (see reload.go).
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Security     SecurityConfig     `yaml:"security"`
	AI           AIConfig           `yaml:"ai"`
	Plugins      PluginsConfig      `yaml:"plugins"`
	Memory       MemoryConfig       `yaml:"memory"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
	Logging      LoggingConfig      `yaml:"logging"`
	Database     DatabaseConfig     `yaml:"database"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SecurityConfig struct {
	SessionTTLSeconds   int      `yaml:"session_ttl_s"`
	MaxSessionsPerUser  int      `yaml:"max_sessions_per_user"`
	CORSOrigins         []string `yaml:"cors_origins"`
	SessionGraceSeconds int      `yaml:"session_grace_s"`

	// APIKey and DBEncryptionKey are never populated from YAML; they are
	// read from the environment by Load and rejected if present in the file.
	APIKey          string `yaml:"-"`
	DBEncryptionKey string `yaml:"-"`
}

type AIConfig struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	MaxTokensFree int    `yaml:"max_tokens_free"`
	MaxTokensPaid int    `yaml:"max_tokens_paid"`

	APIKey string `yaml:"-"`
}

type PluginsConfig struct {
	Whitelist        []string `yaml:"whitelist"`
	MaxFileSizeBytes int64    `yaml:"max_file_size_bytes"`
	TimeoutSeconds   int      `yaml:"timeout_s"`
	Dir              string   `yaml:"dir"`
}

type MemoryConfig struct {
	ShortTermMinutes int `yaml:"short_term_minutes"`
	ShortTermTokens  int `yaml:"short_term_tokens"`
	LongTermTopK     int `yaml:"long_term_top_k"`
	MidnightTZ       string `yaml:"midnight_timezone"`
}

type RateLimitingConfig struct {
	FreeRequestsPerMonth int           `yaml:"free_requests_per_month"`
	FreeRequestsPerMin   int           `yaml:"free_requests_per_minute"`
	PaidRequestsPerMin   int           `yaml:"paid_requests_per_minute"`
	Window               time.Duration `yaml:"window"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Defaults returns the configuration baseline overridden by the loaded file.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Security: SecurityConfig{
			SessionTTLSeconds:   24 * 60 * 60,
			MaxSessionsPerUser:  5,
			SessionGraceSeconds: 60,
		},
		AI: AIConfig{
			Provider:      "anthropic",
			Model:         "claude-3-5-sonnet-latest",
			MaxTokensFree: 150,
			MaxTokensPaid: 2000,
		},
		Plugins: PluginsConfig{
			MaxFileSizeBytes: 1 << 20,
			TimeoutSeconds:   3,
			Dir:              "plugins",
		},
		Memory: MemoryConfig{
			ShortTermMinutes: 20,
			ShortTermTokens:  4000,
			LongTermTopK:     5,
			MidnightTZ:       "Local",
		},
		RateLimiting: RateLimitingConfig{
			FreeRequestsPerMonth: 500,
			FreeRequestsPerMin:   10,
			PaidRequestsPerMin:   120,
			Window:               time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
		Database: DatabaseConfig{Path: "asystent.db"},
	}
}
