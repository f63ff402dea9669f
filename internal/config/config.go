// Package config loads the gateway configuration from environment
// variables and an optional YAML file, and builds the logger from it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Debug bool   `mapstructure:"debug"`
}

// Addr returns the listen address as host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OllamaConfig holds the upstream backend settings.
type OllamaConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// BaseURL returns the backend base URL, e.g. "http://localhost:11434".
func (c OllamaConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// AuthConfig holds the optional access-control settings. An empty APIKey
// disables the key check; an empty allow-list disables IP filtering.
type AuthConfig struct {
	APIKey     string   `mapstructure:"api_key"`
	AllowedIPs []string `mapstructure:"-"`
}

// RateLimitConfig holds the optional per-IP rate limiter settings.
type RateLimitConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	PerMinute int  `mapstructure:"per_minute"`
}

// LoggingConfig holds the logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Config is the complete gateway configuration. Loaded once at startup
// and passed explicitly to every component that needs it.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Load reads configuration from the given file (or the default search
// paths when empty) and environment variables. Environment variables use
// the LLAMAGATE_ prefix with underscores, e.g. LLAMAGATE_SERVER_PORT=9090.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.debug", false)
	v.SetDefault("ollama.host", "localhost")
	v.SetDefault("ollama.port", 11434)
	v.SetDefault("ollama.timeout", "1h")
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.allowed_ips", "")
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.per_minute", 60)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("llamagate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/llamagate")
	}

	// Environment variable support: LLAMAGATE_SERVER_PORT=9090
	v.SetEnvPrefix("LLAMAGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Auth.AllowedIPs = splitList(v.GetString("auth.allowed_ips"))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Ollama.Port < 1 || c.Ollama.Port > 65535 {
		return fmt.Errorf("invalid ollama port %d", c.Ollama.Port)
	}
	if c.Ollama.Timeout <= 0 {
		return fmt.Errorf("invalid ollama timeout %v", c.Ollama.Timeout)
	}
	if c.RateLimit.Enabled && c.RateLimit.PerMinute < 1 {
		return fmt.Errorf("invalid rate limit %d requests/minute", c.RateLimit.PerMinute)
	}
	return nil
}

// splitList parses a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
