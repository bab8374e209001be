package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Settlement SettlementConfig `yaml:"settlement"`
}

type ServerConfig struct {
	Port  string `yaml:"port"`
	Env   string `yaml:"env"`
	Debug bool   `yaml:"debug"`
}

// DatabaseConfig selects the gorm dialector. DSN is a file path for sqlite
// and a connection string for postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret   string             `yaml:"jwt_secret"`
	TokenTTL    time.Duration      `yaml:"token_ttl"`
	Credentials []CredentialConfig `yaml:"credentials"`
}

// CredentialConfig maps an API key pair to a platform user
type CredentialConfig struct {
	APIKey      string   `yaml:"api_key"`
	APISecret   string   `yaml:"api_secret"`
	UserID      string   `yaml:"user_id"`
	Permissions []string `yaml:"permissions"`
}

type SettlementConfig struct {
	WorkerEnabled bool          `yaml:"worker_enabled"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

const (
	defaultJWTSecret     = "curvex-secret-key"
	defaultAPISecret     = "test-api-secret"
	defaultSettlerSecret = "settler-secret"
)

// Default returns a configuration suitable for local development
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Env:  "development",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "curvex.db",
		},
		Auth: AuthConfig{
			JWTSecret: defaultJWTSecret,
			TokenTTL:  24 * time.Hour,
			Credentials: []CredentialConfig{
				{APIKey: "test-api-key", APISecret: defaultAPISecret, UserID: "user-test", Permissions: []string{"trade"}},
				{APIKey: "settler-key", APISecret: defaultSettlerSecret, UserID: "svc-settler", Permissions: []string{"settle"}},
			},
		},
		Settlement: SettlementConfig{
			WorkerEnabled: true,
			PollInterval:  5 * time.Second,
			LeaseDuration: 30 * time.Second,
			MaxAttempts:   3,
		},
	}
}

// Load reads path over the defaults (an empty path keeps the defaults),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENV"); v != "" {
		c.Server.Env = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Server.Debug = true
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

// Production reports whether the service runs in production mode
func (c *Config) Production() bool {
	return c.Server.Env == "production"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be 'sqlite' or 'postgres'")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Production() && c.Auth.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("auth.jwt_secret must be changed from the development default in production")
	}
	for i, cred := range c.Auth.Credentials {
		if cred.APIKey == "" || cred.APISecret == "" || cred.UserID == "" {
			return fmt.Errorf("auth.credentials[%d] needs api_key, api_secret and user_id", i)
		}
		if c.Production() && (cred.APISecret == defaultAPISecret || cred.APISecret == defaultSettlerSecret) {
			return fmt.Errorf("auth.credentials[%d] uses a development api_secret in production", i)
		}
	}
	if c.Settlement.PollInterval <= 0 {
		return fmt.Errorf("settlement.poll_interval must be positive")
	}
	if c.Settlement.LeaseDuration <= 0 {
		return fmt.Errorf("settlement.lease_duration must be positive")
	}
	if c.Settlement.MaxAttempts < 1 {
		return fmt.Errorf("settlement.max_attempts must be at least 1")
	}
	return nil
}
