package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	DB          DBConfig          `yaml:"db"`
	Log         LogConfig         `yaml:"log"`
	Auth        AuthConfig        `yaml:"auth"`
	Checkout    CheckoutConfig    `yaml:"checkout"`
	Session     SessionConfig     `yaml:"session"`
	Sync        SyncConfig        `yaml:"sync"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Admin       AdminConfig       `yaml:"admin"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DBConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
}

type CheckoutConfig struct {
	LeaseDuration time.Duration `yaml:"lease_duration"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type SessionConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SendBuffer    int           `yaml:"send_buffer"`
}

type SyncConfig struct {
	LogRetention int   `yaml:"log_retention"`
	MaxDeltaGap  int64 `yaml:"max_delta_gap"`
}

type PersistenceConfig struct {
	RetryInitial time.Duration `yaml:"retry_initial"`
	RetryMax     time.Duration `yaml:"retry_max"`
}

type AdminConfig struct {
	// Mode is "http", "stdio" or "off".
	Mode string `yaml:"mode"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		DB: DBConfig{
			Driver: "sqlite",
			DSN:    "realityflow.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Checkout: CheckoutConfig{
			LeaseDuration: 30 * time.Second,
			SweepInterval: time.Second,
		},
		Session: SessionConfig{
			GracePeriod:   2 * time.Minute,
			SweepInterval: 10 * time.Second,
			SendBuffer:    256,
		},
		Sync: SyncConfig{
			LogRetention: 1024,
			MaxDeltaGap:  512,
		},
		Persistence: PersistenceConfig{
			RetryInitial: 200 * time.Millisecond,
			RetryMax:     10 * time.Second,
		},
		Admin: AdminConfig{
			Mode: "http",
		},
	}
}

// Load reads configuration from an optional YAML file and environment
// variables. path overrides REALITYFLOW_CONFIG_PATH when non-empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("REALITYFLOW_CONFIG_PATH")
	}
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid db.driver %q", c.DB.Driver)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	switch c.Admin.Mode {
	case "http", "stdio", "off":
	default:
		return fmt.Errorf("invalid admin.mode %q", c.Admin.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Checkout.LeaseDuration <= 0 {
		return fmt.Errorf("checkout.lease_duration must be positive")
	}
	if c.Session.SendBuffer <= 0 {
		return fmt.Errorf("session.send_buffer must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("REALITYFLOW_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if err := envInt("REALITYFLOW_SERVER_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if driver := os.Getenv("REALITYFLOW_DB_DRIVER"); driver != "" {
		cfg.DB.Driver = driver
	}
	if dsn := os.Getenv("REALITYFLOW_DB_DSN"); dsn != "" {
		cfg.DB.DSN = dsn
	}
	if level := os.Getenv("REALITYFLOW_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("REALITYFLOW_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
	if enabled := os.Getenv("REALITYFLOW_AUTH_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid REALITYFLOW_AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = v
	}
	if err := envDuration("REALITYFLOW_CHECKOUT_LEASE", &cfg.Checkout.LeaseDuration); err != nil {
		return err
	}
	if err := envDuration("REALITYFLOW_SESSION_GRACE", &cfg.Session.GracePeriod); err != nil {
		return err
	}
	if err := envInt("REALITYFLOW_SYNC_LOG_RETENTION", &cfg.Sync.LogRetention); err != nil {
		return err
	}
	if mode := os.Getenv("REALITYFLOW_ADMIN_MODE"); mode != "" {
		cfg.Admin.Mode = mode
	}
	return nil
}

func envInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
