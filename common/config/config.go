package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Engine    EngineConfig    `yaml:"engine"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Session   SessionConfig   `yaml:"session"`
	Exception ExceptionConfig `yaml:"exception"`
	Announcer AnnouncerConfig `yaml:"announcer"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Port        int    `yaml:"port"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// EngineConfig holds kernel tunables
type EngineConfig struct {
	// LockWait bounds how long an interface call waits for a case lock
	// before returning a busy error.
	LockWait time.Duration `yaml:"lock_wait"`
	// GraceWindow keeps terminal cases queryable before eviction.
	GraceWindow time.Duration `yaml:"grace_window"`
	// MaxFiringsPerRun bounds a single quiescence run as a livelock guard.
	MaxFiringsPerRun int `yaml:"max_firings_per_run"`
}

// StoreConfig selects the backing adapters
type StoreConfig struct {
	EventLog string `yaml:"event_log"` // "memory" or "postgres"
	Sessions string `yaml:"sessions"`  // "memory" or "redis"
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Database    string        `yaml:"database"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SessionConfig holds Interface B session settings
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// ConnectBurst is the per-principal connect attempts allowed per minute.
	ConnectBurst int `yaml:"connect_burst"`
}

// ExceptionConfig holds Interface X settings
type ExceptionConfig struct {
	HandlerURL    string        `yaml:"handler_url"` // empty disables callbacks; every exception escalates
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RetryLimit    int           `yaml:"retry_limit"` // default per-task attempt bound
}

// AnnouncerConfig holds event fan-out settings
type AnnouncerConfig struct {
	BufferSize   int    `yaml:"buffer_size"`   // per-subscriber backlog before drop
	RedisChannel string `yaml:"redis_channel"` // empty disables the pub/sub bridge
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool `yaml:"enable_pprof"`
	EnableMetrics bool `yaml:"enable_metrics"`
	AdminPort     int  `yaml:"admin_port"`
}

// AuthConfig holds the built-in principal table. The full resource model is
// an external service; the engine carries enough to mint sessions and check
// scopes.
type AuthConfig struct {
	Users []UserConfig `yaml:"users"`
}

// UserConfig is one principal with its scopes and, for agents, the task
// names it may work on.
type UserConfig struct {
	Name     string   `yaml:"name"`
	Password string   `yaml:"password"`
	Scopes   []string `yaml:"scopes"`
	Tasks    []string `yaml:"tasks"`
}

// Load builds configuration from defaults, an optional YAML file, and
// environment variable overrides, in that precedence order.
func Load(serviceName, path string) (*Config, error) {
	cfg := defaults(serviceName)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	return cfg, cfg.Validate()
}

func defaults(serviceName string) *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        8080,
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "text",
		},
		Engine: EngineConfig{
			LockWait:         5 * time.Second,
			GraceWindow:      10 * time.Minute,
			MaxFiringsPerRun: 10000,
		},
		Store: StoreConfig{
			EventLog: "memory",
			Sessions: "memory",
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			Database:    "yawl",
			User:        "yawl",
			Password:    "yawl",
			MaxConns:    50,
			MinConns:    10,
			MaxIdleTime: 30 * time.Minute,
			MaxLifetime: 1 * time.Hour,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Session: SessionConfig{
			TTL:          30 * time.Minute,
			ConnectBurst: 20,
		},
		Exception: ExceptionConfig{
			Timeout:       5 * time.Second,
			SweepInterval: 10 * time.Second,
			RetryLimit:    3,
		},
		Announcer: AnnouncerConfig{
			BufferSize: 256,
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   true,
			EnableMetrics: true,
			AdminPort:     6060,
		},
		Auth: AuthConfig{
			Users: []UserConfig{
				{Name: "admin", Password: "YAWL", Scopes: []string{"admin"}},
			},
		},
	}
}

func (c *Config) applyEnv() {
	c.Service.Port = getEnvInt("PORT", c.Service.Port)
	c.Service.Environment = getEnv("ENVIRONMENT", c.Service.Environment)
	c.Service.LogLevel = getEnv("LOG_LEVEL", c.Service.LogLevel)
	c.Service.LogFormat = getEnv("LOG_FORMAT", c.Service.LogFormat)

	c.Engine.LockWait = getEnvDuration("ENGINE_LOCK_WAIT", c.Engine.LockWait)
	c.Engine.GraceWindow = getEnvDuration("ENGINE_GRACE_WINDOW", c.Engine.GraceWindow)

	c.Store.EventLog = getEnv("STORE_EVENT_LOG", c.Store.EventLog)
	c.Store.Sessions = getEnv("STORE_SESSIONS", c.Store.Sessions)

	c.Database.Host = getEnv("POSTGRES_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("POSTGRES_PORT", c.Database.Port)
	c.Database.Database = getEnv("POSTGRES_DB", c.Database.Database)
	c.Database.User = getEnv("POSTGRES_USER", c.Database.User)
	c.Database.Password = getEnv("POSTGRES_PASSWORD", c.Database.Password)
	c.Database.MaxConns = getEnvInt("POSTGRES_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvInt("POSTGRES_MIN_CONNS", c.Database.MinConns)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.Session.TTL = getEnvDuration("SESSION_TTL", c.Session.TTL)

	c.Exception.HandlerURL = getEnv("EXCEPTION_HANDLER_URL", c.Exception.HandlerURL)
	c.Exception.Timeout = getEnvDuration("EXCEPTION_TIMEOUT", c.Exception.Timeout)
	c.Exception.SweepInterval = getEnvDuration("EXCEPTION_SWEEP_INTERVAL", c.Exception.SweepInterval)
	c.Exception.RetryLimit = getEnvInt("EXCEPTION_RETRY_LIMIT", c.Exception.RetryLimit)

	c.Announcer.BufferSize = getEnvInt("ANNOUNCER_BUFFER_SIZE", c.Announcer.BufferSize)
	c.Announcer.RedisChannel = getEnv("ANNOUNCER_REDIS_CHANNEL", c.Announcer.RedisChannel)

	c.Telemetry.EnablePprof = getEnvBool("ENABLE_PPROF", c.Telemetry.EnablePprof)
	c.Telemetry.EnableMetrics = getEnvBool("ENABLE_METRICS", c.Telemetry.EnableMetrics)
	c.Telemetry.AdminPort = getEnvInt("ADMIN_PORT", c.Telemetry.AdminPort)

	if pw := os.Getenv("AUTH_ADMIN_PASSWORD"); pw != "" {
		for i := range c.Auth.Users {
			if c.Auth.Users[i].Name == "admin" {
				c.Auth.Users[i].Password = pw
			}
		}
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Store.EventLog {
	case "memory", "postgres":
	default:
		return fmt.Errorf("invalid event log store: %q", c.Store.EventLog)
	}

	switch c.Store.Sessions {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid session store: %q", c.Store.Sessions)
	}

	if c.Store.EventLog == "postgres" && c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}

	if c.Engine.LockWait <= 0 {
		return fmt.Errorf("lock wait must be positive")
	}

	if len(c.Auth.Users) == 0 {
		return fmt.Errorf("at least one principal is required")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
