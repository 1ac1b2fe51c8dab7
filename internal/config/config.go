// Package config provides configuration management for ratefleet.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"ratefleet/internal/allocator"
	"ratefleet/internal/domain"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig             `toml:"server"`
	Memory   MemoryConfig             `toml:"memory"`
	Backend  BackendConfig            `toml:"backend"`
	Database DatabaseConfig           `toml:"database"`
	Models   []ModelConfig            `toml:"models"`
	JobTypes map[string]JobTypeConfig `toml:"jobtypes"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	Label           string        `toml:"label"`
	EscalationOrder []string      `toml:"escalation_order"`
	MetricsPort     int           `toml:"metrics_port"`
	LogLevel        string        `toml:"log_level"`
	LogFormat       string        `toml:"log_format"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// MemoryConfig controls the shared memory manager (spec §4.5).
type MemoryConfig struct {
	FreeMemoryRatio       float64       `toml:"free_memory_ratio"`
	RecalculationInterval time.Duration `toml:"recalculation_interval"`
	Enabled               bool          `toml:"enabled"`
}

// BackendConfig selects and configures the global-budget backend (spec §4.9).
type BackendConfig struct {
	Mode                   string        `toml:"mode"` // "local" or "redis"
	RedisAddr              string        `toml:"redis_addr"`
	RedisNamespace         string        `toml:"redis_namespace"`
	TotalCapacity          int           `toml:"total_capacity"`
	TotalTokensPerMinute   int           `toml:"total_tokens_per_minute"`
	TotalRequestsPerMinute int           `toml:"total_requests_per_minute"`
	HeartbeatInterval      time.Duration `toml:"heartbeat_interval"`
	CleanupInterval        time.Duration `toml:"cleanup_interval"`
}

// DatabaseConfig contains database settings for the usage ledger.
type DatabaseConfig struct {
	Driver     string        `toml:"driver"` // "postgres", "memory"
	DSN        string        `toml:"dsn"`
	Host       string        `toml:"host"`
	Port       int           `toml:"port"`
	User       string        `toml:"user"`
	Password   string        `toml:"password"`
	Database   string        `toml:"database"`
	SSLMode    string        `toml:"ssl_mode"`
	MaxConns   int           `toml:"max_conns"`
	MaxIdle    int           `toml:"max_idle"`
	ConnMaxAge time.Duration `toml:"conn_max_age"`
}

// GetDSN returns the DSN for the database.
func (d *DatabaseConfig) GetDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// ModelConfig mirrors domain.ModelConfig for TOML decoding.
type ModelConfig struct {
	ID                    string  `toml:"id"`
	RequestsPerMinute     int     `toml:"requests_per_minute"`
	RequestsPerDay        int     `toml:"requests_per_day"`
	TokensPerMinute       int     `toml:"tokens_per_minute"`
	TokensPerDay          int     `toml:"tokens_per_day"`
	MaxConcurrentRequests int     `toml:"max_concurrent_requests"`
	InputCostPer1M        float64 `toml:"input_cost_per_1m"`
	CachedCostPer1M       float64 `toml:"cached_cost_per_1m"`
	OutputCostPer1M       float64 `toml:"output_cost_per_1m"`
}

// ToDomain converts a config ModelConfig into domain.ModelConfig.
func (m ModelConfig) ToDomain() domain.ModelConfig {
	return domain.ModelConfig{
		ID:                    m.ID,
		RequestsPerMinute:     m.RequestsPerMinute,
		RequestsPerDay:        m.RequestsPerDay,
		TokensPerMinute:       m.TokensPerMinute,
		TokensPerDay:          m.TokensPerDay,
		MaxConcurrentRequests: m.MaxConcurrentRequests,
		Pricing: domain.Pricing{
			Input:  m.InputCostPer1M,
			Cached: m.CachedCostPer1M,
			Output: m.OutputCostPer1M,
		},
	}
}

// JobTypeConfig mirrors domain.JobTypeConfig for TOML decoding.
type JobTypeConfig struct {
	EstimatedTokens       int     `toml:"estimated_tokens"`
	EstimatedRequests     int     `toml:"estimated_requests"`
	EstimatedUsedMemoryKB int     `toml:"estimated_used_memory_kb"`
	InitialRatio          float64 `toml:"initial_ratio"`
	Flexible              bool    `toml:"flexible"`
}

// ToDomain converts a config JobTypeConfig into domain.JobTypeConfig.
func (j JobTypeConfig) ToDomain(id string) domain.JobTypeConfig {
	return domain.JobTypeConfig{
		ID:                    id,
		EstimatedTokens:       j.EstimatedTokens,
		EstimatedRequests:     j.EstimatedRequests,
		EstimatedUsedMemoryKB: j.EstimatedUsedMemoryKB,
		InitialRatio:          j.InitialRatio,
		Flexible:              j.Flexible,
	}
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Label:           "ratefleet",
			MetricsPort:     9090,
			LogLevel:        "info",
			LogFormat:       "pretty",
			ShutdownTimeout: 10 * time.Second,
		},
		Memory: MemoryConfig{
			Enabled:               true,
			FreeMemoryRatio:       0.8,
			RecalculationInterval: time.Second,
		},
		Backend: BackendConfig{
			Mode:                   "local",
			RedisNamespace:         "ratefleet:",
			TotalCapacity:          100,
			TotalTokensPerMinute:   1_000_000,
			TotalRequestsPerMinute: 10_000,
			HeartbeatInterval:      5 * time.Second,
			CleanupInterval:        30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "memory",
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Database: "ratefleet",
			SSLMode:  "disable",
			MaxConns: 10,
			MaxIdle:  2,
		},
		JobTypes: make(map[string]JobTypeConfig),
	}
}

// WithDemoModels returns a copy of c with a sample "fast"/"fallback" model
// pair and escalation order filled in when no models were configured — used
// by the demo binary so running with no config file still has a two-model
// escalation chain, never by Load itself (which must not invent models a real
// deployment didn't ask for).
func (c *Config) WithDemoModels() *Config {
	if len(c.Models) > 0 {
		return c
	}
	cp := *c
	cp.Models = []ModelConfig{
		{
			ID:                    "fast",
			RequestsPerMinute:     60,
			TokensPerMinute:       60_000,
			MaxConcurrentRequests: 10,
			InputCostPer1M:        0.5,
			OutputCostPer1M:       1.5,
		},
		{
			ID:                    "fallback",
			RequestsPerMinute:     500,
			TokensPerMinute:       500_000,
			MaxConcurrentRequests: 50,
			InputCostPer1M:        3,
			OutputCostPer1M:       9,
		},
	}
	if len(cp.Server.EscalationOrder) == 0 {
		cp.Server.EscalationOrder = []string{"fast", "fallback"}
	}
	if len(cp.JobTypes) == 0 {
		cp.JobTypes = map[string]JobTypeConfig{
			"default": {EstimatedTokens: 200, EstimatedRequests: 1, Flexible: true},
		}
	}
	return &cp
}

// Load loads configuration from a TOML file, starting from Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.substituteEnvVars()
	return cfg, nil
}

// LoadOrDefault loads config from file or returns defaults, logging a
// warning to stderr on failure (no logger is wired yet at this point in
// startup).
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load config from %s: %v\n", path, err)
		return Default()
	}
	return cfg
}

// substituteEnvVars expands ${VAR} patterns and applies direct
// RATEFLEET_* environment variable overrides.
func (c *Config) substituteEnvVars() {
	c.Database.DSN = expandEnv(c.Database.DSN)
	c.Database.Host = expandEnv(c.Database.Host)
	c.Database.User = expandEnv(c.Database.User)
	c.Database.Password = expandEnv(c.Database.Password)
	c.Backend.RedisAddr = expandEnv(c.Backend.RedisAddr)

	if v := os.Getenv("RATEFLEET_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("RATEFLEET_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("RATEFLEET_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RATEFLEET_REDIS_ADDR"); v != "" {
		c.Backend.RedisAddr = v
	}
	if v := os.Getenv("RATEFLEET_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.MetricsPort = port
		}
	}
}

func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

// DomainModels returns the configured models translated to domain.ModelConfig.
func (c *Config) DomainModels() []domain.ModelConfig {
	out := make([]domain.ModelConfig, 0, len(c.Models))
	for _, m := range c.Models {
		out = append(out, m.ToDomain())
	}
	return out
}

// DomainJobTypes returns the configured job types translated to
// domain.JobTypeConfig.
func (c *Config) DomainJobTypes() []domain.JobTypeConfig {
	out := make([]domain.JobTypeConfig, 0, len(c.JobTypes))
	for id, jt := range c.JobTypes {
		out = append(out, jt.ToDomain(id))
	}
	return out
}

// AllocatorThresholds returns allocator.DefaultThresholds(); the TOML file
// has no section for overriding the rebalance thresholds.
func (c *Config) AllocatorThresholds() allocator.Thresholds {
	return allocator.DefaultThresholds()
}
