package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"oracle_coordinator/pkg/oracle"
)

// Config holds all configuration settings for the coordinator.
type Config struct {
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Security    SecurityConfig    `mapstructure:"security"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// CoordinatorConfig holds the scoring and escalation tunables.
type CoordinatorConfig struct {
	AssignDelta       uint32 `mapstructure:"assign_delta"`
	FulfillLower      uint32 `mapstructure:"fulfill_lower"`
	FulfillUpper      uint32 `mapstructure:"fulfill_upper"`
	BlockInterval     uint64 `mapstructure:"block_interval"`
	MaxResponseBlocks uint64 `mapstructure:"max_response_blocks"`
	PeriodBlocks      uint64 `mapstructure:"period_blocks"`
	VerifyGasOverhead uint64 `mapstructure:"verify_gas_overhead"`
	ConstantFee       uint64 `mapstructure:"constant_fee"`
	Treasury          string `mapstructure:"treasury"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	URL      string        `mapstructure:"url"`
	MaxConns int           `mapstructure:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout"`
	SSLMode  string        `mapstructure:"ssl_mode"`
	Embedded bool          `mapstructure:"embedded"`
	Port     int           `mapstructure:"port"`
	DataDir  string        `mapstructure:"data_dir"`
}

// SecurityConfig holds caller authorization settings.
type SecurityConfig struct {
	KeyFile        string        `mapstructure:"key_file"`
	AllowedCallers []string      `mapstructure:"allowed_callers"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenExpiry    time.Duration `mapstructure:"token_expiry"`
}

// MaintenanceConfig holds the background maintenance settings.
type MaintenanceConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	SnapshotSpec    string `mapstructure:"snapshot_spec"`
	PruneSpec       string `mapstructure:"prune_spec"`
	RetainedPeriods uint64 `mapstructure:"retained_periods"`
}

// Load reads the configuration file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	v.SetEnvPrefix("ORACLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("coordinator.assign_delta", 1000)
	v.SetDefault("coordinator.fulfill_lower", 10)
	v.SetDefault("coordinator.fulfill_upper", 100)
	v.SetDefault("coordinator.block_interval", 1)
	v.SetDefault("coordinator.max_response_blocks", 20)
	v.SetDefault("coordinator.period_blocks", 1000)
	v.SetDefault("coordinator.verify_gas_overhead", 50000)
	v.SetDefault("coordinator.constant_fee", 100)
	v.SetDefault("coordinator.treasury", "treasury")

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.timeout", "30s")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.embedded", false)
	v.SetDefault("database.port", 5433)
	v.SetDefault("database.data_dir", "./data/postgres")

	v.SetDefault("security.key_file", "./data/keys/worker.key")
	v.SetDefault("security.token_expiry", "24h")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.snapshot_spec", "0 * * * * *")
	v.SetDefault("maintenance.prune_spec", "0 0 * * * *")
	v.SetDefault("maintenance.retained_periods", 16)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.OracleConfig().Validate(); err != nil {
		return fmt.Errorf("coordinator config: %w", err)
	}
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if err := c.validateMaintenance(); err != nil {
		return fmt.Errorf("maintenance config: %w", err)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" && !c.Database.Embedded {
		// No database configured: the coordinator runs on the in-memory store.
		return nil
	}
	if c.Database.Embedded {
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("invalid embedded port: %d", c.Database.Port)
		}
		return nil
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) validateMaintenance() error {
	if !c.Maintenance.Enabled {
		return nil
	}
	if c.Maintenance.SnapshotSpec == "" || c.Maintenance.PruneSpec == "" {
		return fmt.Errorf("cron specs cannot be empty when maintenance is enabled")
	}
	if c.Maintenance.RetainedPeriods == 0 {
		return fmt.Errorf("retained_periods must be positive")
	}
	return nil
}

// OracleConfig converts the coordinator section to the domain config.
func (c *Config) OracleConfig() *oracle.Config {
	return &oracle.Config{
		AssignDelta:       c.Coordinator.AssignDelta,
		FulfillLower:      c.Coordinator.FulfillLower,
		FulfillUpper:      c.Coordinator.FulfillUpper,
		BlockInterval:     c.Coordinator.BlockInterval,
		MaxResponseBlocks: c.Coordinator.MaxResponseBlocks,
		PeriodBlocks:      c.Coordinator.PeriodBlocks,
		VerifyGasOverhead: c.Coordinator.VerifyGasOverhead,
		ConstantFee:       c.Coordinator.ConstantFee,
		Treasury:          c.Coordinator.Treasury,
	}
}

// GetLogLevel returns a zap log level based on the configured string.
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development.
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
