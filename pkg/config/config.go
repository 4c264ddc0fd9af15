package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the application
type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	Metadata    MetadataConfig `mapstructure:"metadata"`
	Fetch       FetchConfig    `mapstructure:"fetch"`
	Cache       CacheConfig    `mapstructure:"cache"`
	Scheduler   SchedConfig    `mapstructure:"scheduler"`
}

// MetadataConfig holds node metadata snapshot settings
type MetadataConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// FetchConfig holds vote document retrieval settings
type FetchConfig struct {
	AuthorityTimeout time.Duration `mapstructure:"authority_timeout"`
	RunDeadline      time.Duration `mapstructure:"run_deadline"`
}

// CacheConfig holds degradation cache settings
type CacheConfig struct {
	Dir                  string        `mapstructure:"dir"`
	MaxStaleness         time.Duration `mapstructure:"max_staleness"`
	MinReachableFraction float64       `mapstructure:"min_reachable_fraction"`
}

// SchedConfig holds refresh scheduling settings
type SchedConfig struct {
	RefreshSpec   string        `mapstructure:"refresh_spec"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default configuration values
	setDefaults(v)

	// Read the config file
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	// Override with environment variables
	v.SetEnvPrefix("DIRMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Parse the configuration
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	// General defaults
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Metadata defaults
	v.SetDefault("metadata.timeout", "30s")

	// Fetch defaults
	v.SetDefault("fetch.authority_timeout", "45s")
	v.SetDefault("fetch.run_deadline", "3m")

	// Cache defaults
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("cache.max_staleness", "3h")
	v.SetDefault("cache.min_reachable_fraction", 0.5)

	// Scheduler defaults: refresh shortly after each voting round
	v.SetDefault("scheduler.refresh_spec", "0 5 * * * *")
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.retry_delay", "1m")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateMetadata(); err != nil {
		return fmt.Errorf("metadata config: %w", err)
	}

	if err := c.validateFetch(); err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}

	if err := c.validateCache(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}

	if err := c.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}

	return nil
}

func (c *Config) validateMetadata() error {
	if c.Metadata.URL == "" {
		return fmt.Errorf("metadata URL cannot be empty")
	}
	if c.Metadata.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) validateFetch() error {
	if c.Fetch.AuthorityTimeout <= 0 {
		return fmt.Errorf("authority_timeout must be positive")
	}
	if c.Fetch.RunDeadline <= 0 {
		return fmt.Errorf("run_deadline must be positive")
	}
	if c.Fetch.RunDeadline < c.Fetch.AuthorityTimeout {
		return fmt.Errorf("run_deadline (%s) cannot be shorter than authority_timeout (%s)",
			c.Fetch.RunDeadline, c.Fetch.AuthorityTimeout)
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}
	if c.Cache.MaxStaleness <= 0 {
		return fmt.Errorf("max_staleness must be positive")
	}
	if c.Cache.MinReachableFraction <= 0 || c.Cache.MinReachableFraction > 1 {
		return fmt.Errorf("min_reachable_fraction must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.RefreshSpec == "" {
		return fmt.Errorf("refresh_spec cannot be empty")
	}
	if c.Scheduler.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
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

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
