package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/hashicorp/go-version"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// minSchemaVersion is the oldest config file schema this build accepts.
// Bump it when a release changes the config shape incompatibly.
const minSchemaVersion = "1.0.0"

type Config struct {
	SchemaVersion string                      `mapstructure:"schema_version"`
	Server        ServerConfig                `mapstructure:"server"`
	Store         StoreConfig                 `mapstructure:"store"`
	Redis         RedisConfig                 `mapstructure:"redis"`
	RateLimit     RateLimitConfig             `mapstructure:"rate_limit"`
	Pool          domain.PoolSettings         `mapstructure:"pool"`
	Retry         RetryConfig                 `mapstructure:"retry"`
	Health        HealthConfig                `mapstructure:"health"`
	Routing       domain.RoutingConfig        `mapstructure:"routing"`
	Providers     []domain.ProviderDescriptor `mapstructure:"providers"`
}

type ServerConfig struct {
	Port    string   `mapstructure:"port"`
	Env     string   `mapstructure:"env"`
	APIKeys []string `mapstructure:"api_keys"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      bool          `mapstructure:"jitter"`
}

type HealthConfig struct {
	// ProbeSchedule is a cron expression; empty disables probing.
	ProbeSchedule string `mapstructure:"probe_schedule"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("./internal/config")
	}

	// Default Values
	v.SetDefault("schema_version", minSchemaVersion)
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("store.dsn", "file:switchboard.db?cache=shared&mode=rwc&_journal_mode=WAL&_busy_timeout=5000")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("rate_limit.requests_per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)

	defaults := domain.DefaultPoolSettings()
	v.SetDefault("pool.scale_up_threshold", defaults.ScaleUpThreshold)
	v.SetDefault("pool.scale_down_threshold", defaults.ScaleDownThreshold)
	v.SetDefault("pool.cooldown", defaults.Cooldown)
	v.SetDefault("pool.sample_interval", defaults.SampleInterval)
	v.SetDefault("pool.admission", string(defaults.Admission))
	v.SetDefault("pool.acquire_timeout", defaults.AcquireTimeout)
	v.SetDefault("pool.failure_threshold", defaults.FailureThreshold)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", true)

	v.SetDefault("health.probe_schedule", "@every 30s")

	v.SetDefault("routing.fallback_enabled", true)

	// Environment Variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := checkSchemaVersion(cfg.SchemaVersion); err != nil {
		return nil, err
	}

	// Resolve API Keys
	for i, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "ENV:") {
			envVar := strings.TrimPrefix(p.APIKey, "ENV:")
			// Check process environment first (explicit override)
			val := os.Getenv(envVar)
			if val == "" {
				// Then check viper (which might have it from other sources)
				val = v.GetString(envVar)
			}
			cfg.Providers[i].APIKey = val
		}
	}

	return &cfg, nil
}

func checkSchemaVersion(raw string) error {
	have, err := version.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", raw, err)
	}
	min := version.Must(version.NewVersion(minSchemaVersion))
	if have.LessThan(min) {
		return fmt.Errorf("config schema_version %s is older than the supported minimum %s", raw, minSchemaVersion)
	}
	return nil
}
