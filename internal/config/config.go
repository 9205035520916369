// Package config loads engine configuration from the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // settlement timezone must resolve in minimal images

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config is the root configuration struct. Keys map one-to-one to upper-case
// environment variables (database_url → DATABASE_URL).
type Config struct {
	Port        string        `mapstructure:"port"`
	DatabaseURL string        `mapstructure:"database_url"`
	AutoMigrate bool          `mapstructure:"auto_migrate"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`

	SettlementCron     string `mapstructure:"settlement_cron"`
	SettlementTimezone string `mapstructure:"settlement_timezone"`
	SettlementWorkers  int    `mapstructure:"settlement_workers"`

	MaxTreeDepth int `mapstructure:"max_tree_depth"`

	// SeedPlans loads the default plan catalog into the in-memory store.
	SeedPlans bool `mapstructure:"seed_plans"`
}

// Load reads configuration from file and environment. An empty cfgFile
// searches ./configs and the working directory for config.yaml; a missing
// file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("auto_migrate", false)
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", 30*time.Second)
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic", "binary-engine.events")
	v.SetDefault("settlement_cron", "30 23 * * *")
	v.SetDefault("settlement_timezone", "Asia/Kolkata")
	v.SetDefault("settlement_workers", 8)
	v.SetDefault("max_tree_depth", 100)
	v.SetDefault("seed_plans", true)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.SettlementWorkers <= 0 {
		errs = append(errs, fmt.Errorf("settlement_workers must be positive, got %d", c.SettlementWorkers))
	}
	if c.MaxTreeDepth <= 0 {
		errs = append(errs, fmt.Errorf("max_tree_depth must be positive, got %d", c.MaxTreeDepth))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("cache_ttl must not be negative, got %s", c.CacheTTL))
	}
	if _, err := time.LoadLocation(c.SettlementTimezone); err != nil {
		errs = append(errs, fmt.Errorf("settlement_timezone: %w", err))
	}
	if c.SettlementCron != "" {
		if _, err := cron.ParseStandard(c.SettlementCron); err != nil {
			errs = append(errs, fmt.Errorf("settlement_cron: %w", err))
		}
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka_topic is required when kafka_brokers is set"))
	}
	return errors.Join(errs...)
}

// Location returns the settlement timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SettlementTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
