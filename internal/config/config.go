// Package config loads rulegate configuration from a YAML file and
// RULEGATE_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/liamcoop/rulegate/rules"
)

const envPrefix = "RULEGATE"

// Config is the top-level server configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Store    StoreConfig    `mapstructure:"store"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// SeedFile is a YAML rule file applied to every tenant on creation
	SeedFile string `mapstructure:"seed_file"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type StoreConfig struct {
	// Driver is memory or postgres
	Driver string `mapstructure:"driver" validate:"oneof=memory postgres"`
}

type EngineConfig struct {
	EvaluatorTimeout time.Duration `mapstructure:"evaluator_timeout" validate:"gt=0"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	CacheMaxEntries  int           `mapstructure:"cache_max_entries" validate:"gte=0"`
	CacheEviction    string        `mapstructure:"cache_eviction" validate:"oneof=fifo lru"`
	DefinitionTTL    time.Duration `mapstructure:"definition_ttl" validate:"gte=0"`
	BatchConcurrency int           `mapstructure:"batch_concurrency" validate:"gte=1,lte=256"`
}

type LoggingConfig struct {
	Level           string `mapstructure:"level" validate:"oneof=trace debug info warn warning error"`
	ErrorSampleRate int    `mapstructure:"error_sample_rate" validate:"gte=1"`
	OTELEnabled     bool   `mapstructure:"otel_enabled"`
	ServiceName     string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("store.driver", "memory")

	engine := rules.DefaultConfig()
	v.SetDefault("engine.evaluator_timeout", engine.EvaluatorTimeout)
	v.SetDefault("engine.cache_ttl", engine.ResultCache.TTL)
	v.SetDefault("engine.cache_max_entries", engine.ResultCache.MaxEntries)
	v.SetDefault("engine.cache_eviction", string(engine.ResultCache.Eviction))
	v.SetDefault("engine.definition_ttl", engine.DefinitionCache.TTL)
	v.SetDefault("engine.batch_concurrency", engine.BatchConcurrency)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.error_sample_rate", 1)
	v.SetDefault("logging.otel_enabled", false)
	v.SetDefault("logging.service_name", "rulegate")

	v.SetDefault("seed_file", "")
}

// Load reads configFile (optional) and environment overrides such as
// RULEGATE_ENGINE_CACHE_TTL=1m, applies defaults and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("rulegate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rulegate")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Engine.CacheEviction = strings.ToLower(cfg.Engine.CacheEviction)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field constraints
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.Store.Driver == "postgres" && c.Database.URL == "" {
		return errors.New("database.url is required when store.driver is postgres")
	}
	return nil
}

// RulesConfig converts the engine section into a rules.Config
func (c EngineConfig) RulesConfig() rules.Config {
	return rules.Config{
		EvaluatorTimeout: c.EvaluatorTimeout,
		ResultCache: rules.ResultCacheConfig{
			TTL:        c.CacheTTL,
			MaxEntries: c.CacheMaxEntries,
			Eviction:   rules.EvictionPolicy(c.CacheEviction),
		},
		DefinitionCache:  rules.CacheConfig{TTL: c.DefinitionTTL},
		BatchConcurrency: c.BatchConcurrency,
	}
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of [%s], got %q", field, e.Param(), e.Value()))
		case "gt", "gte", "lte":
			messages = append(messages, fmt.Sprintf("%s must be %s %s", field, e.Tag(), e.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s validation", field, e.Tag()))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}
