package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Legislation LegislationConfig `yaml:"legislation" mapstructure:"legislation"`
	Pipeline    PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Cascade     CascadeConfig     `yaml:"cascade" mapstructure:"cascade"`
	Classifier  ClassifierConfig  `yaml:"classifier" mapstructure:"classifier"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backends. Driver is one of
// "postgres", "sqlite", or "dual" (postgres primary, sqlite fallback).
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// LegislationConfig holds legislation.gov.uk client settings.
type LegislationConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retries     int     `yaml:"retries" mapstructure:"retries"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
}

// PipelineConfig configures stage execution.
type PipelineConfig struct {
	StageTimeoutSecs int `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
}

// CascadeConfig configures the cascade queue.
type CascadeConfig struct {
	MaxDepth    int `yaml:"max_depth" mapstructure:"max_depth"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ClassifierConfig configures the taxonomy rule engine.
type ClassifierConfig struct {
	RulesetDir     string `yaml:"ruleset_dir" mapstructure:"ruleset_dir"`
	DefaultVersion string `yaml:"default_version" mapstructure:"default_version"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	KeepaliveSecs  int      `yaml:"keepalive_secs" mapstructure:"keepalive_secs"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SERTANTAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "sertantai.db")
	v.SetDefault("legislation.base_url", "https://www.legislation.gov.uk")
	v.SetDefault("legislation.user_agent", "sertantai-ingest/1.0 (legal register sync)")
	v.SetDefault("legislation.timeout_secs", 30)
	v.SetDefault("legislation.retries", 3)
	v.SetDefault("legislation.rate_per_sec", 2)
	v.SetDefault("legislation.burst", 4)
	v.SetDefault("pipeline.stage_timeout_secs", 120)
	v.SetDefault("cascade.max_depth", 3)
	v.SetDefault("cascade.concurrency", 4)
	// Empty selects the newest embedded ruleset.
	v.SetDefault("classifier.default_version", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.keepalive_secs", 5)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields required by the given command mode are
// present and in range. Mode is one of "serve", "ingest", "cascade",
// "migrate".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres", "dual":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Store.Driver == "dual" && c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required")
		}
	default:
		problems = append(problems, "store.driver must be postgres, sqlite, or dual")
	}

	if c.Legislation.BaseURL == "" {
		problems = append(problems, "legislation.base_url is required")
	}
	if c.Cascade.MaxDepth < 1 {
		problems = append(problems, "cascade.max_depth must be >= 1")
	}
	if c.Cascade.Concurrency < 1 || c.Cascade.Concurrency > 32 {
		problems = append(problems, "cascade.concurrency must be between 1 and 32")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Server.KeepaliveSecs < 1 {
			problems = append(problems, "server.keepalive_secs must be >= 1")
		}
	case "ingest", "cascade", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
