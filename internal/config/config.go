package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/catalogops/enrich-cli/internal/model"
	"github.com/catalogops/enrich-cli/internal/monitoring"
	"github.com/catalogops/enrich-cli/internal/policy"
	"github.com/catalogops/enrich-cli/internal/publish"
	"github.com/catalogops/enrich-cli/internal/stage"
	"github.com/catalogops/enrich-cli/internal/supervisor"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig               `yaml:"store" mapstructure:"store"`
	Supervisor supervisor.Config         `yaml:"supervisor" mapstructure:"supervisor"`
	Retry      policy.Config             `yaml:"retry" mapstructure:"retry"`
	Stages     map[string]stage.Override `yaml:"stages" mapstructure:"stages"`
	Locales    []string                  `yaml:"locales" mapstructure:"locales"`
	Publish    publish.Config            `yaml:"publish" mapstructure:"publish"`
	QA         QAConfig                  `yaml:"qa" mapstructure:"qa"`
	Monitoring monitoring.Config         `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig              `yaml:"server" mapstructure:"server"`
	Log        LogConfig                 `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the thread store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// QAConfig configures the human review channel.
type QAConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	MonitorInterval time.Duration `yaml:"monitor_interval" mapstructure:"monitor_interval"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// StageOverrides converts the string-keyed config map to stage keys,
// dropping entries that don't name a pipeline stage.
func (c *Config) StageOverrides() map[model.Stage]stage.Override {
	if len(c.Stages) == 0 {
		return nil
	}
	out := make(map[model.Stage]stage.Override, len(c.Stages))
	for name, o := range c.Stages {
		s := model.Stage(strings.ToLower(name))
		if s.Valid() {
			out[s] = o
		}
	}
	return out
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "enrich.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.monitor_interval", "5m")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("supervisor.workers", 4)
	v.SetDefault("supervisor.conflict_retries", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("locales", []string{"es-ES", "fr-FR"})
	v.SetDefault("publish.timeout", "15s")
	v.SetDefault("publish.rate_per_second", 10)
	v.SetDefault("publish.burst", 5)
	v.SetDefault("publish.max_retries", 3)
	v.SetDefault("publish.breaker_enabled", true)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.review_backlog_threshold", 50)
	v.SetDefault("monitoring.dead_letter_threshold", 25)

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
