// Package config loads ledger settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"

	"github.com/FACorreiaa/finance-ledger/pkg/validation"
)

// ConfigPathEnvVar names an optional YAML file layered under the environment.
const ConfigPathEnvVar = "LEDGER_CONFIG"

type Config struct {
	Store   StoreConfig   `koanf:"store"`
	Log     LogConfig     `koanf:"log"`
	Ingest  IngestConfig  `koanf:"ingest"`
	Alerts  AlertsConfig  `koanf:"alerts"`
	Email   EmailConfig   `koanf:"email"`
	Metrics MetricsConfig `koanf:"metrics"`
}

type StoreConfig struct {
	Path          string `koanf:"path" validate:"required"`
	BusyTimeoutMS int    `koanf:"busy_timeout_ms" validate:"gte=0"`
	Timezone      string `koanf:"timezone" validate:"required"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

type IngestConfig struct {
	ScratchDir       string `koanf:"scratch_dir"`
	Workers          int    `koanf:"workers" validate:"gte=0"`
	MessageDetailCap int    `koanf:"message_detail_cap" validate:"gte=1"`
}

type AlertsConfig struct {
	EvalBudgetMS int    `koanf:"eval_budget_ms" validate:"gt=0"`
	Schedule     string `koanf:"schedule" validate:"required"`
}

type EmailConfig struct {
	Host          string `koanf:"host"`
	Port          string `koanf:"port"`
	Username      string `koanf:"username"`
	Password      string `koanf:"password"`
	From          string `koanf:"from"`
	To            string `koanf:"to"`
	RatePerMinute int    `koanf:"rate_per_minute" validate:"gt=0"`
}

type MetricsConfig struct {
	Textfile string `koanf:"textfile"`
}

// EvalBudget is the wall-clock budget for one alert evaluation.
func (c *Config) EvalBudget() time.Duration {
	return time.Duration(c.Alerts.EvalBudgetMS) * time.Millisecond
}

// Location resolves the store calendar timezone.
func (c *Config) Location() (*time.Location, error) {
	if strings.EqualFold(c.Store.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Store.Timezone)
}

// WorkerCount returns the normalizer pool size, resolving 0 to GOMAXPROCS.
func (c *Config) WorkerCount() int {
	if c.Ingest.Workers > 0 {
		return c.Ingest.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// EmailEnabled reports whether SMTP delivery is configured.
func (c *Config) EmailEnabled() bool {
	return c.Email.Host != "" && c.Email.Port != "" && c.Email.To != ""
}

func defaultConfig() Config {
	return Config{
		Store: StoreConfig{
			BusyTimeoutMS: 5000,
			Timezone:      "Local",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "json",
		},
		Ingest: IngestConfig{
			ScratchDir:       os.TempDir(),
			MessageDetailCap: 5,
		},
		Alerts: AlertsConfig{
			EvalBudgetMS: 5000,
			Schedule:     "@every 1h",
		},
		Email: EmailConfig{
			RatePerMinute: 30,
		},
	}
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks struct tags plus the values tags cannot express.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("store.timezone %q: %w", c.Store.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.Alerts.Schedule); err != nil {
		return fmt.Errorf("alerts.schedule %q: %w", c.Alerts.Schedule, err)
	}
	return nil
}

var envMappings = map[string]string{
	"store_path":            "store.path",
	"store_busy_timeout_ms": "store.busy_timeout_ms",
	"store_timezone":        "store.timezone",

	"log_level":  "log.level",
	"log_format": "log.format",

	"scratch_dir":        "ingest.scratch_dir",
	"ingest_workers":     "ingest.workers",
	"message_detail_cap": "ingest.message_detail_cap",

	"eval_budget_ms": "alerts.eval_budget_ms",
	"alert_schedule": "alerts.schedule",

	"smtp_host":             "email.host",
	"smtp_port":             "email.port",
	"smtp_username":         "email.username",
	"smtp_password":         "email.password",
	"from_email":            "email.from",
	"alert_email_to":        "email.to",
	"email_rate_per_minute": "email.rate_per_minute",

	"metrics_textfile": "metrics.textfile",
}

// envTransformFunc maps known environment variables to config keys.
// Unmapped variables return "" and are skipped.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
