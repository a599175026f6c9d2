package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"supply-notifier/internal/logging"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	SourceSheet = "sheet"
	SourceFile  = "file"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Source    SourceConfig    `mapstructure:"source"`
	Rates     RatesConfig     `mapstructure:"rates"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// Timezone decides which calendar day counts as "today".
	Timezone string `mapstructure:"timezone"`
}

// DatabaseConfig selects the store driver and its connectivity.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ApplySchema     bool          `mapstructure:"apply_schema"`
}

// SchedulerConfig holds one cadence per periodic operation.
type SchedulerConfig struct {
	Refresh CycleConfig `mapstructure:"refresh"`
	Notify  CycleConfig `mapstructure:"notify"`
	// ListenRetry is the pause before a failed listener is restarted.
	ListenRetry time.Duration `mapstructure:"listen_retry"`
}

// CycleConfig governs a single periodic operation.
type CycleConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	// Align fires cycles on wall-clock multiples of Interval instead of a fixed delay
	// after the previous cycle.
	Align bool `mapstructure:"align"`
}

// SourceConfig describes where fresh orders are extracted from.
type SourceConfig struct {
	Kind           string        `mapstructure:"kind"`
	SheetKey       string        `mapstructure:"sheet_key"`
	SheetGID       string        `mapstructure:"sheet_gid"`
	ExportURL      string        `mapstructure:"export_url"`
	FilePath       string        `mapstructure:"file_path"`
	HeaderRows     int           `mapstructure:"header_rows"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RatesConfig covers the central bank rate feed.
type RatesConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	CurrencyID     string        `mapstructure:"currency_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

// RedisConfig enables an optional cache tier shared between processes.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

// TelegramConfig describes the bot used for delivery and registration.
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	ParseMode      string        `mapstructure:"parse_mode"`
}

// APIConfig configures the read-only HTTP API.
type APIConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SUPPLYNOTIFIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "supply-notifier")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "Europe/Moscow")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.apply_schema", true)

	v.SetDefault("scheduler.refresh.interval", "5s")
	v.SetDefault("scheduler.refresh.startup_delay", "0s")
	v.SetDefault("scheduler.refresh.advisory_lock_key", int64(0x6f726466))
	v.SetDefault("scheduler.refresh.align", false)
	v.SetDefault("scheduler.notify.interval", "10s")
	v.SetDefault("scheduler.notify.startup_delay", "0s")
	v.SetDefault("scheduler.notify.advisory_lock_key", int64(0x6e746679))
	v.SetDefault("scheduler.notify.align", false)
	v.SetDefault("scheduler.listen_retry", "5s")

	v.SetDefault("source.kind", SourceSheet)
	v.SetDefault("source.sheet_gid", "0")
	v.SetDefault("source.header_rows", 1)
	v.SetDefault("source.request_timeout", "15s")

	v.SetDefault("rates.base_url", "https://www.cbr.ru")
	v.SetDefault("rates.currency_id", "R01235")
	v.SetDefault("rates.request_timeout", "10s")
	v.SetDefault("rates.user_agent", "supply-notifier/1.0")
	v.SetDefault("rates.redis.ttl", "48h")
	v.SetDefault("rates.redis.prefix", "supply-notifier:rate:")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.request_timeout", "10s")
	v.SetDefault("telegram.poll_timeout", "30s")
	v.SetDefault("telegram.parse_mode", "HTML")

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.read_timeout", "5s")
	v.SetDefault("api.write_timeout", "10s")
	v.SetDefault("api.allowed_origins", []string{"*"})

	v.SetDefault("export.max_rows", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("database.driver must be %q or %q", DriverPostgres, DriverSQLite)
	}
	if c.Scheduler.Refresh.Interval <= 0 {
		return fmt.Errorf("scheduler.refresh.interval must be greater than zero")
	}
	if c.Scheduler.Notify.Interval <= 0 {
		return fmt.Errorf("scheduler.notify.interval must be greater than zero")
	}
	if c.Scheduler.Refresh.AdvisoryLockKey != 0 && c.Scheduler.Refresh.AdvisoryLockKey == c.Scheduler.Notify.AdvisoryLockKey {
		return fmt.Errorf("refresh and notify advisory lock keys must differ")
	}
	switch c.Source.Kind {
	case SourceSheet, SourceFile:
	default:
		return fmt.Errorf("source.kind must be %q or %q", SourceSheet, SourceFile)
	}
	if c.Source.HeaderRows < 0 {
		return fmt.Errorf("source.header_rows cannot be negative")
	}
	if c.Rates.CurrencyID == "" {
		return fmt.Errorf("rates.currency_id is required")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}
	if c.Export.MaxRows <= 0 {
		return fmt.Errorf("export.max_rows must be greater than zero")
	}
	return nil
}

// Location resolves app.timezone, falling back to UTC when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.App.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app.timezone: %w", err)
	}
	return loc, nil
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}
