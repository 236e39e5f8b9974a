package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sofr-tracker/internal/logging"
)

// Lock backends accepted by lock.backend.
const (
	LockPostgres = "postgres"
	LockRedis    = "redis"
	LockNone     = "none"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Lock      LockConfig      `mapstructure:"lock"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// UpstreamConfig groups the statistical data sources.
type UpstreamConfig struct {
	NYFed SourceConfig `mapstructure:"nyfed"`
	FRED  FREDConfig   `mapstructure:"fred"`
}

// SourceConfig describes one HTTP data source.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// FREDConfig adds the policy corridor series identifiers.
type FREDConfig struct {
	SourceConfig `mapstructure:",squash"`
	IORBSeries   string `mapstructure:"iorb_series"`
	SRFSeries    string `mapstructure:"srf_series"`
	RRPSeries    string `mapstructure:"rrp_series"`
}

// SyncConfig controls incremental synchronisation.
type SyncConfig struct {
	LookbackDays       int    `mapstructure:"lookback_days"`
	MissingPrimaryRate string `mapstructure:"missing_primary_rate"`
}

// LockConfig selects the single-flight guard around sync passes.
type LockConfig struct {
	Backend     string        `mapstructure:"backend"`
	AdvisoryKey int64         `mapstructure:"advisory_key"`
	RedisKey    string        `mapstructure:"redis_key"`
	TTL         time.Duration `mapstructure:"ttl"`
}

// RedisConfig is only read when lock.backend is redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SchedulerConfig governs the recurring sync inside serve.
type SchedulerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Cron       string `mapstructure:"cron"`
	RunOnStart bool   `mapstructure:"run_on_start"`
}

// HTTPConfig configures the read API.
type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	Mode              string        `mapstructure:"mode"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	DefaultRangeMonth int           `mapstructure:"default_range_months"`
}

// AlertingConfig routes sync failure notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram bot parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SOFRTRACKER")
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
	v.SetDefault("app.name", "sofr-tracker")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("upstream.nyfed.base_url", "https://markets.newyorkfed.org")
	v.SetDefault("upstream.nyfed.request_timeout", "30s")
	v.SetDefault("upstream.nyfed.user_agent", "")
	v.SetDefault("upstream.fred.base_url", "https://fred.stlouisfed.org")
	v.SetDefault("upstream.fred.request_timeout", "30s")
	v.SetDefault("upstream.fred.user_agent", "")
	v.SetDefault("upstream.fred.iorb_series", "IORB")
	v.SetDefault("upstream.fred.srf_series", "SRFTSYD")
	v.SetDefault("upstream.fred.rrp_series", "RRPONTSYAWARD")

	v.SetDefault("sync.lookback_days", 7)
	v.SetDefault("sync.missing_primary_rate", "zero")

	v.SetDefault("lock.backend", LockPostgres)
	v.SetDefault("lock.advisory_key", int64(0x736f6672))
	v.SetDefault("lock.redis_key", "sofr-tracker:sync-lock")
	v.SetDefault("lock.ttl", "10m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron", "0 0 */6 * * *")
	v.SetDefault("scheduler.run_on_start", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.mode", "release")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "5m")
	v.SetDefault("http.default_range_months", 3)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

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
	if c.Sync.LookbackDays < 0 {
		return fmt.Errorf("sync.lookback_days cannot be negative")
	}
	switch strings.ToLower(c.Sync.MissingPrimaryRate) {
	case "", "zero", "skip":
	default:
		return fmt.Errorf("sync.missing_primary_rate must be zero or skip, got %q", c.Sync.MissingPrimaryRate)
	}
	switch c.Lock.Backend {
	case LockPostgres, LockNone:
	case LockRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when lock.backend is redis")
		}
		if c.Lock.TTL <= 0 {
			return fmt.Errorf("lock.ttl must be greater than zero")
		}
	default:
		return fmt.Errorf("lock.backend must be one of postgres, redis, none; got %q", c.Lock.Backend)
	}
	if c.Scheduler.Enabled && strings.TrimSpace(c.Scheduler.Cron) == "" {
		return fmt.Errorf("scheduler.cron is required when the scheduler is enabled")
	}
	if c.HTTP.DefaultRangeMonth <= 0 {
		return fmt.Errorf("http.default_range_months must be greater than zero")
	}
	if c.Export.MaxRows <= 0 {
		return fmt.Errorf("export.max_rows must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveLookback returns either the CLI override or config default.
func (c *Config) ResolveLookback(override int) int {
	if override >= 0 {
		return override
	}
	return c.Sync.LookbackDays
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}
