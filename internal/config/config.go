package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"vault-watcher/internal/logging"
)

// Supported ledger chains.
const (
	ChainSolana = "solana"
	ChainEVM    = "evm"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ConfigError reports invalid configuration. It is only ever produced at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// IsConfigError reports whether err wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func invalid(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// Config materialises application configuration.
type Config struct {
	App          AppConfig       `mapstructure:"app"`
	Logging      logging.Config  `mapstructure:"logging"`
	AccountsFile string          `mapstructure:"accounts_file"`
	Ledger       LedgerConfig    `mapstructure:"ledger"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Sampler      SamplerConfig   `mapstructure:"sampler"`
	Detector     DetectorConfig  `mapstructure:"detector"`
	Database     DatabaseConfig  `mapstructure:"database"`
	Kafka        KafkaConfig     `mapstructure:"kafka"`
	Dispatch     DispatchConfig  `mapstructure:"dispatch"`
	Alerting     AlertingConfig  `mapstructure:"alerting"`
	Metrics      MetricsConfig   `mapstructure:"metrics"`
	Retention    RetentionConfig `mapstructure:"retention"`
	Export       ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// LedgerConfig covers RPC access to the monitored chain.
type LedgerConfig struct {
	Chain          string        `mapstructure:"chain"`
	RPCURL         string        `mapstructure:"rpc_url"`
	Commitment     string        `mapstructure:"commitment"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

// SchedulerConfig governs polling cadence and shutdown.
type SchedulerConfig struct {
	RefreshPeriod time.Duration `mapstructure:"refresh_period"`
	Stagger       bool          `mapstructure:"stagger"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
}

// SamplerConfig bounds the per-tick retry budget of the sampler.
type SamplerConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

// DetectorConfig tunes alert suppression.
type DetectorConfig struct {
	AlertInterval      time.Duration `mapstructure:"alert_interval"`
	LowBalanceInterval time.Duration `mapstructure:"low_balance_interval"`
}

// DatabaseConfig encapsulates the persistence sink.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Timescale       bool          `mapstructure:"timescale"`
	ChunkInterval   time.Duration `mapstructure:"chunk_interval"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// Enabled reports whether a database sink is configured at all.
func (d DatabaseConfig) Enabled() bool {
	switch d.Driver {
	case DriverPostgres:
		return d.DSN != ""
	case DriverSQLite:
		return d.SQLitePath != ""
	default:
		return false
	}
}

// KafkaConfig configures the optional Kafka event sink.
type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// DispatchConfig bounds the fire-and-forget queues feeding sinks and notifiers.
type DispatchConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	Workers     int           `mapstructure:"workers"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	Timeout    time.Duration    `mapstructure:"timeout"`
	Slack      WebhookConfig    `mapstructure:"slack"`
	Mattermost MattermostConfig `mapstructure:"mattermost"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
}

// WebhookConfig describes a Slack-compatible incoming webhook.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// MattermostConfig describes a Mattermost incoming webhook.
type MattermostConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Channel  string `mapstructure:"channel"`
	Username string `mapstructure:"username"`
}

// TelegramConfig describes Telegram bot delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig configures the status server.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// RetentionConfig configures pruning of persisted samples.
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VAULTWATCHER")
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
		return nil, &ConfigError{Reason: fmt.Sprintf("unmarshal: %v", err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return &ConfigError{Reason: fmt.Sprintf("read: %v", err)}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "vault-watcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("accounts_file", "accounts.json")

	v.SetDefault("ledger.chain", ChainSolana)
	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.commitment", "confirmed")
	v.SetDefault("ledger.request_timeout", "10s")
	v.SetDefault("ledger.rate_limit", 20.0)
	v.SetDefault("ledger.rate_burst", 5)

	v.SetDefault("scheduler.refresh_period", "5s")
	v.SetDefault("scheduler.stagger", true)
	v.SetDefault("scheduler.grace_period", "10s")

	v.SetDefault("sampler.max_attempts", 3)
	v.SetDefault("sampler.base_delay", "200ms")
	v.SetDefault("sampler.max_delay", "2s")
	v.SetDefault("sampler.jitter", "100ms")

	v.SetDefault("detector.alert_interval", "30m")
	v.SetDefault("detector.low_balance_interval", "5m")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.sqlite_path", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.timescale", false)
	v.SetDefault("database.chunk_interval", "24h")
	v.SetDefault("database.connect_timeout", "30s")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "vault-watcher")
	v.SetDefault("kafka.client_id", "vault-watcher")

	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.max_attempts", 4)
	v.SetDefault("dispatch.base_delay", "500ms")
	v.SetDefault("dispatch.max_delay", "10s")
	v.SetDefault("dispatch.timeout", "15s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.slack.url", "")
	v.SetDefault("alerting.mattermost.url", "")
	v.SetDefault("alerting.mattermost.username", "vault-watcher")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.schedule", "@daily")
	v.SetDefault("retention.max_age", "720h")

	v.SetDefault("export.max_data_points", 5000)
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

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Ledger.Chain {
	case ChainSolana, ChainEVM:
	default:
		return invalid("ledger.chain", fmt.Sprintf("must be %q or %q, got %q", ChainSolana, ChainEVM, c.Ledger.Chain))
	}
	if c.Ledger.RPCURL == "" {
		return invalid("ledger.rpc_url", "is required")
	}
	if c.Ledger.RateLimit < 0 {
		return invalid("ledger.rate_limit", "cannot be negative")
	}
	if c.AccountsFile == "" {
		return invalid("accounts_file", "is required")
	}
	if c.Scheduler.RefreshPeriod <= 0 {
		return invalid("scheduler.refresh_period", "must be greater than zero")
	}
	if c.Scheduler.GracePeriod < 0 {
		return invalid("scheduler.grace_period", "cannot be negative")
	}
	if c.Sampler.MaxAttempts <= 0 {
		return invalid("sampler.max_attempts", "must be greater than zero")
	}
	if c.Detector.AlertInterval < 0 {
		return invalid("detector.alert_interval", "cannot be negative")
	}
	if c.Detector.LowBalanceInterval < 0 {
		return invalid("detector.low_balance_interval", "cannot be negative")
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite, "":
	default:
		return invalid("database.driver", fmt.Sprintf("unsupported driver %q", c.Database.Driver))
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return invalid("kafka.brokers", "must list at least one broker")
		}
		if c.Kafka.Topic == "" {
			return invalid("kafka.topic", "is required")
		}
	}
	if c.Dispatch.QueueSize <= 0 {
		return invalid("dispatch.queue_size", "must be greater than zero")
	}
	if c.Dispatch.Workers <= 0 {
		return invalid("dispatch.workers", "must be greater than zero")
	}
	if c.Alerting.Slack.Enabled && c.Alerting.Slack.URL == "" {
		return invalid("alerting.slack.url", "is required when slack is enabled")
	}
	if c.Alerting.Mattermost.Enabled && c.Alerting.Mattermost.URL == "" {
		return invalid("alerting.mattermost.url", "is required when mattermost is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return invalid("alerting.telegram.bot_token", "is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return invalid("alerting.telegram.chat_id", "is required when telegram is enabled")
		}
	}
	if c.Retention.Enabled && c.Retention.MaxAge <= 0 {
		return invalid("retention.max_age", "must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return invalid("export.max_data_points", "must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
