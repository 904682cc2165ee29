package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"price-alert-engine/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Prices    PricesConfig    `mapstructure:"prices"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Server    ServerConfig    `mapstructure:"server"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EvaluatorConfig tunes rule evaluation.
type EvaluatorConfig struct {
	Workers         int           `mapstructure:"workers"`
	DefaultCooldown time.Duration `mapstructure:"default_cooldown"`
	ConflictRetries int           `mapstructure:"conflict_retries"`
	QuoteTimeout    time.Duration `mapstructure:"quote_timeout"`
}

// DispatchConfig tunes channel fan-out.
type DispatchConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
}

// RetryConfig bounds redelivery of failed sends.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// PricesConfig configures quote retrieval.
type PricesConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	YahooBaseURL   string        `mapstructure:"yahoo_base_url"`
	CoinCapBaseURL string        `mapstructure:"coincap_base_url"`
	CoinCapAPIKey  string        `mapstructure:"coincap_api_key"`
	// CryptoIDs maps a tracked symbol to its CoinCap asset id.
	CryptoIDs map[string]string `mapstructure:"crypto_ids"`
	Ethereum  EthereumConfig    `mapstructure:"ethereum"`
}

// EthereumConfig covers on-chain vault quotes.
type EthereumConfig struct {
	RPCURL string `mapstructure:"rpc_url"`
	// Vaults maps a tracked symbol to an ERC-4626 vault address.
	Vaults map[string]string `mapstructure:"vaults"`
}

// ChannelsConfig holds per-transport settings.
type ChannelsConfig struct {
	Email    EmailConfig    `mapstructure:"email"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogChannel     `mapstructure:"log"`
}

// EmailConfig describes the SMTP relay.
type EmailConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	From        string `mapstructure:"from"`
	ImplicitTLS bool   `mapstructure:"implicit_tls"`
	SkipVerify  bool   `mapstructure:"skip_verify"`
}

// TelegramConfig describes the chat bot.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig signs outgoing webhook calls.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
}

// KafkaConfig configures the event publisher channel.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	RequiredAcks int           `mapstructure:"required_acks"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogChannel enables the logger-backed channel.
type LogChannel struct {
	Enabled bool `mapstructure:"enabled"`
}

// ServerConfig exposes health, metrics and delivery status.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEALERT")
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
	cfg.normalize()

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
	v.SetDefault("app.name", "pricealert")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/pricealert.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70616c74))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("evaluator.workers", 8)
	v.SetDefault("evaluator.default_cooldown", "1h")
	v.SetDefault("evaluator.conflict_retries", 3)
	v.SetDefault("evaluator.quote_timeout", "10s")

	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.send_timeout", "15s")
	v.SetDefault("dispatch.claim_timeout", "2m")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.backoff_base", "30s")
	v.SetDefault("retry.backoff_cap", "30m")
	v.SetDefault("retry.poll_interval", "15s")
	v.SetDefault("retry.batch_size", 100)

	v.SetDefault("prices.request_timeout", "10s")
	v.SetDefault("prices.user_agent", "pricealert/1.0")
	v.SetDefault("prices.yahoo_base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("prices.coincap_base_url", "https://api.coincap.io")

	v.SetDefault("channels.email.port", 587)
	v.SetDefault("channels.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("channels.kafka.required_acks", -1)
	v.SetDefault("channels.kafka.write_timeout", "10s")
	v.SetDefault("channels.log.enabled", true)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("export.max_data_points", 10000)
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

// viper lower-cases map keys; symbols are matched upper-case everywhere else.
func (c *Config) normalize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Prices.CryptoIDs = upperKeys(c.Prices.CryptoIDs)
	c.Prices.Ethereum.Vaults = upperKeys(c.Prices.Ethereum.Vaults)
}

func upperKeys(in map[string]string) map[string]string {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Evaluator.Workers <= 0 {
		return fmt.Errorf("evaluator.workers must be greater than zero")
	}
	if c.Evaluator.DefaultCooldown < 0 {
		return fmt.Errorf("evaluator.default_cooldown cannot be negative")
	}
	if c.Evaluator.ConflictRetries < 0 {
		return fmt.Errorf("evaluator.conflict_retries cannot be negative")
	}
	if c.Dispatch.Concurrency <= 0 {
		return fmt.Errorf("dispatch.concurrency must be greater than zero")
	}
	if c.Dispatch.ClaimTimeout <= c.Dispatch.SendTimeout {
		return fmt.Errorf("dispatch.claim_timeout must exceed dispatch.send_timeout")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than zero")
	}
	if c.Retry.BackoffBase <= 0 {
		return fmt.Errorf("retry.backoff_base must be greater than zero")
	}
	if c.Retry.BackoffCap < c.Retry.BackoffBase {
		return fmt.Errorf("retry.backoff_cap must not be below retry.backoff_base")
	}
	if c.Retry.PollInterval <= 0 {
		return fmt.Errorf("retry.poll_interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if len(c.Prices.Ethereum.Vaults) > 0 && c.Prices.Ethereum.RPCURL == "" {
		return fmt.Errorf("prices.ethereum.rpc_url is required when vaults are configured")
	}
	if c.Channels.Email.Enabled {
		if c.Channels.Email.Host == "" || c.Channels.Email.From == "" {
			return fmt.Errorf("channels.email.host and channels.email.from must be set")
		}
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("channels.telegram.bot_token must be set")
	}
	if c.Channels.Kafka.Enabled && len(c.Channels.Kafka.Brokers) == 0 {
		return fmt.Errorf("channels.kafka.brokers must be set")
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
