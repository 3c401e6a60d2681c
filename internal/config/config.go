package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"oracle-price-feeds/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	API       APIConfig       `mapstructure:"api"`
	Events    EventsConfig    `mapstructure:"events"`
	Feeds     []FeedConfig    `mapstructure:"feeds"`
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

// SchedulerConfig governs the update polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// BridgeConfig covers oracle bridge node access.
type BridgeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	// FixedReward is the per-component amount applied to feeds running in
	// "fixed" reward mode.
	FixedReward string `mapstructure:"fixed_reward"`
}

// APIConfig sets up the read endpoint.
type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EventsConfig routes feed notifications.
type EventsConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

// FeedConfig declares one tracked asset.
type FeedConfig struct {
	Caption  string `mapstructure:"caption"`
	Decimals int32  `mapstructure:"decimals"`
	// Descriptor is the immutable oracle request specification, hex encoded
	// with a 0x prefix.
	Descriptor string `mapstructure:"descriptor"`
	// TimestampMode is "clock" (default) or "static".
	TimestampMode   string `mapstructure:"timestamp_mode"`
	StaticTimestamp uint64 `mapstructure:"static_timestamp"`
	// RewardMode is "caller" (default; the per-feed reward amounts below are
	// passed with every request) or "fixed" (bridge.fixed_reward applies to
	// all three components).
	RewardMode string       `mapstructure:"reward_mode"`
	Rewards    RewardConfig `mapstructure:"rewards"`
}

// RewardConfig holds the pass-through payment components as decimal strings.
type RewardConfig struct {
	Request string `mapstructure:"request"`
	Result  string `mapstructure:"result"`
	Block   string `mapstructure:"block"`
}

// DescriptorBytes decodes the hex request descriptor.
func (f FeedConfig) DescriptorBytes() ([]byte, error) {
	raw, err := hexutil.Decode(f.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("feed %q: decode descriptor: %w", f.Caption, err)
	}
	return raw, nil
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORACLEFEEDS")
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
	v.SetDefault("app.name", "oraclefeeds")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6f726163))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("bridge.request_timeout", "10s")
	v.SetDefault("bridge.user_agent", "oraclefeeds/1.0")
	v.SetDefault("bridge.fixed_reward", "10")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.read_timeout", "5s")
	v.SetDefault("api.write_timeout", "10s")

	v.SetDefault("events.webhook_timeout", "10s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if len(c.Feeds) == 0 {
		return fmt.Errorf("at least one feed must be configured")
	}
	if c.Bridge.FixedReward != "" {
		if _, err := decimal.NewFromString(c.Bridge.FixedReward); err != nil {
			return fmt.Errorf("bridge.fixed_reward must be a decimal amount: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(c.Feeds))
	for _, f := range c.Feeds {
		if err := f.validate(); err != nil {
			return err
		}
		if _, dup := seen[f.Caption]; dup {
			return fmt.Errorf("feed %q configured twice", f.Caption)
		}
		seen[f.Caption] = struct{}{}
	}
	return nil
}

func (f FeedConfig) validate() error {
	if f.Caption == "" {
		return fmt.Errorf("feed caption is required")
	}
	if f.Decimals < 0 {
		return fmt.Errorf("feed %q: decimals cannot be negative", f.Caption)
	}
	if _, err := f.DescriptorBytes(); err != nil {
		return err
	}

	switch f.TimestampMode {
	case "", "clock", "static":
	default:
		return fmt.Errorf("feed %q: timestamp_mode must be clock or static", f.Caption)
	}

	switch f.RewardMode {
	case "", "caller":
		for name, amt := range map[string]string{
			"request": f.Rewards.Request,
			"result":  f.Rewards.Result,
			"block":   f.Rewards.Block,
		} {
			if amt == "" {
				return fmt.Errorf("feed %q: rewards.%s is required in caller mode", f.Caption, name)
			}
			if _, err := decimal.NewFromString(amt); err != nil {
				return fmt.Errorf("feed %q: rewards.%s must be a decimal amount: %w", f.Caption, name, err)
			}
		}
	case "fixed":
	default:
		return fmt.Errorf("feed %q: reward_mode must be caller or fixed", f.Caption)
	}
	return nil
}
