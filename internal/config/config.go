package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Robinhood Robinhood `mapstructure:"robinhood"`
	Trading   Trading   `mapstructure:"trading"`
	Schedule  Schedule  `mapstructure:"schedule"`
	Store     Store     `mapstructure:"store"`
	History   History   `mapstructure:"history"`
	Paper     Paper     `mapstructure:"paper"`
	Logger    Logger    `mapstructure:"logger"`
}

// Robinhood holds the configuration for the broker API.
type Robinhood struct {
	APIKey         string        `mapstructure:"api_key"`
	PrivateKey     string        `mapstructure:"private_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// Trading holds the configuration for the trading logic.
type Trading struct {
	Symbol      string          `mapstructure:"symbol"`
	Quantity    decimal.Decimal `mapstructure:"quantity"`
	DryRun      bool            `mapstructure:"dry_run"`
	EntryPolicy string          `mapstructure:"entry_policy"`
	MaxActive   int             `mapstructure:"max_active"`
	ExitPolicy  string          `mapstructure:"exit_policy"`
	MinGain     decimal.Decimal `mapstructure:"min_gain"`
	StopLoss    decimal.Decimal `mapstructure:"stop_loss"`
	TakeProfit  decimal.Decimal `mapstructure:"take_profit"`
}

// Schedule holds the polling cadence of the trade lifecycle tasks.
type Schedule struct {
	BuyInterval     time.Duration `mapstructure:"buy_interval"`
	BuyJitter       time.Duration `mapstructure:"buy_jitter"`
	PendingInterval time.Duration `mapstructure:"pending_interval"`
	ExitInterval    time.Duration `mapstructure:"exit_interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	BrokerTimeout   time.Duration `mapstructure:"broker_timeout"`
}

// Store holds the location of the trade store.
type Store struct {
	Dir string `mapstructure:"dir"`
}

// History holds the configuration of the closed trade log. An empty DSN
// disables the SQLite mirror.
type History struct {
	Dir string `mapstructure:"dir"`
	DSN string `mapstructure:"dsn"`
}

// Paper holds the simulated market used when trading.dry_run is set.
type Paper struct {
	MidPrice decimal.Decimal `mapstructure:"mid_price"`
	Spread   decimal.Decimal `mapstructure:"spread"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// flagKeys maps command line flags to the config keys they override.
var flagKeys = map[string][]string{
	"symbol":        {"trading.symbol"},
	"quantity":      {"trading.quantity"},
	"poll-interval": {"schedule.pending_interval", "schedule.exit_interval"},
	"dry-run":       {"trading.dry_run"},
	"store-dir":     {"store.dir", "history.dir"},
	"log-level":     {"logger.level"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("robinhood.api_key", "")
	v.SetDefault("robinhood.private_key", "")
	v.SetDefault("robinhood.base_url", "https://trading.robinhood.com")
	v.SetDefault("robinhood.timeout", 10*time.Second)
	v.SetDefault("robinhood.rate_limit", 1.5) // requests per second
	v.SetDefault("robinhood.rate_limit_burst", 5)
	v.SetDefault("robinhood.max_retries", 3)

	v.SetDefault("trading.symbol", "DOGE-USD")
	v.SetDefault("trading.quantity", "1.0")
	v.SetDefault("trading.dry_run", true)
	v.SetDefault("trading.entry_policy", "max_active")
	v.SetDefault("trading.max_active", 1)
	v.SetDefault("trading.exit_policy", "favorable")
	v.SetDefault("trading.min_gain", "0")
	v.SetDefault("trading.stop_loss", "0.02")
	v.SetDefault("trading.take_profit", "0.05")

	v.SetDefault("schedule.buy_interval", 40*time.Second)
	v.SetDefault("schedule.buy_jitter", 270*time.Second)
	v.SetDefault("schedule.pending_interval", 5*time.Second)
	v.SetDefault("schedule.exit_interval", 10*time.Second)
	v.SetDefault("schedule.stale_after", 30*time.Minute)
	v.SetDefault("schedule.broker_timeout", 30*time.Second)

	v.SetDefault("store.dir", "logs/trade_execution")
	v.SetDefault("history.dir", "logs/trade_execution")
	v.SetDefault("history.dsn", "")

	v.SetDefault("paper.mid_price", "0.1")
	v.SetDefault("paper.spread", "0.001")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
}

// LoadConfig reads configuration from path/config.yml, a .env file, the
// environment (TRADER_ prefix) and the given command line flags, in
// increasing order of precedence. The config file is optional.
func LoadConfig(path string, flags *pflag.FlagSet) (config Config, err error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("could not load .env file: %w", err)
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for name, keys := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			for _, key := range keys {
				if err := v.BindPFlag(key, flag); err != nil {
					return config, err
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("could not read config file: %w", err)
		}
	}

	err = v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return config, fmt.Errorf("could not decode config: %w", err)
	}
	return config, config.Validate()
}

// Validate checks the settings the trade lifecycle cannot run without.
func (c *Config) Validate() error {
	if c.Trading.Symbol == "" {
		return errors.New("trading.symbol is required")
	}
	if !c.Trading.Quantity.IsPositive() {
		return fmt.Errorf("trading.quantity must be positive, got %s", c.Trading.Quantity)
	}
	for name, d := range map[string]time.Duration{
		"schedule.buy_interval":     c.Schedule.BuyInterval,
		"schedule.pending_interval": c.Schedule.PendingInterval,
		"schedule.exit_interval":    c.Schedule.ExitInterval,
		"schedule.broker_timeout":   c.Schedule.BrokerTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Schedule.BuyJitter < 0 {
		return fmt.Errorf("schedule.buy_jitter cannot be negative, got %s", c.Schedule.BuyJitter)
	}
	if c.Store.Dir == "" {
		return errors.New("store.dir is required")
	}
	if !c.Trading.DryRun && (c.Robinhood.APIKey == "" || c.Robinhood.PrivateKey == "") {
		return errors.New("robinhood.api_key and robinhood.private_key are required unless trading.dry_run is set")
	}
	return nil
}

// decimalHook decodes strings and numbers into decimal.Decimal fields.
func decimalHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}
