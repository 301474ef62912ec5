// Package config provides configuration management for the breakout tracker.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"orb-trader/internal/logging"
	"orb-trader/pkg/utils"
)

// Feed sources.
const (
	FeedZerodha = "zerodha"
	FeedReplay  = "replay"
)

// Live modes.
const (
	LiveTicker = "ticker"
	LivePoll   = "poll"
)

// Config holds all application configuration.
type Config struct {
	Session     SessionConfig `mapstructure:"session"`
	Feed        FeedConfig    `mapstructure:"feed"`
	Run         RunConfig     `mapstructure:"run"`
	Output      OutputConfig  `mapstructure:"output"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Credentials Credentials   `mapstructure:"-" json:"-"` // Loaded separately
}

// SessionConfig describes how the opening range is derived.
type SessionConfig struct {
	OpeningRangeMinutes     int    `mapstructure:"opening_range_minutes"`
	BarIntervalMinutes      int    `mapstructure:"bar_interval_minutes"`
	Duration                string `mapstructure:"duration"`
	RegularTradingHoursOnly bool   `mapstructure:"regular_trading_hours_only"`
	Exchange                string `mapstructure:"exchange"`
	Timezone                string `mapstructure:"timezone"`
	Open                    string `mapstructure:"open"`
	Close                   string `mapstructure:"close"`
}

// FeedConfig selects and tunes the market-data source.
type FeedConfig struct {
	Source         string        `mapstructure:"source"`    // zerodha, replay
	LiveMode       string        `mapstructure:"live_mode"` // ticker, poll
	LiveBarSeconds int           `mapstructure:"live_bar_seconds"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ReplayFile     string        `mapstructure:"replay_file"`
	ReplayInterval time.Duration `mapstructure:"replay_interval"`
}

// RunConfig bounds a watch run.
type RunConfig struct {
	Timeout              time.Duration `mapstructure:"timeout"`
	MaxConcurrentFetches int           `mapstructure:"max_concurrent_fetches"`
}

// OutputConfig selects where breakout events go.
type OutputConfig struct {
	BreakoutLog  string `mapstructure:"breakout_log"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisChannel string `mapstructure:"redis_channel"`
	WebhookURL   string `mapstructure:"webhook_url"`
	Color        bool   `mapstructure:"color"`
}

// LoggingConfig mirrors logging.LogConfig for file loading.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// Credentials holds API credentials.
type Credentials struct {
	Zerodha ZerodhaCredentials `mapstructure:"zerodha"`
}

// ZerodhaCredentials holds Kite Connect credentials.
type ZerodhaCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/orb-trader"
	}
	return filepath.Join(home, ".config", "orb-trader")
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session.opening_range_minutes", 15)
	v.SetDefault("session.bar_interval_minutes", 5)
	v.SetDefault("session.duration", "1 day")
	v.SetDefault("session.regular_trading_hours_only", true)
	v.SetDefault("session.exchange", "NSE")
	v.SetDefault("session.timezone", "Asia/Kolkata")
	v.SetDefault("session.open", "09:15")
	v.SetDefault("session.close", "15:30")

	v.SetDefault("feed.source", FeedZerodha)
	v.SetDefault("feed.live_mode", LiveTicker)
	v.SetDefault("feed.live_bar_seconds", 5)
	v.SetDefault("feed.poll_interval", "5s")
	v.SetDefault("feed.replay_interval", "0s")

	v.SetDefault("run.timeout", "0s")
	v.SetDefault("run.max_concurrent_fetches", 8)

	v.SetDefault("output.breakout_log", "breakouts.log")
	v.SetDefault("output.redis_channel", "orb:breakouts")
	v.SetDefault("output.color", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(DefaultConfigDir(), "logs", "orb.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// A missing .env is normal; variables may come from the shell.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		if err := createTemplateConfig(configDir); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Zerodha.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Zerodha.APISecret = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Zerodha.AccessToken = v
	}
	if v := os.Getenv("ORB_FEED"); v != "" {
		cfg.Feed.Source = v
	}
	if v := os.Getenv("ORB_BREAKOUT_LOG"); v != "" {
		cfg.Output.BreakoutLog = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Session.OpeningRangeMinutes < 1 {
		return fmt.Errorf("opening_range_minutes must be at least 1")
	}
	if c.Session.BarIntervalMinutes < 1 {
		return fmt.Errorf("bar_interval_minutes must be at least 1")
	}
	if _, err := c.SessionHours(); err != nil {
		return fmt.Errorf("session hours: %w", err)
	}

	switch c.Feed.Source {
	case FeedZerodha:
	case FeedReplay:
		if c.Feed.ReplayFile == "" {
			return fmt.Errorf("feed.replay_file is required for the replay feed")
		}
	default:
		return fmt.Errorf("invalid feed source: %s (must be 'zerodha' or 'replay')", c.Feed.Source)
	}

	if c.Feed.LiveMode != LiveTicker && c.Feed.LiveMode != LivePoll {
		return fmt.Errorf("invalid live mode: %s (must be 'ticker' or 'poll')", c.Feed.LiveMode)
	}
	if c.Feed.LiveBarSeconds < 1 {
		return fmt.Errorf("live_bar_seconds must be at least 1")
	}
	if c.Feed.LiveMode == LivePoll && c.Feed.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive in poll mode")
	}
	if c.Run.Timeout < 0 {
		return fmt.Errorf("run.timeout must be non-negative")
	}
	if c.Run.MaxConcurrentFetches < 1 {
		return fmt.Errorf("max_concurrent_fetches must be at least 1")
	}

	return nil
}

// WindowBars returns how many historical bars make up the opening range.
func (c *Config) WindowBars() int {
	n := c.Session.OpeningRangeMinutes / c.Session.BarIntervalMinutes
	if n < 1 {
		return 1
	}
	return n
}

// SessionHours returns the configured regular trading session.
func (c *Config) SessionHours() (utils.Session, error) {
	return utils.NewSession(c.Session.Timezone, c.Session.Open, c.Session.Close)
}

// LogConfig converts the logging section for the logging package.
func (c *Config) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Logging.Level,
		Console:    true,
		File:       c.Logging.File,
		FilePath:   c.Logging.FilePath,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
	}
}
