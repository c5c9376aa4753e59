// Package config provides configuration management for the option-chain streamer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "chainstream/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Store       StoreConfig       `mapstructure:"store"`
	Calendar    CalendarConfig    `mapstructure:"calendar"`
	Volatility  VolatilityConfig  `mapstructure:"volatility"`
	Chain       ChainConfig       `mapstructure:"chain"`
	Margin      MarginConfig      `mapstructure:"margin"`
	Shard       ShardConfig       `mapstructure:"shard"`
	Settings    SettingsConfig    `mapstructure:"settings"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Underlyings UnderlyingsConfig `mapstructure:"underlyings"`
	Credentials Credentials       `mapstructure:"-"` // Loaded separately
}

// ServerConfig holds the snapshot transport configuration.
type ServerConfig struct {
	Addr            string `mapstructure:"addr"`
	FilterSellValue bool   `mapstructure:"filter_sell_value"` // publish only entries with sellValue > returnOnMargin
	ClientBuffer    int    `mapstructure:"client_buffer"`
}

// FeedConfig holds market-data feed configuration.
type FeedConfig struct {
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	ReconnectMaxRetry int           `mapstructure:"reconnect_max_retry"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
	TickBuffer        int           `mapstructure:"tick_buffer"`
}

// StoreConfig holds the reference store location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// CalendarConfig holds the MCX session model. Times are "HH:MM" IST.
type CalendarConfig struct {
	MorningOpen     string        `mapstructure:"morning_open"`
	MorningClose    string        `mapstructure:"morning_close"`
	EveningCloseDST string        `mapstructure:"evening_close_dst"` // while US daylight saving is in force
	EveningCloseStd string        `mapstructure:"evening_close_std"`
	ExpiryCacheTTL  time.Duration `mapstructure:"expiry_cache_ttl"`
	MaxFutureYears  int           `mapstructure:"max_future_years"`
	MaxPastYears    int           `mapstructure:"max_past_years"`
	RequireHolidays bool          `mapstructure:"require_holidays"`
}

// VolatilityConfig holds volatility polling configuration.
type VolatilityConfig struct {
	PollInterval    time.Duration     `mapstructure:"poll_interval"`
	QuoteInstrument string            `mapstructure:"quote_instrument"`
	Instruments     map[string]string `mapstructure:"instruments"` // per-underlying quote instrument
	QuoteTimeout    time.Duration     `mapstructure:"quote_timeout"`
	// Consecutive quote failures that open an instrument's circuit
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// ChainConfig holds strike selection and recompute configuration.
type ChainConfig struct {
	MaxExpiries       int           `mapstructure:"max_expiries"`
	SdMultiplier      float64       `mapstructure:"sd_multiplier"`
	RecomputeInterval time.Duration `mapstructure:"recompute_interval"`
	ReselectInterval  time.Duration `mapstructure:"reselect_interval"`
}

// MarginConfig holds margin batch fetch configuration.
type MarginConfig struct {
	FetchInterval time.Duration `mapstructure:"fetch_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// ShardConfig holds the worker group table.
type ShardConfig struct {
	Groups            [][]string    `mapstructure:"groups"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	AggregateInterval time.Duration `mapstructure:"aggregate_interval"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	Executable        string        `mapstructure:"executable"` // defaults to the running binary
}

// SettingsConfig holds the settings cache configuration.
type SettingsConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	JSON     bool   `mapstructure:"json"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// UnderlyingsConfig lists the commodity underlyings to stream.
type UnderlyingsConfig struct {
	Symbols []string `mapstructure:"symbols"`
}

// Credentials holds API credentials.
type Credentials struct {
	Kite KiteCredentials `mapstructure:"kite"`
}

// KiteCredentials holds Kite Connect credentials.
type KiteCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/chainstream"
	}
	return filepath.Join(home, ".config", "chainstream")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(configDir, "chainstream.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.filter_sell_value", false)
	v.SetDefault("server.client_buffer", 16)

	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.reconnect_max_retry", 50)
	v.SetDefault("feed.reconnect_max_delay", "60s")
	v.SetDefault("feed.tick_buffer", 4096)

	v.SetDefault("calendar.morning_open", "09:00")
	v.SetDefault("calendar.morning_close", "17:00")
	v.SetDefault("calendar.evening_close_dst", "23:30")
	v.SetDefault("calendar.evening_close_std", "23:55")
	v.SetDefault("calendar.expiry_cache_ttl", "60s")
	v.SetDefault("calendar.max_future_years", 5)
	v.SetDefault("calendar.max_past_years", 1)
	v.SetDefault("calendar.require_holidays", false)

	v.SetDefault("volatility.poll_interval", "60s")
	v.SetDefault("volatility.quote_instrument", "NSE:INDIA VIX")
	v.SetDefault("volatility.quote_timeout", "10s")
	v.SetDefault("volatility.breaker_threshold", 3)
	v.SetDefault("volatility.breaker_cooldown", "2m")

	v.SetDefault("chain.max_expiries", 2)
	v.SetDefault("chain.sd_multiplier", 1.0)
	v.SetDefault("chain.recompute_interval", "300ms")
	v.SetDefault("chain.reselect_interval", "30s")

	v.SetDefault("margin.fetch_interval", "30s")
	v.SetDefault("margin.batch_size", 300)
	v.SetDefault("margin.max_attempts", 3)
	v.SetDefault("margin.rate_per_second", 5.0)
	v.SetDefault("margin.burst", 1)

	v.SetDefault("shard.ready_timeout", "30s")
	v.SetDefault("shard.aggregate_interval", "500ms")
	v.SetDefault("shard.shutdown_grace", "5s")

	v.SetDefault("settings.refresh_interval", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.file", false)

	v.SetDefault("underlyings.symbols", []string{"GOLD", "GOLDM", "SILVER", "SILVERM", "COPPER", "ZINC", "CRUDEOIL", "NATURALGAS"})
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplateConfig(configDir)
		}
		return err
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
			// Credentials may come from the environment alone.
			if os.Getenv("KITE_API_KEY") != "" {
				return nil
			}
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Kite.APISecret = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Kite.AccessToken = v
	}
	if v := os.Getenv("CHAINSTREAM_DB"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CHAINSTREAM_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(component, format string, args ...interface{}) error {
		return apperrors.NewConfigurationError(component, fmt.Sprintf(format, args...), apperrors.ErrConfigInvalid)
	}

	if len(c.Underlyings.Symbols) == 0 {
		return invalid("underlyings", "at least one underlying symbol is required")
	}

	for _, key := range []string{c.Calendar.MorningOpen, c.Calendar.MorningClose, c.Calendar.EveningCloseDST, c.Calendar.EveningCloseStd} {
		if _, err := ParseClock(key); err != nil {
			return invalid("calendar", "invalid session time %q", key)
		}
	}
	open, _ := ParseClock(c.Calendar.MorningOpen)
	closeAt, _ := ParseClock(c.Calendar.MorningClose)
	if closeAt <= open {
		return invalid("calendar", "morning_close must be after morning_open")
	}

	if c.Volatility.PollInterval <= 0 {
		return invalid("volatility", "poll_interval must be positive")
	}
	if c.Volatility.BreakerThreshold < 1 {
		return invalid("volatility", "breaker_threshold must be at least 1")
	}

	if c.Chain.MaxExpiries < 1 {
		return invalid("chain", "max_expiries must be at least 1")
	}
	if c.Chain.RecomputeInterval < 250*time.Millisecond || c.Chain.RecomputeInterval > 500*time.Millisecond {
		return invalid("chain", "recompute_interval must be between 250ms and 500ms, got %s", c.Chain.RecomputeInterval)
	}
	if c.Chain.ReselectInterval <= 0 {
		return invalid("chain", "reselect_interval must be positive")
	}
	if c.Chain.SdMultiplier <= 0 {
		return invalid("chain", "sd_multiplier must be positive")
	}

	if c.Margin.BatchSize < 200 || c.Margin.BatchSize > 400 {
		return invalid("margin", "batch_size must be between 200 and 400, got %d", c.Margin.BatchSize)
	}
	if c.Margin.MaxAttempts < 1 {
		return invalid("margin", "max_attempts must be at least 1")
	}
	if c.Margin.FetchInterval <= 0 {
		return invalid("margin", "fetch_interval must be positive")
	}
	if c.Margin.RatePerSecond <= 0 {
		return invalid("margin", "rate_per_second must be positive")
	}

	if err := ValidateGroups(c.Shard.Groups); err != nil {
		return err
	}

	if c.Settings.RefreshInterval <= 0 {
		return invalid("settings", "refresh_interval must be positive")
	}

	return nil
}

// RequireCredentials reports a ConfigurationError when the Kite session is not configured.
func (c *Config) RequireCredentials() error {
	if c.Credentials.Kite.APIKey == "" || c.Credentials.Kite.AccessToken == "" {
		return apperrors.NewConfigurationError("credentials", "kite api_key and access_token are required", apperrors.ErrConfigInvalid)
	}
	return nil
}

// ValidateGroups checks that worker groups are non-empty and pairwise disjoint.
func ValidateGroups(groups [][]string) error {
	seen := make(map[string]int)
	for i, group := range groups {
		if len(group) == 0 {
			return apperrors.NewConfigurationError("shard", fmt.Sprintf("group %d is empty", i), apperrors.ErrConfigInvalid)
		}
		for _, sym := range group {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym == "" {
				return apperrors.NewConfigurationError("shard", fmt.Sprintf("group %d has a blank symbol", i), apperrors.ErrConfigInvalid)
			}
			if prev, ok := seen[sym]; ok {
				return apperrors.NewConfigurationError("shard", fmt.Sprintf("symbol %s appears in groups %d and %d", sym, prev, i), apperrors.ErrConfigInvalid)
			}
			seen[sym] = i
		}
	}
	return nil
}

// IsSharded returns true when worker groups are configured.
func (c *Config) IsSharded() bool {
	return len(c.Shard.Groups) > 0
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
