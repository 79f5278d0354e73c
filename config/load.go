package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Production endpoints; the sandbox pair is substituted when env != production.
const (
	ProductionFeedURL = "wss://ws-feed.pro.coinbase.com"
	SandboxFeedURL    = "wss://ws-feed-public.sandbox.pro.coinbase.com"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string        `yaml:"env"`
	Feed    FeedConfig    `yaml:"feed"`
	Account AccountConfig `yaml:"account"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// FeedConfig enumerates the streaming subscription: endpoint, channels,
// products and the credential block for authenticated channels.
type FeedConfig struct {
	URL            string   `yaml:"url"`
	Key            string   `yaml:"key"`
	Secret         string   `yaml:"secret"` // base64 encoded
	Passphrase     string   `yaml:"passphrase"`
	Products       []string `yaml:"products"`
	Channels       []string `yaml:"channels"`
	BackoffSeconds int      `yaml:"backoffSeconds"`
	PingSeconds    int      `yaml:"pingSeconds"`
}

// AccountConfig 账户侧参数：起始资金、费率、风险比例与交易所最小下单量。
type AccountConfig struct {
	Currency        string  `yaml:"currency"`
	StartingBalance float64 `yaml:"startingBalance"`
	FeeRate         float64 `yaml:"feeRate"`
	Risk            float64 `yaml:"risk"`
	MinOrderSize    float64 `yaml:"minOrderSize"`
	Reinvest        bool    `yaml:"reinvest"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("FEED_API_KEY"); v != "" {
		cfg.Feed.Key = v
	}
	if v := os.Getenv("FEED_API_SECRET"); v != "" {
		cfg.Feed.Secret = v
	}
	if v := os.Getenv("FEED_API_PASSPHRASE"); v != "" {
		cfg.Feed.Passphrase = v
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Feed.URL == "" {
		if cfg.Env == "production" {
			cfg.Feed.URL = ProductionFeedURL
		} else {
			cfg.Feed.URL = SandboxFeedURL
		}
	}
	if len(cfg.Feed.Channels) == 0 {
		cfg.Feed.Channels = []string{"user"}
	}
	if cfg.Feed.BackoffSeconds <= 0 {
		cfg.Feed.BackoffSeconds = 10
	}
	if cfg.Feed.PingSeconds <= 0 {
		cfg.Feed.PingSeconds = 30
	}
	if cfg.Account.FeeRate == 0 {
		cfg.Account.FeeRate = 0.003
	}
	if cfg.Account.MinOrderSize == 0 {
		cfg.Account.MinOrderSize = 0.1
	}
	if cfg.Account.Currency == "" {
		cfg.Account.Currency = "USD"
	}
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if len(cfg.Feed.Products) == 0 {
		return errors.New("feed.products is required")
	}
	if containsAuthChannel(cfg.Feed.Channels) {
		if cfg.Feed.Key == "" || cfg.Feed.Secret == "" || cfg.Feed.Passphrase == "" {
			return errors.New("feed.key/secret/passphrase is required for authenticated channels (or env overrides)")
		}
	}
	if cfg.Account.StartingBalance < 0 {
		return errors.New("account.startingBalance must be >= 0")
	}
	if cfg.Account.FeeRate < 0 || cfg.Account.FeeRate >= 1 {
		return fmt.Errorf("account.feeRate %v out of range [0,1)", cfg.Account.FeeRate)
	}
	if cfg.Account.Risk < 0 || cfg.Account.Risk >= 1 {
		return fmt.Errorf("account.risk %v out of range [0,1)", cfg.Account.Risk)
	}
	if cfg.Account.MinOrderSize < 0 {
		return errors.New("account.minOrderSize must be >= 0")
	}
	return nil
}

func containsAuthChannel(channels []string) bool {
	for _, ch := range channels {
		if ch == "user" || ch == "full" {
			return true
		}
	}
	return false
}
