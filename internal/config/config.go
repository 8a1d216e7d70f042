package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	Connector ConnectorConfig `yaml:"connector"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	// Credentials never come from the file; see applyEnvOverrides.
	Credentials Credentials `yaml:"-"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Encoding is "json" (default) or "console".
	Encoding string `yaml:"encoding"`
}

type RESTConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
}

type WSConfig struct {
	PublicURL         string        `yaml:"public_url"`
	PrivateURL        string        `yaml:"private_url"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxMissedPongs    int           `yaml:"max_missed_pongs"`
}

type ConnectorConfig struct {
	TradingPairs           []string      `yaml:"trading_pairs"`
	PollInterval           time.Duration `yaml:"poll_interval"`
	FundingPollInterval    time.Duration `yaml:"funding_poll_interval"`
	FundingPaymentInterval time.Duration `yaml:"funding_payment_interval"`
	NotFoundLimit          int           `yaml:"not_found_limit"`
	CacheTTL               time.Duration `yaml:"cache_ttl"`
	CacheSize              int           `yaml:"cache_size"`
	PositionMode           string        `yaml:"position_mode"`
	MarginMode             string        `yaml:"margin_mode"`
	Leverage               int           `yaml:"leverage"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// SampleInterval controls how often funding snapshots are recorded.
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`

	// Operator commands are accepted only from ChatID, and only from
	// OperatorAllowedUserIDs when that list is non-empty.
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = "json"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.bitget.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.RateLimit == 0 {
		cfg.REST.RateLimit = 10
	}
	if cfg.REST.Burst == 0 {
		cfg.REST.Burst = 5
	}
	if cfg.WS.PublicURL == "" {
		cfg.WS.PublicURL = "wss://ws.bitget.com/v2/ws/public"
	}
	if cfg.WS.PrivateURL == "" {
		cfg.WS.PrivateURL = "wss://ws.bitget.com/v2/ws/private"
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = time.Second
	}
	if cfg.WS.MaxReconnectDelay == 0 {
		cfg.WS.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.WS.IdleTimeout == 0 {
		cfg.WS.IdleTimeout = 20 * time.Second
	}
	if cfg.WS.MaxMissedPongs == 0 {
		cfg.WS.MaxMissedPongs = 2
	}
	for i, pair := range cfg.Connector.TradingPairs {
		cfg.Connector.TradingPairs[i] = strings.ToUpper(strings.TrimSpace(pair))
	}
	if cfg.Connector.PollInterval == 0 {
		cfg.Connector.PollInterval = 5 * time.Second
	}
	if cfg.Connector.FundingPollInterval == 0 {
		cfg.Connector.FundingPollInterval = 30 * time.Second
	}
	if cfg.Connector.FundingPaymentInterval == 0 {
		cfg.Connector.FundingPaymentInterval = time.Minute
	}
	if cfg.Connector.NotFoundLimit == 0 {
		cfg.Connector.NotFoundLimit = 3
	}
	if cfg.Connector.CacheTTL == 0 {
		cfg.Connector.CacheTTL = 10 * time.Minute
	}
	if cfg.Connector.CacheSize == 0 {
		cfg.Connector.CacheSize = 1000
	}
	if cfg.Connector.PositionMode == "" {
		cfg.Connector.PositionMode = "one_way_mode"
	}
	if cfg.Connector.MarginMode == "" {
		cfg.Connector.MarginMode = "crossed"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/bg-perp-connector.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Timescale.SampleInterval == 0 {
		cfg.Timescale.SampleInterval = time.Minute
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Credentials = Credentials{
		APIKey:     strings.TrimSpace(os.Getenv("BITGET_API_KEY")),
		SecretKey:  strings.TrimSpace(os.Getenv("BITGET_SECRET_KEY")),
		Passphrase: strings.TrimSpace(os.Getenv("BITGET_PASSPHRASE")),
	}
	if token := strings.TrimSpace(os.Getenv("BITGET_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("BITGET_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("BITGET_TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func validate(cfg *Config) error {
	if cfg.Log.Encoding != "json" && cfg.Log.Encoding != "console" {
		return fmt.Errorf("log.encoding: unknown encoding %q", cfg.Log.Encoding)
	}
	if len(cfg.Connector.TradingPairs) == 0 {
		return errors.New("connector.trading_pairs is required")
	}
	seen := make(map[string]struct{}, len(cfg.Connector.TradingPairs))
	for _, pair := range cfg.Connector.TradingPairs {
		base, quote, ok := strings.Cut(pair, "-")
		if !ok || base == "" || quote == "" {
			return fmt.Errorf("connector.trading_pairs: %q must look like BASE-QUOTE", pair)
		}
		if _, dup := seen[pair]; dup {
			return fmt.Errorf("connector.trading_pairs: duplicate %q", pair)
		}
		seen[pair] = struct{}{}
	}
	if cfg.REST.Timeout < 0 || cfg.REST.RateLimit < 0 || cfg.REST.Burst < 0 {
		return errors.New("rest timeout, rate_limit and burst must be >= 0")
	}
	if cfg.WS.ReconnectDelay < 0 || cfg.WS.IdleTimeout < 0 || cfg.WS.MaxMissedPongs < 0 {
		return errors.New("ws reconnect_delay, idle_timeout and max_missed_pongs must be >= 0")
	}
	if cfg.WS.MaxReconnectDelay < cfg.WS.ReconnectDelay {
		return errors.New("ws.max_reconnect_delay must be >= ws.reconnect_delay")
	}
	c := cfg.Connector
	if c.PollInterval < 0 || c.FundingPollInterval < 0 || c.FundingPaymentInterval < 0 || c.CacheTTL < 0 {
		return errors.New("connector intervals must be >= 0")
	}
	if c.NotFoundLimit < 0 {
		return errors.New("connector.not_found_limit must be >= 0")
	}
	if c.CacheSize < 0 {
		return errors.New("connector.cache_size must be >= 0")
	}
	if c.Leverage < 0 {
		return errors.New("connector.leverage must be >= 0")
	}
	switch strings.ToLower(c.PositionMode) {
	case "one_way_mode", "hedge_mode":
	default:
		return fmt.Errorf("connector.position_mode: unknown mode %q", c.PositionMode)
	}
	switch strings.ToLower(c.MarginMode) {
	case "crossed", "cross", "isolated":
	default:
		return fmt.Errorf("connector.margin_mode: unknown mode %q", c.MarginMode)
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram token and chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled {
		if !cfg.Telegram.Enabled {
			return errors.New("telegram.operator_enabled requires telegram.enabled")
		}
		if _, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.ChatID), 10, 64); err != nil {
			return fmt.Errorf("telegram.chat_id must be numeric for the operator: %w", err)
		}
		if cfg.Telegram.OperatorPollInterval < 0 {
			return errors.New("telegram.operator_poll_interval must be >= 0")
		}
	}
	return nil
}
