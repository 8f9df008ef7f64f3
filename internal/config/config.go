// Package config provides configuration management for the alert trader.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

// Defaults applied by normalize when a key is unset
const (
	defaultPollInterval      = "5s"
	defaultMaxAttempts       = 12
	defaultCallTimeout       = "10s"
	defaultHistoryCount      = 10
	defaultBrokerTimeout     = "10s"
	defaultRequestsPerMinute = 120
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultStoragePath       = "data/positions.json"
	defaultServerPort        = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Trading     TradingConfig     `yaml:"trading"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Storage     StorageConfig     `yaml:"storage"`
	Journal     JournalConfig     `yaml:"journal"`
	Server      ServerConfig      `yaml:"server"`
	Feed        FeedConfig        `yaml:"feed"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live | sim
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
	LogPath   string `yaml:"log_path"`   // optional file, tee'd with stderr
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	QuoteURL          string               `yaml:"quote_url"`
	TradeURL          string               `yaml:"trade_url"`
	AccessToken       string               `yaml:"access_token"`
	TradeToken        string               `yaml:"trade_token"`
	AccountID         string               `yaml:"account_id"`
	DeviceID          string               `yaml:"device_id"`
	Timeout           string               `yaml:"timeout"`
	RequestsPerMinute int                  `yaml:"requests_per_minute"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker wrapped around every broker call.
type CircuitBreakerConfig struct {
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// TradingConfig defines how triggers become orders.
type TradingConfig struct {
	Tickers     []string     `yaml:"tickers"`
	Triggers    TriggerRules `yaml:"triggers"`
	BTOOffset   float64      `yaml:"bto_offset"`    // added to an explicit limit price
	MaxPerTrade float64      `yaml:"max_per_trade"` // dollar budget per entry
}

// MonitorConfig defines fill polling.
type MonitorConfig struct {
	PollInterval string `yaml:"poll_interval"`
	MaxAttempts  int    `yaml:"max_attempts"`
	CallTimeout  string `yaml:"call_timeout"`
	HistoryCount int    `yaml:"history_count"`
}

// StorageConfig defines storage settings for position data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// JournalConfig defines the sqlite order journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig defines the HTTP API.
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// FeedConfig selects the trigger sources.
type FeedConfig struct {
	Stdin        bool   `yaml:"stdin"`
	WebsocketURL string `yaml:"websocket_url"`
}

// TriggerRules keeps the category order of the yaml mapping.
type TriggerRules []models.TriggerRule

// UnmarshalYAML decodes a category -> keywords mapping preserving document order.
func (t *TriggerRules) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: triggers must be a mapping of category to keyword list", node.Line)
	}
	rules := make(TriggerRules, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		var keywords []string
		if err := value.Decode(&keywords); err != nil {
			return fmt.Errorf("triggers.%s: %w", key.Value, err)
		}
		rules = append(rules, models.TriggerRule{
			Category: models.ActionCategory(strings.ToLower(key.Value)),
			Keywords: keywords,
		})
	}
	*t = rules
	return nil
}

// Load reads and parses the configuration file from the specified path.
// A .env file next to the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes yaml bytes after environment expansion and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	switch c.Environment.Mode {
	case "paper", "live", "sim":
	default:
		return fmt.Errorf("environment.mode must be 'paper', 'live' or 'sim'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	// Broker validation
	if !c.IsSimulated() {
		if c.Broker.AccessToken == "" {
			return fmt.Errorf("broker.access_token is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
		if c.Broker.TradeToken == "" {
			return fmt.Errorf("broker.trade_token is required")
		}
	}
	if _, err := time.ParseDuration(c.Broker.Timeout); err != nil {
		return fmt.Errorf("broker.timeout invalid: %w", err)
	}
	if c.Broker.RequestsPerMinute <= 0 {
		return fmt.Errorf("broker.requests_per_minute must be > 0")
	}
	cb := c.Broker.CircuitBreaker
	if cb.Interval != "" {
		if _, err := time.ParseDuration(cb.Interval); err != nil {
			return fmt.Errorf("broker.circuit_breaker.interval invalid: %w", err)
		}
	}
	if cb.Timeout != "" {
		if _, err := time.ParseDuration(cb.Timeout); err != nil {
			return fmt.Errorf("broker.circuit_breaker.timeout invalid: %w", err)
		}
	}
	if cb.FailureRatio < 0 || cb.FailureRatio > 1 {
		return fmt.Errorf("broker.circuit_breaker.failure_ratio must be between 0 and 1")
	}

	// Trading validation
	if len(c.Trading.Tickers) == 0 {
		return fmt.Errorf("trading.tickers must list at least one symbol")
	}
	for i, t := range c.Trading.Tickers {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("trading.tickers[%d] is empty", i)
		}
	}
	if len(c.Trading.Triggers) == 0 {
		return fmt.Errorf("trading.triggers must define at least one category")
	}
	seen := make(map[models.ActionCategory]bool, len(c.Trading.Triggers))
	for _, rule := range c.Trading.Triggers {
		if !rule.Category.Valid() {
			return fmt.Errorf("trading.triggers.%s: unknown category (want entry, exit or trim)", rule.Category)
		}
		if seen[rule.Category] {
			return fmt.Errorf("trading.triggers.%s: duplicate category", rule.Category)
		}
		seen[rule.Category] = true
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("trading.triggers.%s must list at least one keyword", rule.Category)
		}
		for _, kw := range rule.Keywords {
			if strings.TrimSpace(kw) == "" {
				return fmt.Errorf("trading.triggers.%s contains an empty keyword", rule.Category)
			}
		}
	}
	if c.Trading.MaxPerTrade <= 0 {
		return fmt.Errorf("trading.max_per_trade must be > 0")
	}

	// Monitor validation
	poll, err := time.ParseDuration(c.Monitor.PollInterval)
	if err != nil {
		return fmt.Errorf("monitor.poll_interval invalid: %w", err)
	}
	if poll <= 0 {
		return fmt.Errorf("monitor.poll_interval must be > 0")
	}
	if c.Monitor.MaxAttempts <= 0 {
		return fmt.Errorf("monitor.max_attempts must be > 0")
	}
	if _, err := time.ParseDuration(c.Monitor.CallTimeout); err != nil {
		return fmt.Errorf("monitor.call_timeout invalid: %w", err)
	}
	if c.Monitor.HistoryCount <= 0 {
		return fmt.Errorf("monitor.history_count must be > 0")
	}

	// Server validation
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	return nil
}

// normalize sets default values for optional keys
func (c *Config) normalize() {
	c.Environment.Mode = strings.ToLower(c.Environment.Mode)
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = defaultLogLevel
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = defaultLogFormat
	}
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = defaultBrokerTimeout
	}
	if c.Broker.RequestsPerMinute == 0 {
		c.Broker.RequestsPerMinute = defaultRequestsPerMinute
	}
	if c.Monitor.PollInterval == "" {
		c.Monitor.PollInterval = defaultPollInterval
	}
	if c.Monitor.MaxAttempts == 0 {
		c.Monitor.MaxAttempts = defaultMaxAttempts
	}
	if c.Monitor.CallTimeout == "" {
		c.Monitor.CallTimeout = defaultCallTimeout
	}
	if c.Monitor.HistoryCount == 0 {
		c.Monitor.HistoryCount = defaultHistoryCount
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Server.Enabled && c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
}

// IsPaperTrading returns true if orders go to the paper account.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// IsSimulated returns true if the in-memory broker stands in for the gateway.
func (c *Config) IsSimulated() bool {
	return c.Environment.Mode == "sim"
}

// LimitOffset returns trading.bto_offset as a decimal.
func (c *Config) LimitOffset() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.BTOOffset)
}

// MaxPerTrade returns trading.max_per_trade as a decimal.
func (c *Config) MaxPerTrade() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.MaxPerTrade)
}

// GetPollInterval returns the fill monitor poll interval.
func (c *Config) GetPollInterval() time.Duration {
	return parseDurationOr(c.Monitor.PollInterval, 5*time.Second)
}

// GetCallTimeout returns the timeout applied to each broker call.
func (c *Config) GetCallTimeout() time.Duration {
	return parseDurationOr(c.Monitor.CallTimeout, 10*time.Second)
}

// GetBrokerTimeout returns the HTTP client timeout.
func (c *Config) GetBrokerTimeout() time.Duration {
	return parseDurationOr(c.Broker.Timeout, 10*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Holder publishes an immutable configuration snapshot.
// Readers take one snapshot per task; Reload swaps the pointer.
type Holder struct {
	current atomic.Pointer[Config]
	path    string
}

// NewHolder wraps an already validated config loaded from path.
func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.current.Store(cfg)
	return h
}

// Current returns the active snapshot. Callers must not mutate it.
func (h *Holder) Current() *Config {
	return h.current.Load()
}

// Reload re-reads the config file and swaps it in. On error the old snapshot stays active.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	h.current.Store(cfg)
	return cfg, nil
}
