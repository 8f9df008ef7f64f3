package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/config"
	"github.com/eddiefleurent/alert_trader/internal/mock"
	"github.com/eddiefleurent/alert_trader/internal/orders"
)

// setupLogger builds the process logger. The returned closer releases the log file, if any.
func setupLogger(env config.EnvironmentConfig, stderr io.Writer) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.SetOutput(stderr)

	if err := applyLogLevel(logger, env.LogLevel); err != nil {
		return nil, nil, err
	}
	switch env.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if env.LogPath == "" {
		return logger, nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(env.LogPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(env.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(stderr, f))
	return logger, f, nil
}

func applyLogLevel(logger *logrus.Logger, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)
	return nil
}

// buildBroker returns the simulated gateway in sim mode, otherwise the HTTP
// client behind a circuit breaker.
func buildBroker(cfg *config.Config, logger logrus.FieldLogger) broker.Broker {
	if cfg.IsSimulated() {
		return mock.NewSimulatedBroker(clock.New())
	}

	api := broker.NewWebullAPIWithBaseURLs(
		broker.Credentials{
			AccessToken: cfg.Broker.AccessToken,
			TradeToken:  cfg.Broker.TradeToken,
			AccountID:   cfg.Broker.AccountID,
			DeviceID:    cfg.Broker.DeviceID,
		},
		cfg.IsPaperTrading(),
		cfg.Broker.QuoteURL,
		cfg.Broker.TradeURL,
		nil,
	).
		WithTimeout(cfg.GetBrokerTimeout()).
		WithRequestsPerMinute(cfg.Broker.RequestsPerMinute).
		WithLogger(logger)

	return broker.NewCircuitBreakerBrokerWithSettings(api, circuitBreakerSettings(cfg), logger)
}

func circuitBreakerSettings(cfg *config.Config) broker.CircuitBreakerSettings {
	s := broker.DefaultCircuitBreakerSettings()
	cb := cfg.Broker.CircuitBreaker
	if cb.MaxRequests > 0 {
		s.MaxRequests = cb.MaxRequests
	}
	if d := parseDuration(cb.Interval); d > 0 {
		s.Interval = d
	}
	if d := parseDuration(cb.Timeout); d > 0 {
		s.Timeout = d
	}
	if cb.MinRequests > 0 {
		s.MinRequests = cb.MinRequests
	}
	if cb.FailureRatio > 0 {
		s.FailureRatio = cb.FailureRatio
	}
	return s
}

// orderConfig maps the monitor section onto the order manager config.
func orderConfig(cfg *config.Config) orders.Config {
	return orders.Config{
		PollInterval: cfg.GetPollInterval(),
		MaxAttempts:  cfg.Monitor.MaxAttempts,
		CallTimeout:  cfg.GetCallTimeout(),
		HistoryCount: cfg.Monitor.HistoryCount,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
