// Package retry runs an operation with jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
)

// Config controls attempts and backoff. MaxRetries < 0 retries until ctx ends.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration // overall budget, 0 for none
}

// DefaultConfig is used when no config is passed to NewClient.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Client retries operations on transient errors.
type Client struct {
	logger logrus.FieldLogger
	clock  clock.Clock
	config Config
}

// NewClient builds a retry client. A nil logger uses the logrus standard logger.
func NewClient(logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{logger: logger, clock: clock.New(), config: cfg}
}

// WithClock returns a copy of c that sleeps on clk.
func (c *Client) WithClock(clk clock.Clock) *Client {
	cp := *c
	cp.clock = clk
	return &cp
}

// Do calls fn until it succeeds, returns a non-transient error, or the attempts run out.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; c.config.MaxRetries < 0 || attempt <= c.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s canceled after %d attempts: %w", op, attempt, lastErr)
			}
			return fmt.Errorf("%s canceled: %w", op, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				c.logger.WithField("attempt", attempt+1).Infof("%s succeeded after retry", op)
			}
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if !IsTransient(err) {
			return err
		}
		if c.config.MaxRetries >= 0 && attempt == c.config.MaxRetries {
			break
		}

		c.logger.WithError(err).WithField("attempt", attempt+1).Warnf("%s failed, retrying in %v", op, backoff)
		select {
		case <-c.clock.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, lastErr)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Debug("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// IsTransient reports whether err looks like a network hiccup or a retryable HTTP status.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"broken pipe",
		"unexpected eof",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
