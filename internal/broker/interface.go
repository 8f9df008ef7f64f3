// Package broker defines the brokerage gateway used to quote, place, cancel and track option orders.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Broker is the gateway boundary. Every call is bounded by the caller's context.
type Broker interface {
	// Market data
	ResolveSymbol(ctx context.Context, symbol string) (int64, error)
	GetOptionQuote(ctx context.Context, symbol string, contractID int64) (*OptionQuote, error)
	// GetOptionsByStrikeExpiry returns the contracts matching strike and right.
	// A zero expiry selects the nearest listed expiration.
	GetOptionsByStrikeExpiry(ctx context.Context, symbol string, expiry time.Time,
		strike decimal.Decimal, right models.OptionRight) ([]OptionQuote, error)

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error)
	CancelOrder(ctx context.Context, orderID int64) (bool, error)
	GetOrderHistory(ctx context.Context, status string, count int, side models.Side) ([]HistoryOrder, error)

	// Account
	GetOpenPositions(ctx context.Context) ([]Position, error)
}

// History statuses accepted by GetOrderHistory
const (
	StatusFilled    = "Filled"
	StatusCancelled = "Cancelled"
	StatusWorking   = "Working"
)

// OptionQuote is one option contract with its current top of book
type OptionQuote struct {
	ContractID int64
	Symbol     string
	Strike     decimal.Decimal
	Right      models.OptionRight
	Expiration time.Time
	Bid        decimal.NullDecimal
	Ask        decimal.NullDecimal
}

// OrderRequest carries the fields sent to the order placement endpoint
type OrderRequest struct {
	ContractID  int64
	Quantity    int64
	Side        models.Side
	Style       models.OrderStyle
	LimitPrice  decimal.NullDecimal
	TimeInForce string
}

// PlacedOrder is the broker acknowledgement of a placement
type PlacedOrder struct {
	OrderID int64
	Status  string
}

// HistoryOrder is one row of the order history
type HistoryOrder struct {
	OrderID        int64
	ContractID     int64
	Side           models.Side
	Status         string
	FilledQuantity int64
	FilledValue    decimal.NullDecimal
	AvgFilledPrice decimal.NullDecimal
}

// Position is one open option position held at the broker
type Position struct {
	ContractID int64
	Symbol     string
	Strike     decimal.Decimal
	Right      models.OptionRight
	Expiration time.Time
	Quantity   int64
}

// GatewayError wraps any network, timeout or non-success failure of a gateway call
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError wraps err for op. Errors that already are gateway errors are returned unchanged.
func NewGatewayError(op string, err error) error {
	if err == nil {
		return nil
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return err
	}
	return &GatewayError{Op: op, Err: err}
}

// isPermanentAPIError reports 4xx responses other than 429
func isPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper to execute broker calls with circuit breaker protection
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings returns the settings used when none are configured
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker, logger logrus.FieldLogger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings(), logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
// Permanent client errors (4xx except 429) are counted as successes so a bad request
// cannot open the breaker for every other call.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings,
	logger logrus.FieldLogger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanentAPIError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State reports the current breaker state
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// ResolveSymbol wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) ResolveSymbol(ctx context.Context, symbol string) (int64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (int64, error) {
		return b.ResolveSymbol(ctx, symbol)
	})
}

// GetOptionQuote wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionQuote(ctx context.Context, symbol string, contractID int64) (*OptionQuote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OptionQuote, error) {
		return b.GetOptionQuote(ctx, symbol, contractID)
	})
}

// GetOptionsByStrikeExpiry wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionsByStrikeExpiry(ctx context.Context, symbol string, expiry time.Time,
	strike decimal.Decimal, right models.OptionRight) ([]OptionQuote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OptionQuote, error) {
		return b.GetOptionsByStrikeExpiry(ctx, symbol, expiry, strike, right)
	})
}

// PlaceOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*PlacedOrder, error) {
		return b.PlaceOrder(ctx, req)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID int64) (bool, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.CancelOrder(ctx, orderID)
	})
}

// GetOrderHistory wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderHistory(ctx context.Context, status string, count int,
	side models.Side) ([]HistoryOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]HistoryOrder, error) {
		return b.GetOrderHistory(ctx, status, count, side)
	})
}

// GetOpenPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOpenPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) {
		return b.GetOpenPositions(ctx)
	})
}
