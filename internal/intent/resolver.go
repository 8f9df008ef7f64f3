// Package intent resolves parsed trade intents into fully specified orders.
package intent

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/storage"
	"github.com/eddiefleurent/alert_trader/internal/util"
)

// Config holds the sizing and timeout settings of one resolution
type Config struct {
	Budget      decimal.Decimal // max premium per trade
	CallTimeout time.Duration   // per gateway call
}

// DefaultConfig returns a zero budget (every entry is rejected) and a 10s call timeout
func DefaultConfig() Config {
	return Config{CallTimeout: 10 * time.Second}
}

// Resolver turns an OrderIntent into a ResolvedOrder using the gateway and the position store
type Resolver struct {
	broker broker.Broker
	store  storage.Interface
	logger logrus.FieldLogger
	config Config
}

// NewResolver builds a resolver. The store is only read, for the exit/trim fallback.
func NewResolver(b broker.Broker, store storage.Interface, logger logrus.FieldLogger, config ...Config) *Resolver {
	if b == nil {
		panic("broker cannot be nil")
	}
	if store == nil {
		panic("storage cannot be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
		if cfg.CallTimeout <= 0 {
			cfg.CallTimeout = DefaultConfig().CallTimeout
		}
	}
	return &Resolver{broker: b, store: store, logger: logger, config: cfg}
}

// Resolve dispatches on the intent's category
func (r *Resolver) Resolve(ctx context.Context, in models.OrderIntent) (models.ResolvedOrder, error) {
	switch in.Category {
	case models.CategoryEntry:
		return r.resolveEntry(ctx, in)
	case models.CategoryExit, models.CategoryTrim:
		return r.resolveSell(ctx, in)
	default:
		return models.ResolvedOrder{}, fmt.Errorf("unknown action category %q", in.Category)
	}
}

func (r *Resolver) resolveEntry(ctx context.Context, in models.OrderIntent) (models.ResolvedOrder, error) {
	quote, err := r.lookupQuote(ctx, in)
	if err != nil {
		return models.ResolvedOrder{}, err
	}

	var limit decimal.Decimal
	switch {
	case in.LimitPrice.Valid:
		limit = in.LimitPrice.Decimal
	case quote.Bid.Valid && quote.Ask.Valid:
		limit = util.Midpoint(quote.Bid.Decimal, quote.Ask.Decimal)
	default:
		return models.ResolvedOrder{}, fmt.Errorf("%w: no bid/ask for contract %d", ErrInvalidLimitPrice, quote.ContractID)
	}
	if !limit.IsPositive() {
		return models.ResolvedOrder{}, fmt.Errorf("%w: %s", ErrInvalidLimitPrice, limit)
	}

	qty := util.ContractsWithin(r.config.Budget, limit)
	if qty <= 0 {
		return models.ResolvedOrder{}, &LimitExceededError{
			PerContractCost: util.ContractCost(limit),
			Budget:          r.config.Budget,
		}
	}

	strike := quote.Strike
	if in.Strike.Valid {
		strike = in.Strike.Decimal
	}
	right := quote.Right
	if in.Right != "" {
		right = in.Right
	}
	label := fmt.Sprintf("%dx %s", qty, models.ContractLabel(in.Ticker, quote.Expiration, strike, right))

	return models.ResolvedOrder{
		ContractID: quote.ContractID,
		LimitPrice: decimal.NewNullDecimal(limit),
		Quantity:   qty,
		Side:       models.SideBuy,
		Style:      models.StyleLimit,
		Label:      label,
		Category:   models.CategoryEntry,
	}, nil
}

// lookupQuote prefers a direct contract quote and falls back to an options chain search
func (r *Resolver) lookupQuote(ctx context.Context, in models.OrderIntent) (broker.OptionQuote, error) {
	switch {
	case in.ContractID > 0 && in.Ticker != "":
		callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
		defer cancel()
		q, err := r.broker.GetOptionQuote(callCtx, in.Ticker, in.ContractID)
		if err != nil {
			return broker.OptionQuote{}, broker.NewGatewayError("get option quote", err)
		}
		if q == nil {
			return broker.OptionQuote{}, fmt.Errorf("%w: %s contract %d", ErrQuoteNotFound, in.Ticker, in.ContractID)
		}
		if q.ContractID == 0 {
			q.ContractID = in.ContractID
		}
		r.logger.WithFields(logrus.Fields{"ticker": in.Ticker, "ticker_id": q.ContractID}).Debug("Quote found")
		return *q, nil

	case in.Ticker != "" && in.Strike.Valid && in.Right != "":
		callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
		defer cancel()
		quotes, err := r.broker.GetOptionsByStrikeExpiry(callCtx, in.Ticker, in.Expiration, in.Strike.Decimal, in.Right)
		if err != nil {
			return broker.OptionQuote{}, broker.NewGatewayError("get options", err)
		}
		if len(quotes) == 0 {
			return broker.OptionQuote{}, fmt.Errorf("%w: %s, %s, %s", ErrQuoteNotFound, in.Ticker, in.Strike.Decimal, in.Right)
		}
		r.logger.WithFields(logrus.Fields{"ticker": in.Ticker, "ticker_id": quotes[0].ContractID}).Debug("Quote found")
		return quotes[0], nil
	}

	var missing []string
	if in.Ticker == "" {
		missing = append(missing, FieldTicker)
	}
	if !in.Strike.Valid {
		missing = append(missing, FieldStrike)
	}
	if in.Right == "" {
		missing = append(missing, FieldDirection)
	}
	return broker.OptionQuote{}, &MissingValueError{Fields: missing}
}

var leadingLetters = regexp.MustCompile(`^[A-Za-z]+`)

func (r *Resolver) resolveSell(ctx context.Context, in models.OrderIntent) (models.ResolvedOrder, error) {
	tickerID := in.ContractID
	if tickerID <= 0 {
		last, ok := r.store.Last()
		if !ok {
			return models.ResolvedOrder{}, &MissingValueError{Fields: []string{FieldTickerID}}
		}
		tickerID = last
		r.logger.WithField("ticker_id", tickerID).Info("Ticker ID not found. Fetching from last placed position")
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()
	positions, err := r.broker.GetOpenPositions(callCtx)
	if err != nil {
		return models.ResolvedOrder{}, broker.NewGatewayError("get positions", err)
	}

	var pos *broker.Position
	for i := range positions {
		if positions[i].ContractID == tickerID {
			pos = &positions[i]
			break
		}
	}
	if pos == nil || pos.Quantity <= 0 {
		return models.ResolvedOrder{}, fmt.Errorf("%w: ticker id %d", ErrPositionNotFound, tickerID)
	}

	qty := pos.Quantity
	if in.Category == models.CategoryTrim {
		qty = TrimQuantity(pos.Quantity)
	}

	symbol := leadingLetters.FindString(pos.Symbol)
	label := models.ContractLabel(symbol, pos.Expiration, pos.Strike.Round(0), pos.Right)

	return models.ResolvedOrder{
		ContractID: tickerID,
		Quantity:   qty,
		Side:       models.SideSell,
		Style:      models.StyleMarket,
		Label:      label,
		Category:   in.Category,
	}, nil
}

// TrimQuantity is half of an open quantity rounded half away from zero, at least one contract
func TrimQuantity(open int64) int64 {
	return max(1, (open+1)/2)
}
