package orders

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/models"
)

// Monitor polls filled-order history for one order until it fills or its attempts run out.
//
//	pending --fill observed--> filled
//	pending --attempts exhausted, BUY--> cancel_requested --cancel confirmed--> cancelled
//	pending --attempts exhausted, SELL--> (polling stops, order stays pending)
type Monitor struct {
	m      *Manager
	config Config
	log    logrus.FieldLogger

	mu    sync.Mutex
	order *models.Order
}

func newMonitor(m *Manager, order *models.Order, cfg Config, log logrus.FieldLogger) *Monitor {
	return &Monitor{m: m, config: cfg, log: log, order: order}
}

// Order returns a copy of the tracked order.
func (mon *Monitor) Order() models.Order {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	o := *mon.order
	if o.Fill != nil {
		f := *o.Fill
		o.Fill = &f
	}
	return o
}

// Run drives the order to a terminal state. It returns nil on a fill and on an
// unfilled SELL, *OrderFailedError when a BUY is cancelled, ErrStopped on shutdown.
func (mon *Monitor) Run(ctx context.Context) error {
	side := mon.order.Side
	for attempt := 1; attempt <= mon.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-mon.m.stop:
			return ErrStopped
		case <-mon.m.clock.After(mon.config.PollInterval):
		}

		fill, err := mon.poll(ctx, side)
		if err != nil {
			mon.m.metrics.RecordPollError()
			mon.log.WithError(err).WithField("attempt", attempt).Warn("Error checking order history")
			continue
		}
		if fill == nil {
			mon.log.WithField("attempt", attempt).Debug("Order not filled yet")
			continue
		}
		return mon.handleFilled(ctx, *fill, attempt)
	}

	if side == models.SideSell {
		mon.log.Warnf("Order not filled after %d attempts; leaving it working", mon.config.MaxAttempts)
		mon.m.metrics.RecordUnfilled(string(side))
		mon.journal(ctx, "not filled; left working")
		return nil
	}
	return mon.cancel(ctx)
}

// poll queries recent filled orders on the order's side and returns the matching entry
func (mon *Monitor) poll(ctx context.Context, side models.Side) (*broker.HistoryOrder, error) {
	callCtx, cancel := context.WithTimeout(ctx, mon.config.CallTimeout)
	defer cancel()

	history, err := mon.m.broker.GetOrderHistory(callCtx, broker.StatusFilled, mon.config.HistoryCount, side)
	if err != nil {
		return nil, broker.NewGatewayError("get order history", err)
	}
	for i := range history {
		if history[i].OrderID == mon.order.ID {
			return &history[i], nil
		}
	}
	return nil, nil
}

func (mon *Monitor) handleFilled(ctx context.Context, h broker.HistoryOrder, attempt int) error {
	now := mon.m.clock.Now().UTC()

	mon.mu.Lock()
	if err := mon.order.Transition(models.StateFilled, models.ConditionFillObserved, now); err != nil {
		mon.mu.Unlock()
		return err
	}
	qty := h.FilledQuantity
	if qty <= 0 {
		qty = mon.order.Quantity
	}
	mon.order.Fill = &models.Fill{Quantity: qty, Value: h.FilledValue, AvgPrice: h.AvgFilledPrice}
	latency := now.Sub(mon.order.PlacedAt)
	mon.mu.Unlock()

	line := fmt.Sprintf("Order filled: %s", mon.order.Label)
	if h.FilledValue.Valid {
		line += fmt.Sprintf(", value %s", h.FilledValue.Decimal.StringFixed(2))
	}
	if h.AvgFilledPrice.Valid {
		line += fmt.Sprintf(", avg price %s", h.AvgFilledPrice.Decimal.StringFixed(2))
	}
	mon.log.WithField("attempt", attempt).Info(line)
	mon.m.metrics.RecordFill(string(mon.order.Side), latency)

	// Membership alone decides add or remove; the order side is not consulted.
	added, err := mon.m.storage.Toggle(mon.order.ContractID)
	if err != nil {
		mon.journal(ctx, fmt.Sprintf("filled on attempt %d; store update failed: %v", attempt, err))
		return fmt.Errorf("toggle position %d: %w", mon.order.ContractID, err)
	}
	if added {
		mon.log.Info("Position added to store")
	} else {
		mon.log.Info("Position removed from store")
	}
	mon.m.metrics.SetTrackedPositions(len(mon.m.storage.List()))
	mon.journal(ctx, fmt.Sprintf("filled on attempt %d", attempt))
	return nil
}

func (mon *Monitor) cancel(ctx context.Context) error {
	mon.mu.Lock()
	err := mon.order.Transition(models.StateCancelRequested, models.ConditionAttemptsExhausted, mon.m.clock.Now())
	mon.mu.Unlock()
	if err != nil {
		return err
	}
	mon.log.Infof("Order not filled after %d attempts, cancelling", mon.config.MaxAttempts)

	callCtx, cancel := context.WithTimeout(ctx, mon.config.CallTimeout)
	ok, err := mon.m.broker.CancelOrder(callCtx, mon.order.ID)
	cancel()
	if err != nil {
		mon.m.metrics.RecordGatewayError("cancel order")
		mon.journal(ctx, "cancel request failed")
		return broker.NewGatewayError("cancel order", err)
	}
	if !ok {
		mon.journal(ctx, "cancel not confirmed")
		return &OrderFailedError{OrderID: mon.order.ID, Reason: ReasonNotFilled + "; cancel not confirmed"}
	}

	mon.mu.Lock()
	err = mon.order.Transition(models.StateCancelled, models.ConditionCancelConfirmed, mon.m.clock.Now())
	mon.mu.Unlock()
	if err != nil {
		return err
	}
	mon.m.metrics.RecordCancelled()
	mon.journal(ctx, "cancelled: "+ReasonNotFilled)
	return &OrderFailedError{OrderID: mon.order.ID, Reason: ReasonNotFilled}
}

func (mon *Monitor) journal(ctx context.Context, note string) {
	if mon.m.journal == nil {
		return
	}
	if err := mon.m.journal.RecordUpdate(ctx, mon.Order(), note); err != nil {
		mon.log.WithError(err).Warn("Failed to journal order update")
	}
}
