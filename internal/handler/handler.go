// Package handler runs one trigger message end to end: parse, resolve, submit.
package handler

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/config"
	"github.com/eddiefleurent/alert_trader/internal/intent"
	"github.com/eddiefleurent/alert_trader/internal/metrics"
	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/storage"
	"github.com/eddiefleurent/alert_trader/internal/trigger"
)

// Outcome statuses
const (
	StatusNoMatch   = "no_match"
	StatusSubmitted = "submitted"
	StatusFailed    = "failed"
)

// Outcome summarizes what happened to one trigger.
type Outcome struct {
	TriggerID string                `json:"trigger_id"`
	Status    string                `json:"status"`
	Category  models.ActionCategory `json:"category,omitempty"`
	Order     *models.Order         `json:"order,omitempty"`
	Error     string                `json:"error,omitempty"`
	Warnings  []string              `json:"warnings,omitempty"`

	err error
}

// Err returns the error that failed the trigger, if any.
func (o Outcome) Err() error { return o.err }

// Submitter places a resolved order and starts tracking it.
type Submitter interface {
	Submit(ctx context.Context, r models.ResolvedOrder) (*models.Order, error)
}

// Handler is safe for concurrent use; each trigger reads one config snapshot.
type Handler struct {
	config  *config.Holder
	broker  broker.Broker
	store   storage.Interface
	orders  Submitter
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// New builds a handler. metrics may be nil.
func New(
	holder *config.Holder,
	b broker.Broker,
	store storage.Interface,
	orders Submitter,
	logger logrus.FieldLogger,
	m *metrics.Metrics,
) *Handler {
	if holder == nil || b == nil || store == nil || orders == nil {
		panic("handler.New: config, broker, storage and orders must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{config: holder, broker: b, store: store, orders: orders, logger: logger, metrics: m}
}

// Handle processes ev synchronously. It never returns an error: failures are
// logged and reported in the Outcome.
func (h *Handler) Handle(ctx context.Context, ev models.TriggerEvent) Outcome {
	cfg := h.config.Current()
	log := h.logger.WithField("trigger_id", ev.ID)
	out := Outcome{TriggerID: ev.ID}

	res, err := trigger.Parse(ev.Text, trigger.Rules{
		Tickers:     cfg.Trading.Tickers,
		Triggers:    cfg.Trading.Triggers,
		LimitOffset: cfg.LimitOffset(),
		Year:        ev.ReceivedAt.Year(),
	})
	for _, w := range res.Warnings {
		log.WithField("field", w.Field).Warn(w.Error())
		out.Warnings = append(out.Warnings, w.Error())
	}
	if errors.Is(err, trigger.ErrNoMatch) {
		log.Warn("None of the criteria were met.")
		out.Status = StatusNoMatch
		h.metrics.RecordTrigger(out.Status)
		return out
	}
	if err != nil {
		return h.fail(log, out, err)
	}
	out.Category = res.Intent.Category
	log = log.WithField("category", out.Category)
	log.WithField("keyword", res.Keyword).Debug("Trigger matched")

	resolver := intent.NewResolver(h.broker, h.store, log, intent.Config{
		Budget:      cfg.MaxPerTrade(),
		CallTimeout: cfg.GetCallTimeout(),
	})
	resolved, err := resolver.Resolve(ctx, res.Intent)
	if err != nil {
		return h.fail(log, out, err)
	}

	order, err := h.orders.Submit(ctx, resolved)
	if err != nil {
		return h.fail(log, out, err)
	}
	out.Status = StatusSubmitted
	out.Order = order
	h.metrics.RecordTrigger(out.Status)
	return out
}

func (h *Handler) fail(log logrus.FieldLogger, out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Error = err.Error()
	out.err = err
	h.metrics.RecordTrigger(out.Status)

	var (
		missing  *intent.MissingValueError
		limit    *intent.LimitExceededError
		gateway  *broker.GatewayError
		entryLog = log.WithError(err)
	)
	switch {
	case errors.As(err, &missing), errors.As(err, &limit),
		errors.Is(err, intent.ErrQuoteNotFound), errors.Is(err, intent.ErrPositionNotFound):
		entryLog.Warn("Trigger not actionable")
	case errors.As(err, &gateway):
		h.metrics.RecordGatewayError(gateway.Op)
		entryLog.Error("Gateway call failed")
	default:
		entryLog.Error("Trigger handling failed")
	}
	return out
}

// Dispatch handles ev on its own goroutine. It matches feed.Sink.
func (h *Handler) Dispatch(ctx context.Context, ev models.TriggerEvent) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.WithField("trigger_id", ev.ID).Errorf("Trigger handling panicked: %v", r)
			}
		}()
		h.Handle(ctx, ev)
	}()
}

// Wait blocks until every dispatched trigger has been handled.
func (h *Handler) Wait() {
	h.wg.Wait()
}
