// Package orders places resolved orders and tracks each one until it fills or is cancelled.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/metrics"
	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/storage"
)

// Config contains configuration for the order manager and its fill monitors.
type Config struct {
	PollInterval time.Duration // sleep before each history query
	MaxAttempts  int           // history queries per order
	CallTimeout  time.Duration // per broker call
	HistoryCount int           // filled orders requested per query
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	PollInterval: 5 * time.Second,
	MaxAttempts:  12,
	CallTimeout:  10 * time.Second,
	HistoryCount: 10,
}

func (c Config) clamped() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultConfig.PollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultConfig.CallTimeout
	}
	if c.HistoryCount <= 0 {
		c.HistoryCount = DefaultConfig.HistoryCount
	}
	return c
}

// Journal records order lifecycle events. Failures are logged, never fatal.
type Journal interface {
	RecordSubmitted(ctx context.Context, o models.Order) error
	RecordUpdate(ctx context.Context, o models.Order, note string) error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for poll sleeps and timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithJournal records every order in j.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithMetrics records submissions, fills and cancellations.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager submits orders and owns one fill monitor per submitted order.
type Manager struct {
	broker  broker.Broker
	storage storage.Interface
	logger  logrus.FieldLogger
	stop    <-chan struct{}
	config  atomic.Pointer[Config]

	clock   clock.Clock
	journal Journal
	metrics *metrics.Metrics

	mu       sync.Mutex
	monitors map[int64]*Monitor
	wg       sync.WaitGroup
}

// NewManager creates a new order manager instance.
func NewManager(
	b broker.Broker,
	store storage.Interface,
	logger logrus.FieldLogger,
	stop <-chan struct{},
	config Config,
	opts ...Option,
) *Manager {
	if b == nil {
		panic("orders.NewManager: broker must not be nil")
	}
	if store == nil {
		panic("orders.NewManager: storage must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	m := &Manager{
		broker:   b,
		storage:  store,
		logger:   logger,
		stop:     stop,
		clock:    clock.New(),
		monitors: make(map[int64]*Monitor),
	}
	m.SetConfig(config)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetConfig swaps the configuration used by later submissions. Running monitors keep theirs.
func (m *Manager) SetConfig(c Config) {
	c = c.clamped()
	m.config.Store(&c)
}

// Config returns the active configuration.
func (m *Manager) Config() Config {
	return *m.config.Load()
}

// Submit places the order and starts exactly one fill monitor for it.
// A placement failure is returned as a *broker.GatewayError; nothing is tracked in that case.
func (m *Manager) Submit(ctx context.Context, r models.ResolvedOrder) (*models.Order, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid order: %w", err)
	}
	cfg := m.Config()

	callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	placed, err := m.broker.PlaceOrder(callCtx, broker.OrderRequest{
		ContractID:  r.ContractID,
		Quantity:    r.Quantity,
		Side:        r.Side,
		Style:       r.Style,
		LimitPrice:  r.LimitPrice,
		TimeInForce: "DAY",
	})
	cancel()
	if err != nil {
		return nil, broker.NewGatewayError("place order", err)
	}
	if placed == nil || placed.OrderID == 0 {
		return nil, broker.NewGatewayError("place order", errors.New("empty order id in response"))
	}

	order := models.NewOrder(placed.OrderID, r, m.clock.Now())
	log := m.logger.WithFields(logrus.Fields{
		"order_id":  order.ID,
		"ticker_id": order.ContractID,
		"side":      order.Side,
		"category":  order.Category,
	})
	log.Infof("Placed %s %s @ %s", order.Side, r.Label, r.PriceString())

	if m.journal != nil {
		if err := m.journal.RecordSubmitted(ctx, *order); err != nil {
			log.WithError(err).Warn("Failed to journal submitted order")
		}
	}
	m.metrics.RecordSubmitted(string(order.Side), string(order.Category))

	mon := newMonitor(m, order, cfg, log)
	snapshot := mon.Order()

	m.mu.Lock()
	m.monitors[order.ID] = mon
	m.mu.Unlock()

	m.wg.Add(1)
	m.metrics.MonitorStarted()
	go m.runMonitor(mon, log)

	return &snapshot, nil
}

// runMonitor is the task top of one fill monitor: every error ends here.
func (m *Manager) runMonitor(mon *Monitor, log logrus.FieldLogger) {
	defer m.wg.Done()
	defer m.metrics.MonitorStopped()
	defer func() {
		m.mu.Lock()
		delete(m.monitors, mon.order.ID)
		m.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Fill monitor panicked: %v", r)
		}
	}()

	err := mon.Run(context.Background())
	var failed *OrderFailedError
	switch {
	case err == nil:
	case errors.As(err, &failed):
		log.WithError(err).Warn("Order not filled")
	case errors.Is(err, ErrStopped):
		log.Info("Shutdown signal received during order polling")
	default:
		log.WithError(err).Error("Fill monitor ended with error")
	}
}

// Active returns a snapshot of orders whose monitors are still running, oldest first.
func (m *Manager) Active() []models.Order {
	m.mu.Lock()
	res := make([]models.Order, 0, len(m.monitors))
	for _, mon := range m.monitors {
		res = append(res, mon.Order())
	}
	m.mu.Unlock()
	sort.Slice(res, func(i, j int) bool { return res[i].PlacedAt.Before(res[j].PlacedAt) })
	return res
}

// Wait blocks until every started monitor has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
