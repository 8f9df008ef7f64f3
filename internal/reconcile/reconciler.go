// Package reconcile compares the tracked position ids with what the broker holds.
//
// The audit is read-only: the position store changes only when a fill monitor
// observes a fill, so mismatches are reported, never repaired.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/storage"
)

const positionsFetchTimeout = 8 * time.Second

// Report is the outcome of one audit.
type Report struct {
	Tracked   []int64           // ids in the store
	Held      []broker.Position // tracked ids the broker still holds
	Missing   []int64           // tracked ids the broker no longer holds
	Untracked []broker.Position // broker option positions absent from the store
}

// InSync reports whether store and broker agree.
func (r *Report) InSync() bool {
	return len(r.Missing) == 0 && len(r.Untracked) == 0
}

// Reconciler audits storage against the broker.
type Reconciler struct {
	broker  broker.Broker
	storage storage.Interface
	logger  logrus.FieldLogger
}

// NewReconciler creates a new position reconciler
func NewReconciler(b broker.Broker, store storage.Interface, logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{broker: b, storage: store, logger: logger}
}

// Audit fetches broker positions and classifies every tracked id.
func (r *Reconciler) Audit(ctx context.Context) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()

	positions, err := r.broker.GetOpenPositions(ctx)
	if err != nil {
		return nil, broker.NewGatewayError("get positions", err)
	}

	held := make(map[int64]broker.Position, len(positions))
	for _, p := range positions {
		if p.Quantity != 0 {
			held[p.ContractID] = p
		}
	}

	rep := &Report{Tracked: r.storage.List()}
	tracked := make(map[int64]bool, len(rep.Tracked))
	for _, id := range rep.Tracked {
		tracked[id] = true
		if p, ok := held[id]; ok {
			rep.Held = append(rep.Held, p)
		} else {
			rep.Missing = append(rep.Missing, id)
		}
	}
	for id, p := range held {
		if !tracked[id] {
			rep.Untracked = append(rep.Untracked, p)
		}
	}
	sort.Slice(rep.Untracked, func(i, j int) bool { return rep.Untracked[i].ContractID < rep.Untracked[j].ContractID })
	return rep, nil
}

// LogReport writes one line per mismatch plus a summary.
func (r *Reconciler) LogReport(rep *Report) {
	r.logger.Infof("Reconciling %d tracked positions with %d held at broker",
		len(rep.Tracked), len(rep.Held)+len(rep.Untracked))

	for _, id := range rep.Missing {
		r.logger.WithField("ticker_id", id).Warn("Tracked position not held at broker (closed outside the trader?)")
	}
	for _, p := range rep.Untracked {
		r.logger.WithFields(logrus.Fields{
			"ticker_id": p.ContractID,
			"quantity":  p.Quantity,
		}).Warnf("Broker position %s is not tracked", Label(p))
	}
	if rep.InSync() {
		r.logger.Info("Position store is in sync with broker")
	}
}

// Label renders a broker position as a contract label.
func Label(p broker.Position) string {
	return models.ContractLabel(p.Symbol, p.Expiration, p.Strike, p.Right)
}

// Summary is a one-line description of rep.
func Summary(rep *Report) string {
	return fmt.Sprintf("tracked=%d held=%d missing=%d untracked=%d",
		len(rep.Tracked), len(rep.Held), len(rep.Missing), len(rep.Untracked))
}
