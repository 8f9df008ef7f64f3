// Package mock provides an in-memory gateway used by simulated mode and tests.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/shopspring/decimal"
)

// Operation names used for call counting and error injection
const (
	OpResolveSymbol  = "ResolveSymbol"
	OpGetOptionQuote = "GetOptionQuote"
	OpGetOptions     = "GetOptionsByStrikeExpiry"
	OpPlaceOrder     = "PlaceOrder"
	OpCancelOrder    = "CancelOrder"
	OpGetHistory     = "GetOrderHistory"
	OpGetPositions   = "GetOpenPositions"
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return r.Int64()
}

type simOrder struct {
	req       broker.OrderRequest
	id        int64
	status    string
	pollsLeft int
	fillPrice decimal.Decimal
}

// Broker is an in-memory broker.Broker. Orders fill after a configurable number of
// filled-history queries; fills update the simulated positions.
type Broker struct {
	mu        sync.Mutex
	clock     clock.Clock
	symbols   map[string]int64
	contracts map[int64]broker.OptionQuote
	positions map[int64]*broker.Position
	orders    []*simOrder
	nextOrder int64
	fillAfter int
	synthesis bool
	errs      map[string]error
	calls     map[string]int
	placed    []broker.OrderRequest
	cancelled []int64
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker creates an empty simulated broker. Orders fill on the first history query.
func NewBroker() *Broker {
	return &Broker{
		clock:     clock.New(),
		symbols:   make(map[string]int64),
		contracts: make(map[int64]broker.OptionQuote),
		positions: make(map[int64]*broker.Position),
		nextOrder: 1000,
		fillAfter: 1,
		errs:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

// NewSimulatedBroker returns a broker that invents symbols and contracts on demand,
// with jittered quotes around a dollar.
func NewSimulatedBroker(clk clock.Clock) *Broker {
	b := NewBroker()
	if clk != nil {
		b.clock = clk
	}
	b.synthesis = true
	return b
}

// SetFillAfter sets how many filled-history queries an order needs before it shows as filled.
// A negative value means orders never fill.
func (b *Broker) SetFillAfter(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillAfter = n
}

// SetError makes op fail with err until cleared with a nil err
func (b *Broker) SetError(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.errs, op)
		return
	}
	b.errs[op] = err
}

// Calls returns how many times op was invoked
func (b *Broker) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// TotalCalls returns the number of calls across all operations
func (b *Broker) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

// PlacedOrders returns copies of every placement request received
func (b *Broker) PlacedOrders() []broker.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.OrderRequest(nil), b.placed...)
}

// CancelledOrders returns the ids of orders cancelled so far
func (b *Broker) CancelledOrders() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.cancelled...)
}

// AddSymbol registers an underlying
func (b *Broker) AddSymbol(symbol string, tickerID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.symbols[strings.ToUpper(symbol)] = tickerID
}

// AddContract registers an option contract and its quote
func (b *Broker) AddContract(q broker.OptionQuote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q.Symbol = strings.ToUpper(q.Symbol)
	b.contracts[q.ContractID] = q
}

// SetPosition sets the open quantity held in a contract. Zero removes it.
func (b *Broker) SetPosition(p broker.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Quantity <= 0 {
		delete(b.positions, p.ContractID)
		return
	}
	cp := p
	b.positions[p.ContractID] = &cp
}

func (b *Broker) enter(op string) error {
	b.calls[op]++
	return b.errs[op]
}

// ResolveSymbol returns the registered ticker id of symbol
func (b *Broker) ResolveSymbol(ctx context.Context, symbol string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpResolveSymbol); err != nil {
		return 0, err
	}
	return b.resolveLocked(symbol)
}

func (b *Broker) resolveLocked(symbol string) (int64, error) {
	symbol = strings.ToUpper(symbol)
	if id, ok := b.symbols[symbol]; ok {
		return id, nil
	}
	if !b.synthesis {
		return 0, fmt.Errorf("%w: %s", broker.ErrSymbolNotFound, symbol)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	id := int64(h.Sum32()%900000) + 100000
	b.symbols[symbol] = id
	return id, nil
}

// GetOptionQuote returns the quote of a registered contract with a fresh jitter in sim mode
func (b *Broker) GetOptionQuote(ctx context.Context, symbol string, contractID int64) (*broker.OptionQuote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpGetOptionQuote); err != nil {
		return nil, err
	}
	if _, err := b.resolveLocked(symbol); err != nil {
		return nil, err
	}
	q, ok := b.contracts[contractID]
	if !ok {
		if !b.synthesis {
			return nil, nil
		}
		q = b.synthesizeLocked(symbol, b.nextExpiryLocked(), decimal.Zero, models.RightCall, contractID)
	}
	if b.synthesis {
		q = jitter(q)
	}
	return &q, nil
}

// GetOptionsByStrikeExpiry returns registered contracts matching the request, nearest expiry when expiry is zero
func (b *Broker) GetOptionsByStrikeExpiry(ctx context.Context, symbol string, expiry time.Time,
	strike decimal.Decimal, right models.OptionRight) ([]broker.OptionQuote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpGetOptions); err != nil {
		return nil, err
	}
	if _, err := b.resolveLocked(symbol); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)

	var expiries []time.Time
	for _, c := range b.contracts {
		if c.Symbol == symbol {
			expiries = append(expiries, c.Expiration)
		}
	}
	want := expiry
	if want.IsZero() && len(expiries) > 0 {
		sort.Slice(expiries, func(i, j int) bool { return expiries[i].Before(expiries[j]) })
		want = expiries[0]
	}

	var out []broker.OptionQuote
	for _, c := range b.contracts {
		if c.Symbol != symbol || !c.Strike.Equal(strike) || !sameDay(c.Expiration, want) {
			continue
		}
		if right != "" && c.Right != right {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 && b.synthesis {
		if want.IsZero() {
			want = b.nextExpiryLocked()
		}
		out = append(out, b.synthesizeLocked(symbol, want, strike, right, 0))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out, nil
}

// PlaceOrder records the order as working
func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.PlacedOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpPlaceOrder); err != nil {
		return nil, err
	}
	if req.ContractID <= 0 || req.Quantity <= 0 {
		return nil, &broker.APIError{Status: 400, Body: "invalid order"}
	}
	b.nextOrder++
	o := &simOrder{req: req, id: b.nextOrder, status: broker.StatusWorking, pollsLeft: b.fillAfter}
	switch {
	case req.LimitPrice.Valid:
		o.fillPrice = req.LimitPrice.Decimal
	default:
		if q, ok := b.contracts[req.ContractID]; ok && q.Bid.Valid && q.Ask.Valid {
			o.fillPrice = q.Bid.Decimal.Add(q.Ask.Decimal).Div(decimal.NewFromInt(2)).Round(2)
		} else {
			o.fillPrice = decimal.NewFromInt(1)
		}
	}
	b.orders = append(b.orders, o)
	b.placed = append(b.placed, req)
	return &broker.PlacedOrder{OrderID: o.id, Status: o.status}, nil
}

// CancelOrder cancels a working order. Filled or unknown orders are not cancelled.
func (b *Broker) CancelOrder(ctx context.Context, orderID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpCancelOrder); err != nil {
		return false, err
	}
	for _, o := range b.orders {
		if o.id == orderID && o.status == broker.StatusWorking {
			o.status = broker.StatusCancelled
			b.cancelled = append(b.cancelled, orderID)
			return true, nil
		}
	}
	return false, nil
}

// GetOrderHistory returns the newest count orders with status and side.
// Each filled-history query advances working orders of that side toward their fill.
func (b *Broker) GetOrderHistory(ctx context.Context, status string, count int, side models.Side) ([]broker.HistoryOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpGetHistory); err != nil {
		return nil, err
	}
	if status == broker.StatusFilled {
		for _, o := range b.orders {
			if o.status != broker.StatusWorking || (side != "" && o.req.Side != side) || b.fillAfter < 0 {
				continue
			}
			o.pollsLeft--
			if o.pollsLeft <= 0 {
				b.fillLocked(o)
			}
		}
	}

	var out []broker.HistoryOrder
	for i := len(b.orders) - 1; i >= 0 && (count <= 0 || len(out) < count); i-- {
		o := b.orders[i]
		if (status != "" && o.status != status) || (side != "" && o.req.Side != side) {
			continue
		}
		h := broker.HistoryOrder{
			OrderID:    o.id,
			ContractID: o.req.ContractID,
			Side:       o.req.Side,
			Status:     o.status,
		}
		if o.status == broker.StatusFilled {
			h.FilledQuantity = o.req.Quantity
			h.AvgFilledPrice = decimal.NewNullDecimal(o.fillPrice)
			h.FilledValue = decimal.NewNullDecimal(o.fillPrice.Mul(decimal.NewFromInt(o.req.Quantity * 100)))
		}
		out = append(out, h)
	}
	return out, nil
}

func (b *Broker) fillLocked(o *simOrder) {
	o.status = broker.StatusFilled
	p, ok := b.positions[o.req.ContractID]
	if o.req.Side == models.SideBuy {
		if !ok {
			q := b.contracts[o.req.ContractID]
			p = &broker.Position{
				ContractID: o.req.ContractID,
				Symbol:     q.Symbol,
				Strike:     q.Strike,
				Right:      q.Right,
				Expiration: q.Expiration,
			}
			b.positions[o.req.ContractID] = p
		}
		p.Quantity += o.req.Quantity
		return
	}
	if ok {
		p.Quantity -= o.req.Quantity
		if p.Quantity <= 0 {
			delete(b.positions, o.req.ContractID)
		}
	}
}

// GetOpenPositions lists positions ordered by contract id
func (b *Broker) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpGetPositions); err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out, nil
}

// nextExpiryLocked returns the next Friday on or after today
func (b *Broker) nextExpiryLocked() time.Time {
	now := b.clock.Now().UTC()
	d := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func (b *Broker) synthesizeLocked(symbol string, expiry time.Time, strike decimal.Decimal,
	right models.OptionRight, contractID int64) broker.OptionQuote {
	if right == "" {
		right = models.RightCall
	}
	if contractID == 0 {
		contractID = 1_000_000_000 + secureInt63n(1_000_000_000)
	}
	mid := decimal.NewFromFloat(0.5 + secureFloat64()).Round(2)
	q := broker.OptionQuote{
		ContractID: contractID,
		Symbol:     strings.ToUpper(symbol),
		Strike:     strike,
		Right:      right,
		Expiration: expiry,
		Bid:        decimal.NewNullDecimal(mid.Sub(decimal.RequireFromString("0.05"))),
		Ask:        decimal.NewNullDecimal(mid.Add(decimal.RequireFromString("0.05"))),
	}
	b.contracts[contractID] = q
	return q
}

// jitter moves bid and ask together by up to two cents either way
func jitter(q broker.OptionQuote) broker.OptionQuote {
	if !q.Bid.Valid || !q.Ask.Valid {
		return q
	}
	step := decimal.New(secureInt63n(5)-2, -2)
	bid := q.Bid.Decimal.Add(step)
	if !bid.IsPositive() {
		return q
	}
	q.Bid = decimal.NewNullDecimal(bid)
	q.Ask = decimal.NewNullDecimal(q.Ask.Decimal.Add(step))
	return q
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
