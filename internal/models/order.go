package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the order action sent to the broker
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStyle is the broker order type
type OrderStyle string

const (
	StyleLimit  OrderStyle = "LMT"
	StyleMarket OrderStyle = "MKT"
)

// OptionRight distinguishes calls from puts
type OptionRight string

const (
	RightCall OptionRight = "call"
	RightPut  OptionRight = "put"
)

// Letter returns the single-letter suffix used in contract labels ("c" or "p")
func (r OptionRight) Letter() string {
	if r == "" {
		return ""
	}
	return string(r)[:1]
}

// ActionCategory is the kind of instruction a trigger carries
type ActionCategory string

const (
	CategoryEntry ActionCategory = "entry"
	CategoryExit  ActionCategory = "exit"
	CategoryTrim  ActionCategory = "trim"
)

// Valid reports whether c is one of the known categories
func (c ActionCategory) Valid() bool {
	switch c {
	case CategoryEntry, CategoryExit, CategoryTrim:
		return true
	}
	return false
}

// TriggerRule maps a category to the keyword phrases that select it.
// Rules are evaluated in order; the first phrase found in a message wins.
type TriggerRule struct {
	Category ActionCategory
	Keywords []string
}

// TriggerEvent is one inbound message
type TriggerEvent struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewTriggerEvent stamps text with an id and receive time
func NewTriggerEvent(text string, receivedAt time.Time) TriggerEvent {
	return TriggerEvent{
		ID:         uuid.NewString(),
		Text:       text,
		ReceivedAt: receivedAt.UTC(),
	}
}

// OrderIntent is the partially specified instruction extracted from a trigger.
// Zero values mean "not parsed".
type OrderIntent struct {
	Ticker     string              `json:"ticker,omitempty"`
	Right      OptionRight         `json:"right,omitempty"`
	Strike     decimal.NullDecimal `json:"strike"`
	Expiration time.Time           `json:"expiration,omitempty"`
	LimitPrice decimal.NullDecimal `json:"limit_price"`
	ContractID int64               `json:"contract_id,omitempty"`
	Category   ActionCategory      `json:"category"`
}

// HasExpiration reports whether an expiration date was parsed
func (i OrderIntent) HasExpiration() bool {
	return !i.Expiration.IsZero()
}

// ResolvedOrder is a fully specified order ready for placement
type ResolvedOrder struct {
	ContractID int64               `json:"contract_id"`
	LimitPrice decimal.NullDecimal `json:"limit_price"`
	Quantity   int64               `json:"quantity"`
	Side       Side                `json:"side"`
	Style      OrderStyle          `json:"style"`
	Label      string              `json:"label"`
	Category   ActionCategory      `json:"category"`
}

// Validate checks the invariants the broker relies on
func (r ResolvedOrder) Validate() error {
	if r.ContractID <= 0 {
		return fmt.Errorf("contract id must be > 0")
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity must be > 0")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("side must be BUY or SELL, got %q", r.Side)
	}
	switch r.Style {
	case StyleLimit:
		if !r.LimitPrice.Valid || !r.LimitPrice.Decimal.IsPositive() {
			return fmt.Errorf("limit order requires a positive limit price")
		}
	case StyleMarket:
	default:
		return fmt.Errorf("order style must be LMT or MKT, got %q", r.Style)
	}
	return nil
}

// PriceString renders the limit price for logs, "MKT" for market orders
func (r ResolvedOrder) PriceString() string {
	if r.Style == StyleMarket || !r.LimitPrice.Valid {
		return string(StyleMarket)
	}
	return r.LimitPrice.Decimal.StringFixed(2)
}

// Fill is what the order history reported for a filled order
type Fill struct {
	Quantity int64               `json:"quantity"`
	Value    decimal.NullDecimal `json:"value"`
	AvgPrice decimal.NullDecimal `json:"avg_price"`
}

// Order is a placed order tracked by its fill monitor
type Order struct {
	ID         int64               `json:"id"`
	ContractID int64               `json:"contract_id"`
	Side       Side                `json:"side"`
	Style      OrderStyle          `json:"style"`
	LimitPrice decimal.NullDecimal `json:"limit_price"`
	Quantity   int64               `json:"quantity"`
	Label      string              `json:"label"`
	Category   ActionCategory      `json:"category"`
	State      OrderState          `json:"state"`
	Fill       *Fill               `json:"fill,omitempty"`
	PlacedAt   time.Time           `json:"placed_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// NewOrder builds a pending order from a broker order id and the order that was placed
func NewOrder(id int64, r ResolvedOrder, placedAt time.Time) *Order {
	return &Order{
		ID:         id,
		ContractID: r.ContractID,
		Side:       r.Side,
		Style:      r.Style,
		LimitPrice: r.LimitPrice,
		Quantity:   r.Quantity,
		Label:      r.Label,
		Category:   r.Category,
		State:      StatePending,
		PlacedAt:   placedAt.UTC(),
		UpdatedAt:  placedAt.UTC(),
	}
}

// ContractLabel formats "TICKER MM/DD STRIKEc" for logs and journal rows
func ContractLabel(symbol string, expiration time.Time, strike decimal.Decimal, right OptionRight) string {
	exp := "??/??"
	if !expiration.IsZero() {
		exp = expiration.Format("01/02")
	}
	return fmt.Sprintf("%s %s %s%s", strings.ToUpper(symbol), exp, strike.String(), right.Letter())
}
