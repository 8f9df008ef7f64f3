package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrder(side Side) *Order {
	return NewOrder(101, ResolvedOrder{
		ContractID: 42,
		Quantity:   3,
		Side:       side,
		Style:      StyleMarket,
		Label:      "3x SPX 09/15 4490p",
		Category:   CategoryEntry,
	}, time.Date(2025, 9, 12, 14, 30, 0, 0, time.UTC))
}

func TestOrder_FillTransition(t *testing.T) {
	o := newTestOrder(SideBuy)
	require.Equal(t, StatePending, o.State)

	at := time.Date(2025, 9, 12, 14, 31, 0, 0, time.UTC)
	require.NoError(t, o.Transition(StateFilled, ConditionFillObserved, at))
	assert.Equal(t, StateFilled, o.State)
	assert.Equal(t, at, o.UpdatedAt)
	assert.True(t, o.State.IsTerminal())
}

func TestOrder_CancelFlow(t *testing.T) {
	o := newTestOrder(SideBuy)

	placed := o.UpdatedAt
	require.NoError(t, o.Transition(StateCancelRequested, ConditionAttemptsExhausted, placed.Add(time.Minute)))
	assert.False(t, o.State.IsTerminal())
	require.NoError(t, o.Transition(StateCancelled, ConditionCancelConfirmed, placed.Add(2*time.Minute)))
	assert.Equal(t, placed.Add(2*time.Minute), o.UpdatedAt)
	assert.True(t, o.State.IsTerminal())
}

func TestOrder_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name      string
		from      OrderState
		to        OrderState
		condition string
	}{
		{"pending straight to cancelled", StatePending, StateCancelled, ConditionCancelConfirmed},
		{"wrong condition for fill", StatePending, StateFilled, ConditionAttemptsExhausted},
		{"filled is terminal", StateFilled, StateCancelRequested, ConditionAttemptsExhausted},
		{"cancelled is terminal", StateCancelled, StateFilled, ConditionFillObserved},
		{"no condition", StatePending, StateFilled, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrder(SideBuy)
			o.State = tt.from
			before := o.UpdatedAt
			err := o.Transition(tt.to, tt.condition, before.Add(time.Hour))
			require.Error(t, err)
			assert.Equal(t, tt.from, o.State, "state must not change on a rejected transition")
			assert.Equal(t, before, o.UpdatedAt)
		})
	}
}

func TestResolvedOrder_Validate(t *testing.T) {
	limit := decimal.NewNullDecimal(decimal.RequireFromString("0.01"))
	base := ResolvedOrder{ContractID: 7, Quantity: 1, Side: SideBuy, Style: StyleLimit, LimitPrice: limit}
	require.NoError(t, base.Validate())

	noLimit := base
	noLimit.LimitPrice = decimal.NullDecimal{}
	assert.Error(t, noLimit.Validate())

	market := base
	market.Style = StyleMarket
	market.LimitPrice = decimal.NullDecimal{}
	assert.NoError(t, market.Validate())
	assert.Equal(t, "MKT", market.PriceString())

	zeroQty := base
	zeroQty.Quantity = 0
	assert.Error(t, zeroQty.Validate())
}

func TestContractLabel(t *testing.T) {
	exp := time.Date(2025, 9, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "SPX 09/05 4490p", ContractLabel("spx", exp, decimal.RequireFromString("4490.00"), RightPut))
	assert.Equal(t, "SPY 09/05 450.5c", ContractLabel("SPY", exp, decimal.RequireFromString("450.50"), RightCall))
	assert.Equal(t, "QQQ ??/?? 380c", ContractLabel("QQQ", time.Time{}, decimal.NewFromInt(380), RightCall))
}
