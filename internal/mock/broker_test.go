package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *Broker {
	b := NewBroker()
	b.AddSymbol("SPX", 913324)
	b.AddContract(broker.OptionQuote{
		ContractID: 201,
		Symbol:     "spx",
		Strike:     decimal.NewFromInt(4490),
		Right:      models.RightPut,
		Expiration: time.Date(2025, 9, 5, 0, 0, 0, 0, time.UTC),
		Bid:        decimal.NewNullDecimal(decimal.RequireFromString("1.10")),
		Ask:        decimal.NewNullDecimal(decimal.RequireFromString("1.30")),
	})
	b.AddContract(broker.OptionQuote{
		ContractID: 301,
		Symbol:     "SPX",
		Strike:     decimal.NewFromInt(4490),
		Right:      models.RightPut,
		Expiration: time.Date(2025, 9, 12, 0, 0, 0, 0, time.UTC),
	})
	return b
}

func TestBroker_ResolveSymbol(t *testing.T) {
	b := seeded()
	id, err := b.ResolveSymbol(context.Background(), "spx")
	require.NoError(t, err)
	assert.Equal(t, int64(913324), id)

	_, err = b.ResolveSymbol(context.Background(), "QQQ")
	assert.ErrorIs(t, err, broker.ErrSymbolNotFound)
	assert.Equal(t, 2, b.Calls(OpResolveSymbol))
}

func TestBroker_OptionsNearestExpiry(t *testing.T) {
	b := seeded()
	got, err := b.GetOptionsByStrikeExpiry(context.Background(), "SPX", time.Time{}, decimal.RequireFromString("4490.0"), models.RightPut)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(201), got[0].ContractID)

	got, err = b.GetOptionsByStrikeExpiry(context.Background(), "SPX", time.Time{}, decimal.NewFromInt(4490), models.RightCall)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBroker_OrderFillsAfterPolls(t *testing.T) {
	b := seeded()
	b.SetFillAfter(2)
	ctx := context.Background()

	placed, err := b.PlaceOrder(ctx, broker.OrderRequest{
		ContractID: 201, Quantity: 4, Side: models.SideBuy, Style: models.StyleLimit,
		LimitPrice: decimal.NewNullDecimal(decimal.RequireFromString("1.20")),
	})
	require.NoError(t, err)

	hist, err := b.GetOrderHistory(ctx, broker.StatusFilled, 10, models.SideBuy)
	require.NoError(t, err)
	assert.Empty(t, hist)

	hist, err = b.GetOrderHistory(ctx, broker.StatusFilled, 10, models.SideBuy)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, placed.OrderID, hist[0].OrderID)
	assert.Equal(t, "480", hist[0].FilledValue.Decimal.String())
	assert.Equal(t, "1.2", hist[0].AvgFilledPrice.Decimal.String())

	positions, err := b.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(4), positions[0].Quantity)
	assert.Equal(t, "SPX", positions[0].Symbol)

	_, err = b.PlaceOrder(ctx, broker.OrderRequest{ContractID: 201, Quantity: 4, Side: models.SideSell, Style: models.StyleMarket})
	require.NoError(t, err)
	_, _ = b.GetOrderHistory(ctx, broker.StatusFilled, 10, models.SideSell)
	_, _ = b.GetOrderHistory(ctx, broker.StatusFilled, 10, models.SideSell)
	positions, err = b.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestBroker_CancelWorkingOrder(t *testing.T) {
	b := seeded()
	b.SetFillAfter(-1)
	ctx := context.Background()

	placed, err := b.PlaceOrder(ctx, broker.OrderRequest{ContractID: 201, Quantity: 1, Side: models.SideBuy, Style: models.StyleMarket})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		hist, err := b.GetOrderHistory(ctx, broker.StatusFilled, 10, models.SideBuy)
		require.NoError(t, err)
		assert.Empty(t, hist)
	}

	ok, err := b.CancelOrder(ctx, placed.OrderID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int64{placed.OrderID}, b.CancelledOrders())

	ok, err = b.CancelOrder(ctx, placed.OrderID)
	require.NoError(t, err)
	assert.False(t, ok, "already cancelled")
}

func TestBroker_ErrorInjection(t *testing.T) {
	b := seeded()
	boom := errors.New("gateway down")
	b.SetError(OpPlaceOrder, boom)

	_, err := b.PlaceOrder(context.Background(), broker.OrderRequest{ContractID: 201, Quantity: 1, Side: models.SideBuy, Style: models.StyleMarket})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, b.PlacedOrders())

	b.SetError(OpPlaceOrder, nil)
	_, err = b.PlaceOrder(context.Background(), broker.OrderRequest{ContractID: 201, Quantity: 1, Side: models.SideBuy, Style: models.StyleMarket})
	assert.NoError(t, err)
	assert.Equal(t, 2, b.Calls(OpPlaceOrder))
}

func TestSimulatedBroker_SynthesizesContracts(t *testing.T) {
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2025, 9, 2, 15, 0, 0, 0, time.UTC)) // Tuesday
	b := NewSimulatedBroker(mockClock)
	ctx := context.Background()

	id, err := b.ResolveSymbol(ctx, "QQQ")
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := b.GetOptionsByStrikeExpiry(ctx, "QQQ", time.Time{}, decimal.NewFromInt(380), models.RightCall)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.Friday, got[0].Expiration.Weekday())
	assert.Equal(t, 5, got[0].Expiration.Day())
	require.True(t, got[0].Bid.Valid)
	assert.True(t, got[0].Bid.Decimal.IsPositive())
	assert.True(t, got[0].Ask.Decimal.GreaterThan(got[0].Bid.Decimal))

	again, err := b.GetOptionsByStrikeExpiry(ctx, "QQQ", time.Time{}, decimal.NewFromInt(380), models.RightCall)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, got[0].ContractID, again[0].ContractID, "synthesized contracts are remembered")

	q, err := b.GetOptionQuote(ctx, "QQQ", got[0].ContractID)
	require.NoError(t, err)
	assert.True(t, q.Ask.Decimal.GreaterThan(q.Bid.Decimal))
}

func TestBroker_ContextCancelled(t *testing.T) {
	b := seeded()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.GetOpenPositions(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, b.TotalCalls())
}
