package paper

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"trade-tracker-go/internal/config"
	"trade-tracker-go/internal/robinhood"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	cfg := &config.Paper{MidPrice: decimal.RequireFromString("100"), Spread: decimal.RequireFromString("0.02")}
	b, err := NewBroker(cfg, clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)), zap.NewNop())
	require.NoError(t, err)
	return b
}

func TestNewBroker_Validation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	_, err := NewBroker(&config.Paper{MidPrice: decimal.Zero, Spread: decimal.Zero}, clock, zap.NewNop())
	assert.Error(t, err)
	_, err = NewBroker(&config.Paper{MidPrice: decimal.NewFromInt(1), Spread: decimal.NewFromInt(-1)}, clock, zap.NewNop())
	assert.Error(t, err)
}

func TestQuotes(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	bba, err := b.GetBestBidAsk(ctx, "XYZ-USD")
	require.NoError(t, err)
	assert.True(t, bba.BidInclusiveOfSellSpread.Equal(decimal.RequireFromString("99")))
	assert.True(t, bba.AskInclusiveOfBuySpread.Equal(decimal.RequireFromString("101")))

	b.SetMid(decimal.RequireFromString("200"))
	est, err := b.GetEstimatedPrice(ctx, "XYZ-USD", robinhood.SideBid, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, est.BidInclusiveOfSellSpread.Equal(decimal.RequireFromString("198")))

	_, err = b.GetEstimatedPrice(ctx, "XYZ-USD", "buy", decimal.NewFromInt(1))
	var apiErr *robinhood.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestOrderFillsOnFirstLookup(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	order, err := b.PlaceMarketOrder(ctx, "XYZ-USD", robinhood.SideBuy, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.Equal(t, robinhood.OrderStateOpen, order.State)
	assert.NotEmpty(t, order.ID)

	got, err := b.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, robinhood.OrderStateFilled, got.State)
	require.Len(t, got.Executions, 1)
	assert.True(t, got.Executions[0].EffectivePrice.Equal(decimal.RequireFromString("101")))
	assert.True(t, got.Executions[0].Quantity.Equal(decimal.NewFromInt(2)))

	// The fill price is fixed once filled.
	b.SetMid(decimal.RequireFromString("500"))
	again, err := b.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, again.Executions[0].EffectivePrice.Equal(decimal.RequireFromString("101")))
}

func TestSellFillsAtBid(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	order, err := b.PlaceMarketOrder(ctx, "XYZ-USD", robinhood.SideSell, decimal.NewFromInt(1))
	require.NoError(t, err)
	got, err := b.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, got.AveragePrice.Decimal.Equal(decimal.RequireFromString("99")))
}

func TestCancelOrder(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	order, err := b.PlaceMarketOrder(ctx, "XYZ-USD", robinhood.SideBuy, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.NoError(t, b.CancelOrder(ctx, order.ID))

	got, err := b.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, robinhood.OrderStateCanceled, got.State)

	assert.Error(t, b.CancelOrder(ctx, order.ID))
	assert.Error(t, b.CancelOrder(ctx, "missing"))
}

func TestUnknownOrder(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.GetOrder(context.Background(), "missing")
	var apiErr *robinhood.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
