package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"trade-tracker-go/internal/robinhood"
)

// MockRestClient is a mock implementation of the RestClientInterface.
type MockRestClient struct {
	mock.Mock
}

func (m *MockRestClient) Ping(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *MockRestClient) GetBestBidAsk(ctx context.Context, symbol string) (*robinhood.BestBidAsk, error) {
	args := m.Called(symbol)
	return args.Get(0).(*robinhood.BestBidAsk), args.Error(1)
}

func (m *MockRestClient) GetEstimatedPrice(ctx context.Context, symbol, side string, quantity decimal.Decimal) (*robinhood.EstimatedPrice, error) {
	args := m.Called(symbol, side, quantity.String())
	return args.Get(0).(*robinhood.EstimatedPrice), args.Error(1)
}

func (m *MockRestClient) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal) (*robinhood.Order, error) {
	args := m.Called(symbol, side, quantity.String())
	return args.Get(0).(*robinhood.Order), args.Error(1)
}

func (m *MockRestClient) GetOrder(ctx context.Context, orderID string) (*robinhood.Order, error) {
	args := m.Called(orderID)
	return args.Get(0).(*robinhood.Order), args.Error(1)
}

func (m *MockRestClient) CancelOrder(ctx context.Context, orderID string) error {
	return m.Called(orderID).Error(0)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func setupGateway() (*OrderGateway, *MockRestClient) {
	client := new(MockRestClient)
	return New(client, zap.NewNop()), client
}

func TestQuote(t *testing.T) {
	t.Run("UsesSpreadAdjustedSide", func(t *testing.T) {
		gw, client := setupGateway()
		client.On("GetEstimatedPrice", "XYZ-USD", "bid", "2").Return(&robinhood.EstimatedPrice{
			Price:                    d("103.1"),
			BidInclusiveOfSellSpread: d("103.0"),
			AskInclusiveOfBuySpread:  d("103.2"),
		}, nil)

		price, err := gw.Quote(context.Background(), "XYZ-USD", "bid", d("2"))

		require.NoError(t, err)
		assert.True(t, price.Equal(d("103.0")))
		client.AssertExpectations(t)
	})

	t.Run("MissingData", func(t *testing.T) {
		gw, client := setupGateway()
		client.On("GetEstimatedPrice", "XYZ-USD", "ask", "1").Return(&robinhood.EstimatedPrice{}, nil)

		_, err := gw.Quote(context.Background(), "XYZ-USD", "ask", d("1"))

		assert.ErrorIs(t, err, ErrQuoteUnavailable)
	})

	t.Run("UpstreamError", func(t *testing.T) {
		gw, client := setupGateway()
		client.On("GetEstimatedPrice", "XYZ-USD", "ask", "1").Return((*robinhood.EstimatedPrice)(nil), errors.New("no estimated price returned"))

		_, err := gw.Quote(context.Background(), "XYZ-USD", "ask", d("1"))

		assert.ErrorIs(t, err, ErrQuoteUnavailable)
	})

	t.Run("InvalidSide", func(t *testing.T) {
		gw, client := setupGateway()

		_, err := gw.Quote(context.Background(), "XYZ-USD", "both", d("1"))

		assert.ErrorIs(t, err, ErrQuoteUnavailable)
		client.AssertNotCalled(t, "GetEstimatedPrice", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestSnapshot(t *testing.T) {
	gw, client := setupGateway()
	client.On("GetEstimatedPrice", "XYZ-USD", "ask", "2").Return(&robinhood.EstimatedPrice{AskInclusiveOfBuySpread: d("101.2")}, nil)
	client.On("GetBestBidAsk", "XYZ-USD").Return(&robinhood.BestBidAsk{
		BidInclusiveOfSellSpread: d("100.9"),
		AskInclusiveOfBuySpread:  d("101.1"),
	}, nil)

	snap, err := gw.Snapshot(context.Background(), "XYZ-USD", "ask", d("2"))

	require.NoError(t, err)
	assert.True(t, snap.BestBid.Equal(d("100.9")))
	assert.True(t, snap.BestAsk.Equal(d("101.1")))
	assert.True(t, snap.Estimated.Equal(d("101.2")))
}

func TestSubmitMarketOrder(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		gw, client := setupGateway()
		client.On("PlaceMarketOrder", "XYZ-USD", "buy", "2").Return(&robinhood.Order{ID: "BUY1"}, nil)

		id, err := gw.SubmitMarketOrder(context.Background(), "XYZ-USD", "buy", d("2"))

		require.NoError(t, err)
		assert.Equal(t, "BUY1", id)
	})

	t.Run("MalformedInput", func(t *testing.T) {
		gw, client := setupGateway()

		_, err := gw.SubmitMarketOrder(context.Background(), "XYZ-USD", "buy", d("0"))
		assert.ErrorIs(t, err, ErrOrderRejected)
		_, err = gw.SubmitMarketOrder(context.Background(), "XYZ-USD", "hold", d("1"))
		assert.ErrorIs(t, err, ErrOrderRejected)
		_, err = gw.SubmitMarketOrder(context.Background(), "", "buy", d("1"))
		assert.ErrorIs(t, err, ErrOrderRejected)

		client.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("BrokerRejects", func(t *testing.T) {
		gw, client := setupGateway()
		client.On("PlaceMarketOrder", "XYZ-USD", "buy", "2").Return((*robinhood.Order)(nil),
			&robinhood.APIError{StatusCode: http.StatusBadRequest, Body: "insufficient buying power"})

		_, err := gw.SubmitMarketOrder(context.Background(), "XYZ-USD", "buy", d("2"))

		assert.ErrorIs(t, err, ErrOrderRejected)
		assert.NotErrorIs(t, err, ErrTransient)
	})

	t.Run("RetriesExhausted", func(t *testing.T) {
		gw, client := setupGateway()
		client.On("PlaceMarketOrder", "XYZ-USD", "sell", "2").Return((*robinhood.Order)(nil),
			errors.Join(robinhood.ErrRetriesExhausted, &robinhood.APIError{StatusCode: http.StatusServiceUnavailable}))

		_, err := gw.SubmitMarketOrder(context.Background(), "XYZ-USD", "sell", d("2"))

		assert.ErrorIs(t, err, ErrTransient)
		assert.NotErrorIs(t, err, ErrOrderRejected)
	})
}

func TestPollFill(t *testing.T) {
	testCases := []struct {
		name       string
		order      *robinhood.Order
		wantFilled bool
		wantPrice  string
		wantErr    error
	}{
		{name: "Open", order: &robinhood.Order{State: "open"}},
		{name: "PartiallyFilled", order: &robinhood.Order{State: "partially_filled", Executions: []robinhood.Execution{{EffectivePrice: d("101"), Quantity: d("1")}}}},
		{
			name:       "FilledSingleExecution",
			order:      &robinhood.Order{State: "filled", Executions: []robinhood.Execution{{EffectivePrice: d("101.5"), Quantity: d("2")}}},
			wantFilled: true,
			wantPrice:  "101.5",
		},
		{
			name: "FilledWeightedAverage",
			order: &robinhood.Order{State: "filled", Executions: []robinhood.Execution{
				{EffectivePrice: d("100"), Quantity: d("1")},
				{EffectivePrice: d("103"), Quantity: d("2")},
			}},
			wantFilled: true,
			wantPrice:  "102",
		},
		{
			name:       "FilledAveragePriceOnly",
			order:      &robinhood.Order{State: "filled", AveragePrice: decimal.NewNullDecimal(d("99.5"))},
			wantFilled: true,
			wantPrice:  "99.5",
		},
		{name: "FilledWithoutPrice", order: &robinhood.Order{State: "filled"}},
		{name: "Canceled", order: &robinhood.Order{State: "canceled"}, wantErr: ErrOrderCanceled},
		{name: "Failed", order: &robinhood.Order{State: "failed"}, wantErr: ErrOrderCanceled},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gw, client := setupGateway()
			client.On("GetOrder", "O1").Return(tc.order, nil)

			fill, err := gw.PollFill(context.Background(), "O1")

			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.ErrorIs(t, err, ErrOrderRejected)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantFilled, fill.Filled)
			if tc.wantPrice != "" {
				assert.True(t, fill.Price.Equal(d(tc.wantPrice)), "price was %s", fill.Price)
			}
		})
	}
}

func TestPollFill_TransientError(t *testing.T) {
	gw, client := setupGateway()
	client.On("GetOrder", "O1").Return((*robinhood.Order)(nil), context.DeadlineExceeded)

	_, err := gw.PollFill(context.Background(), "O1")

	assert.ErrorIs(t, err, ErrTransient)
}

func TestCancel(t *testing.T) {
	gw, client := setupGateway()
	client.On("CancelOrder", "O1").Return(nil)
	client.On("CancelOrder", "O2").Return(&robinhood.APIError{StatusCode: http.StatusNotFound})

	assert.NoError(t, gw.Cancel(context.Background(), "O1"))
	err := gw.Cancel(context.Background(), "O2")
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.NotErrorIs(t, err, ErrOrderCanceled)
}
