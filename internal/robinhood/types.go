package robinhood

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
	SideBid  = "bid"
	SideAsk  = "ask"

	OrderTypeMarket = "market"
)

// Order states reported by the orders endpoint.
const (
	OrderStateOpen            = "open"
	OrderStatePending         = "pending"
	OrderStatePartiallyFilled = "partially_filled"
	OrderStateFilled          = "filled"
	OrderStateCanceled        = "canceled"
	OrderStateFailed          = "failed"
)

// ErrRetriesExhausted is wrapped by errors from requests that kept failing
// with retryable responses.
var ErrRetriesExhausted = errors.New("request retries exhausted")

// APIError is a non-retryable error response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// BestBidAsk is one entry of the best_bid_ask endpoint.
type BestBidAsk struct {
	Symbol                   string          `json:"symbol"`
	Price                    decimal.Decimal `json:"price"`
	BidInclusiveOfSellSpread decimal.Decimal `json:"bid_inclusive_of_sell_spread"`
	SellSpread               decimal.Decimal `json:"sell_spread"`
	AskInclusiveOfBuySpread  decimal.Decimal `json:"ask_inclusive_of_buy_spread"`
	BuySpread                decimal.Decimal `json:"buy_spread"`
	Timestamp                string          `json:"timestamp"`
}

// EstimatedPrice is one entry of the estimated_price endpoint.
type EstimatedPrice struct {
	Symbol                   string          `json:"symbol"`
	Side                     string          `json:"side"`
	Price                    decimal.Decimal `json:"price"`
	Quantity                 decimal.Decimal `json:"quantity"`
	BidInclusiveOfSellSpread decimal.Decimal `json:"bid_inclusive_of_sell_spread"`
	SellSpread               decimal.Decimal `json:"sell_spread"`
	AskInclusiveOfBuySpread  decimal.Decimal `json:"ask_inclusive_of_buy_spread"`
	BuySpread                decimal.Decimal `json:"buy_spread"`
	Timestamp                string          `json:"timestamp"`
}

type resultsResponse[T any] struct {
	Results []T `json:"results"`
}

// Execution is a (partial) fill of an order.
type Execution struct {
	EffectivePrice decimal.Decimal `json:"effective_price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Timestamp      string          `json:"timestamp"`
}

// Order is the order resource returned by place and get order calls.
type Order struct {
	ID                  string              `json:"id"`
	AccountNumber       string              `json:"account_number"`
	Symbol              string              `json:"symbol"`
	ClientOrderID       string              `json:"client_order_id"`
	Side                string              `json:"side"`
	Type                string              `json:"type"`
	State               string              `json:"state"`
	AveragePrice        decimal.NullDecimal `json:"average_price"`
	FilledAssetQuantity decimal.NullDecimal `json:"filled_asset_quantity"`
	Executions          []Execution         `json:"executions"`
	CreatedAt           string              `json:"created_at"`
	UpdatedAt           string              `json:"updated_at"`
}

// Account is the trading account summary; only used to check connectivity.
type Account struct {
	AccountNumber string `json:"account_number"`
	Status        string `json:"status"`
}
