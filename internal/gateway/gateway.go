// Package gateway translates trade intents into broker calls and maps broker
// failures onto the errors the trade lifecycle acts on.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"trade-tracker-go/internal/models"
	"trade-tracker-go/internal/robinhood"
)

var (
	// ErrQuoteUnavailable means the broker had no usable quote. Callers skip
	// the cycle and retry on the next interval.
	ErrQuoteUnavailable = errors.New("quote unavailable")

	// ErrOrderRejected means the order failed validation, was refused by the
	// broker, or ended without executing.
	ErrOrderRejected = errors.New("order rejected")

	// ErrOrderCanceled means a submitted order reached a terminal state
	// without executing. It wraps ErrOrderRejected.
	ErrOrderCanceled = fmt.Errorf("%w: order ended without executing", ErrOrderRejected)

	// ErrTransient means the broker kept failing with rate-limit or server
	// errors after the client's bounded retries.
	ErrTransient = errors.New("transient gateway error")
)

// Fill is the result of polling an order.
type Fill struct {
	Filled bool
	Price  decimal.Decimal
}

// Gateway is the order facade used by the lifecycle tasks.
type Gateway interface {
	Quote(ctx context.Context, symbol, side string, quantity decimal.Decimal) (decimal.Decimal, error)
	Snapshot(ctx context.Context, symbol, side string, quantity decimal.Decimal) (models.QuoteSnapshot, error)
	SubmitMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal) (string, error)
	PollFill(ctx context.Context, orderID string) (Fill, error)
	Cancel(ctx context.Context, orderID string) error
}

// OrderGateway implements Gateway on top of the broker REST client.
type OrderGateway struct {
	client robinhood.RestClientInterface
	logger *zap.Logger
}

var _ Gateway = (*OrderGateway)(nil)

func New(client robinhood.RestClientInterface, logger *zap.Logger) *OrderGateway {
	return &OrderGateway{client: client, logger: logger.Named("gateway")}
}

// Quote returns the spread-adjusted estimated execution price for quantity
// units on side ("ask" to buy, "bid" to sell).
func (g *OrderGateway) Quote(ctx context.Context, symbol, side string, quantity decimal.Decimal) (decimal.Decimal, error) {
	if symbol == "" || !quantity.IsPositive() || (side != robinhood.SideBid && side != robinhood.SideAsk) {
		return decimal.Zero, fmt.Errorf("%w: invalid quote request %s/%s/%s", ErrQuoteUnavailable, symbol, side, quantity)
	}
	est, err := g.client.GetEstimatedPrice(ctx, symbol, side, quantity)
	if err != nil {
		return decimal.Zero, classify(err, ErrQuoteUnavailable)
	}
	price := est.Price
	switch side {
	case robinhood.SideAsk:
		if est.AskInclusiveOfBuySpread.IsPositive() {
			price = est.AskInclusiveOfBuySpread
		}
	case robinhood.SideBid:
		if est.BidInclusiveOfSellSpread.IsPositive() {
			price = est.BidInclusiveOfSellSpread
		}
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive %s price for %s", ErrQuoteUnavailable, side, symbol)
	}
	return price, nil
}

// Snapshot captures the adjusted estimated price together with the best bid
// and ask at the moment of an order submission.
func (g *OrderGateway) Snapshot(ctx context.Context, symbol, side string, quantity decimal.Decimal) (models.QuoteSnapshot, error) {
	estimated, err := g.Quote(ctx, symbol, side, quantity)
	if err != nil {
		return models.QuoteSnapshot{}, err
	}
	bba, err := g.client.GetBestBidAsk(ctx, symbol)
	if err != nil {
		return models.QuoteSnapshot{}, classify(err, ErrQuoteUnavailable)
	}
	if !bba.BidInclusiveOfSellSpread.IsPositive() || !bba.AskInclusiveOfBuySpread.IsPositive() {
		return models.QuoteSnapshot{}, fmt.Errorf("%w: incomplete best bid/ask for %s", ErrQuoteUnavailable, symbol)
	}
	return models.QuoteSnapshot{
		BestBid:   bba.BidInclusiveOfSellSpread,
		BestAsk:   bba.AskInclusiveOfBuySpread,
		Estimated: estimated,
	}, nil
}

// SubmitMarketOrder places a market order and returns the broker's order id.
func (g *OrderGateway) SubmitMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal) (string, error) {
	if symbol == "" {
		return "", fmt.Errorf("%w: symbol is empty", ErrOrderRejected)
	}
	if side != robinhood.SideBuy && side != robinhood.SideSell {
		return "", fmt.Errorf("%w: side %q must be buy or sell", ErrOrderRejected, side)
	}
	if !quantity.IsPositive() {
		return "", fmt.Errorf("%w: quantity must be positive, got %s", ErrOrderRejected, quantity)
	}
	order, err := g.client.PlaceMarketOrder(ctx, symbol, side, quantity)
	if err != nil {
		return "", classify(err, ErrOrderRejected)
	}
	return order.ID, nil
}

// PollFill looks up an order once. It reports Filled=false while the order
// is still working; the caller owns the polling cadence.
func (g *OrderGateway) PollFill(ctx context.Context, orderID string) (Fill, error) {
	if orderID == "" {
		return Fill{}, fmt.Errorf("%w: order id is empty", ErrOrderRejected)
	}
	order, err := g.client.GetOrder(ctx, orderID)
	if err != nil {
		return Fill{}, classify(err, ErrOrderRejected)
	}

	switch order.State {
	case robinhood.OrderStateFilled:
		price, ok := averagePrice(order)
		if !ok {
			g.logger.Warn("Filled order carries no execution price yet", zap.String("order_id", orderID))
			return Fill{}, nil
		}
		return Fill{Filled: true, Price: price}, nil
	case robinhood.OrderStateCanceled, robinhood.OrderStateFailed:
		return Fill{}, fmt.Errorf("%w: order %s is %s", ErrOrderCanceled, orderID, order.State)
	default:
		return Fill{}, nil
	}
}

// Cancel requests cancellation of an outstanding order.
func (g *OrderGateway) Cancel(ctx context.Context, orderID string) error {
	if err := g.client.CancelOrder(ctx, orderID); err != nil {
		return classify(err, ErrOrderRejected)
	}
	return nil
}

// averagePrice is the quantity weighted effective price over all executions,
// falling back to the order's average price.
func averagePrice(order *robinhood.Order) (decimal.Decimal, bool) {
	var notional, quantity decimal.Decimal
	for _, e := range order.Executions {
		notional = notional.Add(e.EffectivePrice.Mul(e.Quantity))
		quantity = quantity.Add(e.Quantity)
	}
	if quantity.IsPositive() {
		return notional.Div(quantity), true
	}
	if len(order.Executions) > 0 && order.Executions[0].EffectivePrice.IsPositive() {
		return order.Executions[0].EffectivePrice, true
	}
	if order.AveragePrice.Valid && order.AveragePrice.Decimal.IsPositive() {
		return order.AveragePrice.Decimal, true
	}
	return decimal.Zero, false
}

// classify maps a client error onto the gateway taxonomy. Exhausted retries
// and cancellations are transient; everything else is the business failure
// of the call site.
func classify(err error, business error) error {
	if errors.Is(err, robinhood.ErrRetriesExhausted) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	var apiErr *robinhood.APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode >= http.StatusInternalServerError || apiErr.StatusCode == http.StatusTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", business, err)
}
