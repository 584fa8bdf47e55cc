// Package paper provides a simulated broker for dry runs.
package paper

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"trade-tracker-go/internal/config"
	"trade-tracker-go/internal/robinhood"
)

var two = decimal.NewFromInt(2)

type paperOrder struct {
	robinhood.Order
	quantity decimal.Decimal
}

// Broker quotes a single configurable mid price with a fixed fractional
// spread. Market orders fill at the spread-adjusted price on the first
// status lookup after submission.
type Broker struct {
	mu     sync.Mutex
	mid    decimal.Decimal
	spread decimal.Decimal
	orders map[string]*paperOrder
	clock  clockwork.Clock
	logger *zap.Logger
}

var _ robinhood.RestClientInterface = (*Broker)(nil)

func NewBroker(cfg *config.Paper, clock clockwork.Clock, logger *zap.Logger) (*Broker, error) {
	if !cfg.MidPrice.IsPositive() {
		return nil, fmt.Errorf("paper mid price must be positive, got %s", cfg.MidPrice)
	}
	if cfg.Spread.IsNegative() || cfg.Spread.GreaterThanOrEqual(two) {
		return nil, fmt.Errorf("paper spread must be in [0, 2), got %s", cfg.Spread)
	}
	return &Broker{
		mid:    cfg.MidPrice,
		spread: cfg.Spread,
		orders: make(map[string]*paperOrder),
		clock:  clock,
		logger: logger.Named("paper"),
	}, nil
}

// SetMid moves the simulated market.
func (b *Broker) SetMid(mid decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mid = mid
}

func (b *Broker) Ping(ctx context.Context) error {
	return ctx.Err()
}

// bidAsk must be called with b.mu held.
func (b *Broker) bidAsk() (bid, ask decimal.Decimal) {
	half := b.mid.Mul(b.spread).Div(two)
	return b.mid.Sub(half), b.mid.Add(half)
}

func (b *Broker) GetBestBidAsk(ctx context.Context, symbol string) (*robinhood.BestBidAsk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bid, ask := b.bidAsk()
	return &robinhood.BestBidAsk{
		Symbol:                   symbol,
		Price:                    b.mid,
		BidInclusiveOfSellSpread: bid,
		SellSpread:               b.mid.Sub(bid),
		AskInclusiveOfBuySpread:  ask,
		BuySpread:                ask.Sub(b.mid),
		Timestamp:                b.clock.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (b *Broker) GetEstimatedPrice(ctx context.Context, symbol, side string, quantity decimal.Decimal) (*robinhood.EstimatedPrice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if side != robinhood.SideBid && side != robinhood.SideAsk {
		return nil, &robinhood.APIError{StatusCode: http.StatusBadRequest, Body: "side must be bid or ask"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bid, ask := b.bidAsk()
	return &robinhood.EstimatedPrice{
		Symbol:                   symbol,
		Side:                     side,
		Price:                    b.mid,
		Quantity:                 quantity,
		BidInclusiveOfSellSpread: bid,
		SellSpread:               b.mid.Sub(bid),
		AskInclusiveOfBuySpread:  ask,
		BuySpread:                ask.Sub(b.mid),
		Timestamp:                b.clock.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (b *Broker) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal) (*robinhood.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if side != robinhood.SideBuy && side != robinhood.SideSell {
		return nil, &robinhood.APIError{StatusCode: http.StatusBadRequest, Body: "side must be buy or sell"}
	}
	if !quantity.IsPositive() {
		return nil, &robinhood.APIError{StatusCode: http.StatusBadRequest, Body: "quantity must be positive"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now().UTC().Format(time.RFC3339Nano)
	order := &paperOrder{
		Order: robinhood.Order{
			ID:            uuid.NewString(),
			AccountNumber: "PAPER",
			Symbol:        symbol,
			ClientOrderID: uuid.NewString(),
			Side:          side,
			Type:          robinhood.OrderTypeMarket,
			State:         robinhood.OrderStateOpen,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		quantity: quantity,
	}
	b.orders[order.ID] = order
	b.logger.Info("Paper order placed",
		zap.String("order_id", order.ID),
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("quantity", quantity.String()))

	result := order.Order
	return &result, nil
}

func (b *Broker) GetOrder(ctx context.Context, orderID string) (*robinhood.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return nil, &robinhood.APIError{StatusCode: http.StatusNotFound, Body: "order not found"}
	}
	if order.State == robinhood.OrderStateOpen {
		bid, ask := b.bidAsk()
		price := ask
		if order.Side == robinhood.SideSell {
			price = bid
		}
		now := b.clock.Now().UTC().Format(time.RFC3339Nano)
		order.State = robinhood.OrderStateFilled
		order.AveragePrice = decimal.NewNullDecimal(price)
		order.FilledAssetQuantity = decimal.NewNullDecimal(order.quantity)
		order.Executions = []robinhood.Execution{{
			EffectivePrice: price,
			Quantity:       order.quantity,
			Timestamp:      now,
		}}
		order.UpdatedAt = now
	}
	result := order.Order
	result.Executions = append([]robinhood.Execution(nil), order.Executions...)
	return &result, nil
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return &robinhood.APIError{StatusCode: http.StatusNotFound, Body: "order not found"}
	}
	if order.State != robinhood.OrderStateOpen {
		return &robinhood.APIError{StatusCode: http.StatusBadRequest, Body: "order is " + order.State}
	}
	order.State = robinhood.OrderStateCanceled
	order.UpdatedAt = b.clock.Now().UTC().Format(time.RFC3339Nano)
	return nil
}
