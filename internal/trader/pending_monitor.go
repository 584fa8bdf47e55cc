package trader

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"trade-tracker-go/internal/gateway"
	"trade-tracker-go/internal/logger"
	"trade-tracker-go/internal/models"
	"trade-tracker-go/internal/robinhood"
	"trade-tracker-go/internal/store"
	"trade-tracker-go/internal/tradelog"
)

// pendingCycle polls every PENDING record once. Each confirmed fill is
// persisted on its own, and the pending list is re-read after every persist.
func (e *Engine) pendingCycle(ctx context.Context) error {
	l := e.logger.Named("pending")
	polled := make(map[string]struct{})

	for {
		pending, _, err := e.store.Load()
		if err != nil {
			return e.storeFailure(l, "Failed to load active set", err)
		}
		next := nextUnpolled(pending, polled)
		if next == nil {
			return nil
		}
		polled[next.BuyOrderID] = struct{}{}

		if err := e.checkBuy(ctx, l.With(logger.Trade(next)...), next); err != nil {
			return err
		}
	}
}

func nextUnpolled(trades []*models.Trade, polled map[string]struct{}) *models.Trade {
	for _, t := range trades {
		if _, ok := polled[t.BuyOrderID]; !ok {
			return t
		}
	}
	return nil
}

func (e *Engine) checkBuy(ctx context.Context, l *zap.Logger, t *models.Trade) error {
	e.warnIfStale(l, t.BuyOrderID, t.BuyTimestamp)

	bctx, cancel := e.brokerContext(ctx)
	defer cancel()

	fill, err := e.gateway.PollFill(bctx, t.BuyOrderID)
	switch {
	case errors.Is(err, gateway.ErrOrderCanceled):
		l.Warn("Buy order ended without executing, dropping trade", zap.Error(err))
		err = e.store.Update(func(tx *store.Tx) error {
			_, err := tx.DropPending(t.BuyOrderID)
			return err
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return e.storeFailure(l, "Failed to drop canceled buy", err)
		}
		return nil
	case err != nil:
		l.Warn("Failed to poll buy order", zap.Error(err))
		return nil
	case !fill.Filled:
		l.Debug("Buy order not filled yet")
		return nil
	}

	now := e.clock.Now()
	err = e.store.Update(func(tx *store.Tx) error {
		_, err := tx.Promote(t.BuyOrderID, fill.Price, now)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		l.Debug("Buy already resolved")
		return nil
	}
	if err != nil {
		return e.storeFailure(l, "Failed to record buy fill", err)
	}

	l.Info("Buy order filled, position open", zap.String("buy_price", fill.Price.String()))
	e.logFill(l, tradelog.Fill{
		Timestamp: now,
		OrderID:   t.BuyOrderID,
		Symbol:    t.Symbol,
		Side:      robinhood.SideBuy,
		Quantity:  t.Quantity,
		BestBid:   t.BestBidBuy,
		BestAsk:   t.BestAskBuy,
		Estimated: t.EstimatedPriceBuy,
		Executed:  fill.Price,
	})
	return nil
}
