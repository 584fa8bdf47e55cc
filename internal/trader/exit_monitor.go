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

// exitCycle visits every OPEN record once: an outstanding sell is polled,
// otherwise the exit policy is evaluated against a fresh bid quote.
func (e *Engine) exitCycle(ctx context.Context) error {
	l := e.logger.Named("exit")

	_, open, err := e.store.Load()
	if err != nil {
		return e.storeFailure(l, "Failed to load active set", err)
	}

	outstanding := make(map[string]struct{}, len(open))
	for _, t := range open {
		tl := l.With(logger.Trade(t)...)
		if t.HasOutstandingSell() {
			outstanding[t.SellOrderID] = struct{}{}
			err = e.checkSell(ctx, tl, t)
		} else {
			err = e.evaluateExit(ctx, tl, t)
		}
		if err != nil {
			return err
		}
	}

	for id := range e.sellSeen {
		if _, ok := outstanding[id]; !ok {
			delete(e.sellSeen, id)
		}
	}
	return nil
}

func (e *Engine) evaluateExit(ctx context.Context, l *zap.Logger, t *models.Trade) error {
	bctx, cancel := e.brokerContext(ctx)
	defer cancel()

	snap, err := e.gateway.Snapshot(bctx, t.Symbol, robinhood.SideBid, t.Quantity)
	if err != nil {
		l.Warn("Quote unavailable, skipping exit check", zap.Error(err))
		return nil
	}
	if !e.exit.ShouldExit(t, snap.Estimated) {
		l.Debug("Exit condition not met",
			zap.String("buy_price", t.BuyPrice.String()),
			zap.String("bid", snap.Estimated.String()))
		return nil
	}
	if ctx.Err() != nil {
		l.Info("Shutting down, not submitting sell order")
		return nil
	}

	sellID, err := e.gateway.SubmitMarketOrder(bctx, t.Symbol, robinhood.SideSell, t.Quantity)
	if err != nil {
		l.Error("Failed to submit sell order", zap.Error(err))
		return nil
	}
	l = l.With(zap.String("sell_order_id", sellID))

	err = e.store.Update(func(tx *store.Tx) error {
		_, err := tx.AttachSell(t.BuyOrderID, sellID, snap)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			return e.storeFailure(l, "Failed to record sell order", err)
		}
		l.Error("Sell order submitted but could not be recorded, canceling it", zap.Error(err))
		if cerr := e.gateway.Cancel(bctx, sellID); cerr != nil {
			l.Error("Failed to cancel unrecorded sell order", zap.Error(cerr))
		}
		return nil
	}

	e.sellSeen[sellID] = e.clock.Now()
	l.Info("Sell order submitted",
		zap.String("buy_price", t.BuyPrice.String()),
		zap.String("bid", snap.Estimated.String()),
		zap.String("exit_policy", e.exit.Name()))
	return nil
}

// checkSell polls an outstanding sell. On fill the trade is closed, written
// to the trade log and then removed from the active set, all under the store
// lock.
func (e *Engine) checkSell(ctx context.Context, l *zap.Logger, t *models.Trade) error {
	since, ok := e.sellSeen[t.SellOrderID]
	if !ok {
		since = e.clock.Now()
		e.sellSeen[t.SellOrderID] = since
	}
	e.warnIfStale(l, t.SellOrderID, since)

	bctx, cancel := e.brokerContext(ctx)
	defer cancel()

	fill, err := e.gateway.PollFill(bctx, t.SellOrderID)
	switch {
	case errors.Is(err, gateway.ErrOrderCanceled):
		l.Warn("Sell order ended without executing, position stays open", zap.Error(err))
		err = e.store.Update(func(tx *store.Tx) error {
			_, err := tx.DetachSell(t.BuyOrderID, t.SellOrderID)
			return err
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return e.storeFailure(l, "Failed to detach canceled sell", err)
		}
		delete(e.sellSeen, t.SellOrderID)
		return nil
	case err != nil:
		l.Warn("Failed to poll sell order", zap.Error(err))
		return nil
	case !fill.Filled:
		l.Debug("Sell order not filled yet")
		return nil
	}

	now := e.clock.Now()
	var closed *models.Trade
	err = e.store.Update(func(tx *store.Tx) error {
		var err error
		closed, err = tx.Close(t.BuyOrderID, t.SellOrderID, fill.Price, now)
		if err != nil {
			return err
		}
		return e.history.LogClosed(closed)
	})
	if errors.Is(err, store.ErrNotFound) {
		l.Debug("Sell already resolved")
		return nil
	}
	if err != nil {
		return e.storeFailure(l, "Failed to record sell fill", err)
	}
	delete(e.sellSeen, t.SellOrderID)

	l.Info("Sell order filled, trade closed",
		zap.String("buy_price", closed.BuyPrice.String()),
		zap.String("sell_price", closed.SellPrice.Decimal.String()),
		zap.String("pnl", closed.PnL.Decimal.String()),
		zap.String("result", closed.WinLoss()))
	e.logFill(l, tradelog.Fill{
		Timestamp: now,
		OrderID:   closed.SellOrderID,
		Symbol:    closed.Symbol,
		Side:      robinhood.SideSell,
		Quantity:  closed.Quantity,
		BestBid:   closed.BestBidSell.Decimal,
		BestAsk:   closed.BestAskSell.Decimal,
		Estimated: closed.EstimatedPriceSell.Decimal,
		Executed:  fill.Price,
	})
	return nil
}
