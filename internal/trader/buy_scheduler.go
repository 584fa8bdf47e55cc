package trader

import (
	"context"

	"go.uber.org/zap"
	"trade-tracker-go/internal/logger"
	"trade-tracker-go/internal/models"
	"trade-tracker-go/internal/robinhood"
	"trade-tracker-go/internal/store"
)

// buyCycle is one run of the buy scheduler. A failed quote or submission
// skips the cycle; nothing is persisted for an order that was not accepted.
func (e *Engine) buyCycle(ctx context.Context) error {
	symbol := e.cfg.Trading.Symbol
	quantity := e.cfg.Trading.Quantity
	l := e.logger.Named("buy").With(zap.String("symbol", symbol))

	pending, open, err := e.store.Load()
	if err != nil {
		return e.storeFailure(l, "Failed to load active set", err)
	}
	if !e.entry.ShouldEnter(PolicyContext{Logger: l, Cfg: &e.cfg.Trading, Pending: pending, Open: open}) {
		return nil
	}

	bctx, cancel := e.brokerContext(ctx)
	defer cancel()

	snap, err := e.gateway.Snapshot(bctx, symbol, robinhood.SideAsk, quantity)
	if err != nil {
		l.Warn("Quote unavailable, skipping buy cycle", zap.Error(err))
		return nil
	}
	if ctx.Err() != nil {
		l.Info("Shutting down, not submitting buy order")
		return nil
	}

	orderID, err := e.gateway.SubmitMarketOrder(bctx, symbol, robinhood.SideBuy, quantity)
	if err != nil {
		l.Error("Failed to submit buy order", zap.Error(err))
		return nil
	}

	trade := models.NewPendingTrade(symbol, quantity, orderID, snap, e.clock.Now())
	l = l.With(logger.Trade(trade)...)
	err = e.store.Update(func(tx *store.Tx) error {
		return tx.AddPending(trade)
	})
	if err != nil {
		return e.storeFailure(l, "Buy order submitted but could not be recorded", err)
	}

	l.Info("Buy order submitted",
		zap.String("quantity", quantity.String()),
		zap.String("estimated_price", snap.Estimated.String()),
		zap.String("best_ask", snap.BestAsk.String()))
	return nil
}
