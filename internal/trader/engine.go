package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"trade-tracker-go/internal/config"
	"trade-tracker-go/internal/gateway"
	"trade-tracker-go/internal/schedule"
	"trade-tracker-go/internal/store"
	"trade-tracker-go/internal/tradelog"
)

// Engine drives the trade lifecycle: the buy scheduler opens positions, the
// pending monitor confirms buy fills and the exit monitor sells and closes.
type Engine struct {
	logger  *zap.Logger
	cfg     *config.Config
	gateway gateway.Gateway
	store   *store.Store
	history *tradelog.Logger
	clock   clockwork.Clock
	entry   EntryPolicy
	exit    ExitPolicy

	// sellSeen is when each outstanding sell order was first observed.
	// Only the exit monitor touches it.
	sellSeen map[string]time.Time
}

// NewEngine creates a new trading engine.
func NewEngine(logger *zap.Logger, cfg *config.Config, gw gateway.Gateway, st *store.Store, history *tradelog.Logger, clock clockwork.Clock) (*Engine, error) {
	entry, err := NewEntryPolicy(&cfg.Trading)
	if err != nil {
		return nil, err
	}
	exit, err := NewExitPolicy(&cfg.Trading)
	if err != nil {
		return nil, err
	}
	return &Engine{
		logger:   logger.Named("engine"),
		cfg:      cfg,
		gateway:  gw,
		store:    st,
		history:  history,
		clock:    clock,
		entry:    entry,
		exit:     exit,
		sellSeen: make(map[string]time.Time),
	}, nil
}

// Run starts the lifecycle tasks and blocks until ctx is cancelled or the
// trade store turns out to be corrupt. Only the latter is returned as an
// error.
func (e *Engine) Run(ctx context.Context) error {
	pending, open, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("could not load active set: %w", err)
	}
	e.logger.Info("Starting trade lifecycle",
		zap.String("symbol", e.cfg.Trading.Symbol),
		zap.String("quantity", e.cfg.Trading.Quantity.String()),
		zap.String("entry_policy", e.entry.Name()),
		zap.String("exit_policy", e.exit.Name()),
		zap.Int("pending", len(pending)),
		zap.Int("open", len(open)),
		zap.String("store", e.store.Path()))

	sched := e.cfg.Schedule
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return schedule.Every(gctx, e.clock, schedule.Interval{Base: sched.BuyInterval, Jitter: sched.BuyJitter}, e.buyCycle)
	})
	g.Go(func() error {
		return schedule.Every(gctx, e.clock, schedule.Fixed(sched.PendingInterval), e.pendingCycle)
	})
	g.Go(func() error {
		return schedule.Every(gctx, e.clock, schedule.Fixed(sched.ExitInterval), e.exitCycle)
	})

	if err := g.Wait(); err != nil {
		e.logger.Error("Trade lifecycle stopped", zap.Error(err))
		return err
	}
	e.logger.Info("Trade lifecycle stopped")
	return nil
}

// brokerContext bounds a broker call without tying it to shutdown, so a call
// that is already in flight completes.
func (e *Engine) brokerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Schedule.BrokerTimeout)
}

// storeFailure returns err if it is fatal for the process and logs it
// otherwise.
func (e *Engine) storeFailure(l *zap.Logger, msg string, err error) error {
	if errors.Is(err, store.ErrCorrupt) {
		l.Error("Trade store is corrupt", zap.Error(err))
		return err
	}
	l.Error(msg, zap.Error(err))
	return nil
}

// warnIfStale raises the staleness alarm for an order outstanding since
// since. Polling continues regardless.
func (e *Engine) warnIfStale(l *zap.Logger, orderID string, since time.Time) {
	limit := e.cfg.Schedule.StaleAfter
	if limit <= 0 || since.IsZero() {
		return
	}
	if age := e.clock.Since(since); age > limit {
		l.Warn("Order has been outstanding longer than expected",
			zap.String("order_id", orderID),
			zap.Duration("age", age),
			zap.Duration("stale_after", limit))
	}
}

// logFill records the slippage of a confirmed fill. Failures are only logged.
func (e *Engine) logFill(l *zap.Logger, fill tradelog.Fill) {
	if err := e.history.LogFill(fill); err != nil {
		l.Warn("Failed to log order fill", zap.Error(err))
	}
}
