package trader

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"trade-tracker-go/internal/config"
	"trade-tracker-go/internal/models"
)

var one = decimal.NewFromInt(1)

// PolicyContext gives a policy a view of the active set.
type PolicyContext struct {
	Logger  *zap.Logger
	Cfg     *config.Trading
	Pending []*models.Trade
	Open    []*models.Trade
}

// EntryPolicy decides whether the buy scheduler opens a new position.
type EntryPolicy interface {
	// Name returns the unique name of the policy.
	Name() string

	// ShouldEnter is called once per buy cycle.
	ShouldEnter(ctx PolicyContext) bool
}

// ExitPolicy decides whether an OPEN position is sold at the current
// spread-adjusted bid.
type ExitPolicy interface {
	Name() string
	ShouldExit(t *models.Trade, bid decimal.Decimal) bool
}

// AlwaysEntry opens a position on every cycle.
type AlwaysEntry struct{}

func (AlwaysEntry) Name() string { return "always" }

func (AlwaysEntry) ShouldEnter(PolicyContext) bool { return true }

// MaxActiveEntry opens a position while the active set is below a limit.
type MaxActiveEntry struct {
	Max int
}

func (p MaxActiveEntry) Name() string { return "max_active" }

func (p MaxActiveEntry) ShouldEnter(ctx PolicyContext) bool {
	active := len(ctx.Pending) + len(ctx.Open)
	if active >= p.Max {
		ctx.Logger.Debug("Active set is full, not entering",
			zap.Int("active", active),
			zap.Int("max_active", p.Max))
		return false
	}
	return true
}

// FavorableExit sells once the bid has moved past the buy price by more than
// MinGain (a fraction of the buy price).
type FavorableExit struct {
	MinGain decimal.Decimal
}

func (p FavorableExit) Name() string { return "favorable" }

func (p FavorableExit) ShouldExit(t *models.Trade, bid decimal.Decimal) bool {
	return bid.GreaterThan(t.BuyPrice.Mul(one.Add(p.MinGain)))
}

// BracketExit sells when the bid reaches the take-profit level above the buy
// price or falls to the stop-loss level below it.
type BracketExit struct {
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

func (p BracketExit) Name() string { return "bracket" }

func (p BracketExit) ShouldExit(t *models.Trade, bid decimal.Decimal) bool {
	if bid.GreaterThanOrEqual(t.BuyPrice.Mul(one.Add(p.TakeProfit))) {
		return true
	}
	return bid.LessThanOrEqual(t.BuyPrice.Mul(one.Sub(p.StopLoss)))
}

// NewEntryPolicy returns the entry policy named by trading.entry_policy.
func NewEntryPolicy(cfg *config.Trading) (EntryPolicy, error) {
	switch cfg.EntryPolicy {
	case "always":
		return AlwaysEntry{}, nil
	case "max_active", "":
		if cfg.MaxActive <= 0 {
			return nil, fmt.Errorf("trading.max_active must be positive, got %d", cfg.MaxActive)
		}
		return MaxActiveEntry{Max: cfg.MaxActive}, nil
	default:
		return nil, fmt.Errorf("unknown entry policy %q", cfg.EntryPolicy)
	}
}

// NewExitPolicy returns the exit policy named by trading.exit_policy.
func NewExitPolicy(cfg *config.Trading) (ExitPolicy, error) {
	switch cfg.ExitPolicy {
	case "favorable", "":
		if cfg.MinGain.IsNegative() {
			return nil, fmt.Errorf("trading.min_gain cannot be negative, got %s", cfg.MinGain)
		}
		return FavorableExit{MinGain: cfg.MinGain}, nil
	case "bracket":
		if !cfg.StopLoss.IsPositive() || !cfg.TakeProfit.IsPositive() {
			return nil, fmt.Errorf("trading.stop_loss and trading.take_profit must be positive, got %s and %s", cfg.StopLoss, cfg.TakeProfit)
		}
		if cfg.StopLoss.GreaterThanOrEqual(one) {
			return nil, fmt.Errorf("trading.stop_loss must be below 1, got %s", cfg.StopLoss)
		}
		return BracketExit{StopLoss: cfg.StopLoss, TakeProfit: cfg.TakeProfit}, nil
	default:
		return nil, fmt.Errorf("unknown exit policy %q", cfg.ExitPolicy)
	}
}
