package tradelog

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

var fillColumns = []string{
	"timestamp",
	"order_id",
	"symbol",
	"side",
	"quantity",
	"order_type",
	"best_bid",
	"best_ask",
	"estimated_price",
	"execution_price",
	"estimated_slippage",
	"estimated_slippage_pct",
	"actual_slippage",
	"actual_slippage_pct",
}

// Fill is an executed order together with the quote seen at submission.
type Fill struct {
	Timestamp time.Time
	OrderID   string
	Symbol    string
	Side      string
	Quantity  decimal.Decimal
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Estimated decimal.Decimal
	Executed  decimal.Decimal
}

// Slippage is measured against the best ask for buys and the best bid for
// sells, in price units and in percent of that reference.
type Slippage struct {
	Estimated    decimal.Decimal
	EstimatedPct decimal.Decimal
	Actual       decimal.Decimal
	ActualPct    decimal.Decimal
}

func (f Fill) Slippage() Slippage {
	reference := f.BestBid
	if f.Side == "buy" {
		reference = f.BestAsk
	}
	s := Slippage{
		Estimated: f.Estimated.Sub(reference),
		Actual:    f.Executed.Sub(reference),
	}
	if reference.IsPositive() {
		s.EstimatedPct = s.Estimated.Div(reference).Mul(hundred)
		s.ActualPct = s.Actual.Div(reference).Mul(hundred)
	}
	return s
}

// LogFill appends an executed order to the day's fill log.
func (l *Logger) LogFill(f Fill) error {
	s := f.Slippage()
	row := []string{
		f.Timestamp.Format(timeLayout),
		f.OrderID,
		f.Symbol,
		f.Side,
		f.Quantity.String(),
		"market",
		f.BestBid.String(),
		f.BestAsk.String(),
		f.Estimated.String(),
		f.Executed.String(),
		s.Estimated.String(),
		s.EstimatedPct.StringFixed(4),
		s.Actual.String(),
		s.ActualPct.StringFixed(4),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, fillLogPrefix+f.Timestamp.Format(dateLayout)+".csv")
	if err := appendRow(path, fillColumns, row); err != nil {
		return fmt.Errorf("failed to append fill %s: %w", f.OrderID, err)
	}
	l.logger.Debug("Order fill logged",
		zap.String("order_id", f.OrderID),
		zap.String("side", f.Side),
		zap.String("execution_price", f.Executed.String()),
		zap.String("actual_slippage", s.Actual.String()))
	return nil
}
