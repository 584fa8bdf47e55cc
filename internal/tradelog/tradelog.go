// Package tradelog is the append-only history of closed trades and order
// fills.
package tradelog

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"trade-tracker-go/internal/models"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339Nano

	tradeLogPrefix = "trade_log_"
	fillLogPrefix  = "fills_"
	sellIDColumn   = 3
)

var tradeColumns = []string{
	"buy_timestamp",
	"buy_order_id",
	"sell_timestamp",
	"sell_order_id",
	"symbol",
	"quantity",
	"buy_price",
	"sell_price",
	"pnl",
	"win_loss",
	"best_bid_buy",
	"best_ask_buy",
	"estimated_price_buy",
	"best_bid_sell",
	"best_ask_sell",
	"estimated_price_sell",
}

// Logger appends closed trades to a per-day CSV file and, when a database is
// configured, mirrors them into the history table.
type Logger struct {
	mu     sync.Mutex
	dir    string
	db     *gorm.DB
	logger *zap.Logger
	seen   map[string]struct{}
}

// New creates the log directory and indexes the sell order ids already
// recorded there. db may be nil.
func New(dir string, db *gorm.DB, logger *zap.Logger) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trade log directory: %w", err)
	}
	l := &Logger{
		dir:    dir,
		db:     db,
		logger: logger.Named("tradelog"),
		seen:   make(map[string]struct{}),
	}
	if err := l.index(); err != nil {
		return nil, err
	}
	return l, nil
}

// LogClosed appends a CLOSED trade. A trade whose sell order id is already
// recorded is not written again.
func (l *Logger) LogClosed(t *models.Trade) error {
	if t.Status != models.StatusClosed {
		return fmt.Errorf("cannot log %s trade %s", t.Status, t.BuyOrderID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[t.SellOrderID]; !ok {
		path := filepath.Join(l.dir, tradeLogPrefix+t.SellTimestamp.Format(dateLayout)+".csv")
		if err := appendRow(path, tradeColumns, encodeClosed(t)); err != nil {
			return fmt.Errorf("failed to append trade %s: %w", t.SellOrderID, err)
		}
		l.seen[t.SellOrderID] = struct{}{}
		l.logger.Info("Trade closed",
			zap.String("symbol", t.Symbol),
			zap.String("buy_order_id", t.BuyOrderID),
			zap.String("sell_order_id", t.SellOrderID),
			zap.String("pnl", t.PnL.Decimal.String()),
			zap.String("result", t.WinLoss()))
	}

	l.mirror(t)
	return nil
}

// Recorded reports whether a trade with this sell order id is in the log.
func (l *Logger) Recorded(sellOrderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[sellOrderID]
	return ok
}

// mirror inserts the history row, ignoring duplicates. The CSV log is
// authoritative, so a database failure is only logged.
func (l *Logger) mirror(t *models.Trade) {
	if l.db == nil {
		return
	}
	err := l.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sell_order_id"}},
		DoNothing: true,
	}).Create(models.NewClosedTrade(t)).Error
	if err != nil {
		l.logger.Error("Failed to mirror closed trade",
			zap.String("buy_order_id", t.BuyOrderID),
			zap.String("sell_order_id", t.SellOrderID),
			zap.Error(err))
	}
}

func (l *Logger) index() error {
	paths, err := filepath.Glob(filepath.Join(l.dir, tradeLogPrefix+"*.csv"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		for {
			row, err := r.Read()
			if err == io.EOF {
				break
			}
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				l.logger.Warn("Skipping unreadable trade log row", zap.String("path", path), zap.Error(err))
				continue
			}
			if err != nil {
				f.Close()
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			// A row torn by a crash is not a record; the retried close appends it again.
			if trade, ok := decodeClosed(row); ok && trade.SellOrderID != "" {
				l.seen[trade.SellOrderID] = struct{}{}
			}
		}
		f.Close()
	}
	return nil
}

func encodeClosed(t *models.Trade) []string {
	return []string{
		t.BuyTimestamp.Format(timeLayout),
		t.BuyOrderID,
		t.SellTimestamp.Format(timeLayout),
		t.SellOrderID,
		t.Symbol,
		t.Quantity.String(),
		t.BuyPrice.String(),
		t.SellPrice.Decimal.String(),
		t.PnL.Decimal.String(),
		t.WinLoss(),
		t.BestBidBuy.String(),
		t.BestAskBuy.String(),
		t.EstimatedPriceBuy.String(),
		t.BestBidSell.Decimal.String(),
		t.BestAskSell.Decimal.String(),
		t.EstimatedPriceSell.Decimal.String(),
	}
}

// appendRow writes row (and the header, for a new file) with a single write
// followed by fsync. A row torn by an earlier crash is terminated first so
// the new row starts on its own line.
func appendRow(path string, header, row []string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if info.Size() == 0 {
		w := csv.NewWriter(&buf)
		if err := w.Write(header); err != nil {
			return err
		}
		w.Flush()
	} else {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil {
			return err
		}
		if last[0] != '\n' {
			buf.WriteByte('\n')
		}
	}

	w := csv.NewWriter(&buf)
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.Sync()
}
