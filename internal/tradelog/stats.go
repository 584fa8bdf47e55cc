package tradelog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"trade-tracker-go/internal/models"
)

// StatsDetail holds the statistics of a period.
type StatsDetail struct {
	TotalTrades      int64           `json:"total_trades"`
	ProfitableTrades int64           `json:"profitable_trades"`
	WinRate          decimal.Decimal `json:"win_rate"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
	AveragePnL       decimal.Decimal `json:"average_pnl"`
}

// Statistics summarizes the closed trade history.
type Statistics struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

func (s *StatsDetail) add(pnl decimal.Decimal) {
	s.TotalTrades++
	if pnl.IsPositive() {
		s.ProfitableTrades++
	}
	s.TotalProfit = s.TotalProfit.Add(pnl)
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = decimal.NewFromInt(s.ProfitableTrades).DivRound(decimal.NewFromInt(s.TotalTrades), 4)
		s.AveragePnL = s.TotalProfit.DivRound(decimal.NewFromInt(s.TotalTrades), 8)
	}
}

// ComputeStatistics summarizes trades as of now.
func ComputeStatistics(trades []models.ClosedTrade, now time.Time) (Statistics, error) {
	var stats Statistics
	since24h := now.Add(-24 * time.Hour)
	for _, trade := range trades {
		pnl, err := decimal.NewFromString(trade.PnL)
		if err != nil {
			return Statistics{}, fmt.Errorf("invalid pnl %q for sell order %s: %w", trade.PnL, trade.SellOrderID, err)
		}
		stats.AllTime.add(pnl)
		if trade.SellTimestamp.After(since24h) {
			stats.Since24h.add(pnl)
		}
	}
	stats.AllTime.finish()
	stats.Since24h.finish()
	return stats, nil
}

// LoadHistory returns the closed trades mirrored in the history database,
// most recent first.
func LoadHistory(db *gorm.DB) ([]models.ClosedTrade, error) {
	var trades []models.ClosedTrade
	if err := db.Order("sell_timestamp desc").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to load trade history: %w", err)
	}
	return trades, nil
}

// ReadHistory reads the closed trades from the CSV logs in dir, most recent
// first. Unreadable rows are skipped.
func ReadHistory(dir string) ([]models.ClosedTrade, error) {
	paths, err := filepath.Glob(filepath.Join(dir, tradeLogPrefix+"*.csv"))
	if err != nil {
		return nil, err
	}

	var trades []models.ClosedTrade
	seen := make(map[string]struct{})
	for _, path := range paths {
		rows, err := readRows(path)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			trade, ok := decodeClosed(row)
			if !ok {
				continue
			}
			if _, dup := seen[trade.SellOrderID]; dup {
				continue
			}
			seen[trade.SellOrderID] = struct{}{}
			trades = append(trades, trade)
		}
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].SellTimestamp.After(trades[j].SellTimestamp)
	})
	return trades, nil
}

func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		rows = append(rows, row)
	}
}

func decodeClosed(row []string) (models.ClosedTrade, bool) {
	if len(row) != len(tradeColumns) || row[sellIDColumn] == tradeColumns[sellIDColumn] {
		return models.ClosedTrade{}, false
	}
	buyAt, err := time.Parse(timeLayout, row[0])
	if err != nil {
		return models.ClosedTrade{}, false
	}
	sellAt, err := time.Parse(timeLayout, row[2])
	if err != nil {
		return models.ClosedTrade{}, false
	}
	return models.ClosedTrade{
		BuyTimestamp:       buyAt,
		BuyOrderID:         row[1],
		SellTimestamp:      sellAt,
		SellOrderID:        row[3],
		Symbol:             row[4],
		Quantity:           row[5],
		BuyPrice:           row[6],
		SellPrice:          row[7],
		PnL:                row[8],
		WinLoss:            row[9],
		BestBidBuy:         row[10],
		BestAskBuy:         row[11],
		EstimatedPriceBuy:  row[12],
		BestBidSell:        row[13],
		BestAskSell:        row[14],
		EstimatedPriceSell: row[15],
	}, true
}
