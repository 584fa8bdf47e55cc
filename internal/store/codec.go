package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"trade-tracker-go/internal/models"
)

// columns is the header row of a trades file; one column per Trade attribute
// plus status.
var columns = []string{
	"symbol",
	"quantity",
	"buy_order_id",
	"buy_price",
	"best_bid_buy",
	"best_ask_buy",
	"estimated_price_buy",
	"sell_order_id",
	"sell_price",
	"best_bid_sell",
	"best_ask_sell",
	"estimated_price_sell",
	"buy_timestamp",
	"sell_timestamp",
	"pnl",
	"status",
}

const timeLayout = time.RFC3339Nano

func encodeTrade(t *models.Trade) []string {
	return []string{
		t.Symbol,
		t.Quantity.String(),
		t.BuyOrderID,
		t.BuyPrice.String(),
		t.BestBidBuy.String(),
		t.BestAskBuy.String(),
		t.EstimatedPriceBuy.String(),
		t.SellOrderID,
		nullString(t.SellPrice),
		nullString(t.BestBidSell),
		nullString(t.BestAskSell),
		nullString(t.EstimatedPriceSell),
		timeString(t.BuyTimestamp),
		timeString(t.SellTimestamp),
		nullString(t.PnL),
		string(t.Status),
	}
}

func decodeTrade(row []string) (*models.Trade, error) {
	var (
		t   models.Trade
		err error
	)
	p := fieldParser{row: row}
	t.Symbol = row[0]
	t.Quantity = p.decimal(1)
	t.BuyOrderID = row[2]
	t.BuyPrice = p.decimal(3)
	t.BestBidBuy = p.decimal(4)
	t.BestAskBuy = p.decimal(5)
	t.EstimatedPriceBuy = p.decimal(6)
	t.SellOrderID = row[7]
	t.SellPrice = p.nullDecimal(8)
	t.BestBidSell = p.nullDecimal(9)
	t.BestAskSell = p.nullDecimal(10)
	t.EstimatedPriceSell = p.nullDecimal(11)
	t.BuyTimestamp = p.time(12)
	t.SellTimestamp = p.time(13)
	t.PnL = p.nullDecimal(14)
	if p.err != nil {
		return nil, p.err
	}
	if t.Status, err = models.ParseStatus(row[15]); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// fieldParser keeps the first parse error so decodeTrade reads linearly.
type fieldParser struct {
	row []string
	err error
}

func (p *fieldParser) fail(i int, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("column %s: %w", columns[i], err)
	}
}

func (p *fieldParser) decimal(i int) decimal.Decimal {
	v, err := decimal.NewFromString(p.row[i])
	if err != nil {
		p.fail(i, err)
	}
	return v
}

func (p *fieldParser) nullDecimal(i int) decimal.NullDecimal {
	if p.row[i] == "" {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(p.decimal(i))
}

func (p *fieldParser) time(i int) time.Time {
	if p.row[i] == "" {
		return time.Time{}
	}
	v, err := time.Parse(timeLayout, p.row[i])
	if err != nil {
		p.fail(i, err)
	}
	return v
}

func nullString(v decimal.NullDecimal) string {
	if !v.Valid {
		return ""
	}
	return v.Decimal.String()
}

func timeString(v time.Time) string {
	if v.IsZero() {
		return ""
	}
	return v.UTC().Format(timeLayout)
}

// readTrades decodes every row of a trades file. Any malformed content is
// reported as ErrCorrupt; nothing is skipped.
func readTrades(r io.Reader) ([]*models.Trade, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(columns)

	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: missing header row", ErrCorrupt)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if strings.Join(head, ",") != strings.Join(columns, ",") {
		return nil, fmt.Errorf("%w: unexpected header %q", ErrCorrupt, strings.Join(head, ","))
	}

	var trades []*models.Trade
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, line, err)
		}
		t, err := decodeTrade(row)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, line, err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func writeTrades(w io.Writer, trades []*models.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	for _, t := range trades {
		if err := cw.Write(encodeTrade(t)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
