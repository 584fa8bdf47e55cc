package models

import (
	"time"

	"gorm.io/gorm"
)

// ClosedTrade is a completed round trip as mirrored into the history database.
// Prices are stored in their exact decimal string form.
type ClosedTrade struct {
	gorm.Model
	SellOrderID        string    `gorm:"uniqueIndex;not null" json:"sell_order_id"`
	BuyOrderID         string    `gorm:"index;not null" json:"buy_order_id"`
	Symbol             string    `gorm:"index;not null" json:"symbol"`
	Quantity           string    `json:"quantity"`
	BuyPrice           string    `json:"buy_price"`
	SellPrice          string    `json:"sell_price"`
	PnL                string    `json:"pnl"`
	WinLoss            string    `json:"win_loss"`
	BestBidBuy         string    `json:"best_bid_buy"`
	BestAskBuy         string    `json:"best_ask_buy"`
	EstimatedPriceBuy  string    `json:"estimated_price_buy"`
	BestBidSell        string    `json:"best_bid_sell"`
	BestAskSell        string    `json:"best_ask_sell"`
	EstimatedPriceSell string    `json:"estimated_price_sell"`
	BuyTimestamp       time.Time `json:"buy_timestamp"`
	SellTimestamp      time.Time `json:"sell_timestamp"`
}

// NewClosedTrade converts a CLOSED trade into its history row.
func NewClosedTrade(t *Trade) *ClosedTrade {
	return &ClosedTrade{
		SellOrderID:        t.SellOrderID,
		BuyOrderID:         t.BuyOrderID,
		Symbol:             t.Symbol,
		Quantity:           t.Quantity.String(),
		BuyPrice:           t.BuyPrice.String(),
		SellPrice:          t.SellPrice.Decimal.String(),
		PnL:                t.PnL.Decimal.String(),
		WinLoss:            t.WinLoss(),
		BestBidBuy:         t.BestBidBuy.String(),
		BestAskBuy:         t.BestAskBuy.String(),
		EstimatedPriceBuy:  t.EstimatedPriceBuy.String(),
		BestBidSell:        t.BestBidSell.Decimal.String(),
		BestAskSell:        t.BestAskSell.Decimal.String(),
		EstimatedPriceSell: t.EstimatedPriceSell.Decimal.String(),
		BuyTimestamp:       t.BuyTimestamp,
		SellTimestamp:      t.SellTimestamp,
	}
}
