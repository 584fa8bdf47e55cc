package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a Trade.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
)

// ParseStatus converts the persisted form of a status back into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusOpen, StatusClosed:
		return st, nil
	}
	return "", fmt.Errorf("unknown trade status %q", s)
}

// ErrInvalidTransition is returned when a lifecycle method is called on a
// trade that is not in the state the transition starts from.
var ErrInvalidTransition = errors.New("invalid trade transition")

// QuoteSnapshot is the point-in-time quote captured when an order is submitted.
type QuoteSnapshot struct {
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Estimated decimal.Decimal
}

// Trade represents one round-trip position: a market buy followed by a
// market sell of the same quantity.
type Trade struct {
	Symbol     string
	Quantity   decimal.Decimal
	BuyOrderID string
	BuyPrice   decimal.Decimal

	BestBidBuy        decimal.Decimal
	BestAskBuy        decimal.Decimal
	EstimatedPriceBuy decimal.Decimal

	// SellOrderID is empty until a sell order has been submitted.
	SellOrderID string
	SellPrice   decimal.NullDecimal

	BestBidSell        decimal.NullDecimal
	BestAskSell        decimal.NullDecimal
	EstimatedPriceSell decimal.NullDecimal

	BuyTimestamp  time.Time
	SellTimestamp time.Time

	PnL    decimal.NullDecimal
	Status Status
}

// NewPendingTrade creates the record for a freshly submitted buy order.
func NewPendingTrade(symbol string, quantity decimal.Decimal, buyOrderID string, snap QuoteSnapshot, now time.Time) *Trade {
	return &Trade{
		Symbol:            symbol,
		Quantity:          quantity,
		BuyOrderID:        buyOrderID,
		BuyPrice:          decimal.Zero,
		BestBidBuy:        snap.BestBid,
		BestAskBuy:        snap.BestAsk,
		EstimatedPriceBuy: snap.Estimated,
		BuyTimestamp:      now,
		Status:            StatusPending,
	}
}

// Promote records the buy fill and moves the trade from PENDING to OPEN.
func (t *Trade) Promote(fillPrice decimal.Decimal, at time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: promote %s trade %s", ErrInvalidTransition, t.Status, t.BuyOrderID)
	}
	if !fillPrice.IsPositive() {
		return fmt.Errorf("buy fill price must be positive, got %s", fillPrice)
	}
	t.BuyPrice = fillPrice
	t.BuyTimestamp = at
	t.Status = StatusOpen
	return nil
}

// AttachSell records a submitted sell order on an OPEN trade. A trade can
// carry at most one outstanding sell order.
func (t *Trade) AttachSell(sellOrderID string, snap QuoteSnapshot) error {
	if t.Status != StatusOpen {
		return fmt.Errorf("%w: attach sell to %s trade %s", ErrInvalidTransition, t.Status, t.BuyOrderID)
	}
	if t.SellOrderID != "" {
		return fmt.Errorf("%w: trade %s already has sell order %s", ErrInvalidTransition, t.BuyOrderID, t.SellOrderID)
	}
	if sellOrderID == "" {
		return errors.New("sell order id cannot be empty")
	}
	t.SellOrderID = sellOrderID
	t.BestBidSell = decimal.NewNullDecimal(snap.BestBid)
	t.BestAskSell = decimal.NewNullDecimal(snap.BestAsk)
	t.EstimatedPriceSell = decimal.NewNullDecimal(snap.Estimated)
	return nil
}

// DetachSell forgets a sell order that the broker reported as terminally
// failed without executing, so the position can be exited again.
func (t *Trade) DetachSell() {
	if t.Status != StatusOpen {
		return
	}
	t.SellOrderID = ""
	t.BestBidSell = decimal.NullDecimal{}
	t.BestAskSell = decimal.NullDecimal{}
	t.EstimatedPriceSell = decimal.NullDecimal{}
}

// Close records the sell fill, computes the PnL and moves the trade to CLOSED.
func (t *Trade) Close(fillPrice decimal.Decimal, at time.Time) error {
	if t.Status != StatusOpen || t.SellOrderID == "" {
		return fmt.Errorf("%w: close %s trade %s (sell order %q)", ErrInvalidTransition, t.Status, t.BuyOrderID, t.SellOrderID)
	}
	if !fillPrice.IsPositive() {
		return fmt.Errorf("sell fill price must be positive, got %s", fillPrice)
	}
	t.SellPrice = decimal.NewNullDecimal(fillPrice)
	t.SellTimestamp = at
	t.PnL = decimal.NewNullDecimal(ComputePnL(t.BuyPrice, fillPrice, t.Quantity))
	t.Status = StatusClosed
	return nil
}

// HasOutstandingSell reports whether a sell order was submitted but has not
// been confirmed yet.
func (t *Trade) HasOutstandingSell() bool {
	return t.Status == StatusOpen && t.SellOrderID != ""
}

func (t *Trade) IsClosed() bool {
	return t.Status == StatusClosed
}

// WinLoss returns the win/loss label of a closed trade, or "" if it is not
// closed.
func (t *Trade) WinLoss() string {
	if !t.PnL.Valid {
		return ""
	}
	return WinLoss(t.PnL.Decimal)
}

// Validate checks the status invariants of a single record.
func (t *Trade) Validate() error {
	if t.Symbol == "" {
		return errors.New("symbol is empty")
	}
	if t.BuyOrderID == "" {
		return errors.New("buy_order_id is empty")
	}
	if !t.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", t.Quantity)
	}
	switch t.Status {
	case StatusPending:
		if t.SellOrderID != "" || !t.BuyPrice.IsZero() {
			return errors.New("pending trade must have zero buy_price and no sell order")
		}
		if t.SellPrice.Valid || t.PnL.Valid {
			return errors.New("pending trade cannot carry sell fill data")
		}
	case StatusOpen:
		if !t.BuyPrice.IsPositive() {
			return errors.New("open trade must have a positive buy_price")
		}
		if t.SellPrice.Valid || t.PnL.Valid {
			return errors.New("open trade cannot carry sell fill data")
		}
	case StatusClosed:
		if t.SellOrderID == "" || !t.SellPrice.Valid || !t.PnL.Valid {
			return errors.New("closed trade must carry sell order, sell price and pnl")
		}
		if want := ComputePnL(t.BuyPrice, t.SellPrice.Decimal, t.Quantity); !want.Equal(t.PnL.Decimal) {
			return fmt.Errorf("pnl %s does not match (sell-buy)*qty = %s", t.PnL.Decimal, want)
		}
	default:
		return fmt.Errorf("unknown trade status %q", t.Status)
	}
	return nil
}

// ComputePnL returns (sell - buy) * quantity.
func ComputePnL(buy, sell, quantity decimal.Decimal) decimal.Decimal {
	return sell.Sub(buy).Mul(quantity)
}

// WinLoss labels a realized PnL. Break-even counts as a loss.
func WinLoss(pnl decimal.Decimal) string {
	if pnl.IsPositive() {
		return "Win"
	}
	return "Loss"
}
