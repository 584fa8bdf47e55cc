package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"trade-tracker-go/internal/models"
)

// ErrNotFound is returned by Tx methods when the record is no longer in the
// expected list, usually because another monitor already moved it.
var ErrNotFound = errors.New("trade not found in active set")

// Tx is the active set as seen inside Update. Its methods perform one
// lifecycle transition each and mark the set for saving.
type Tx struct {
	Pending []*models.Trade
	Open    []*models.Trade

	closed []*models.Trade
	dirty  bool
}

// AddPending appends a newly submitted buy.
func (tx *Tx) AddPending(t *models.Trade) error {
	if t.Status != models.StatusPending {
		return fmt.Errorf("cannot add %s trade %s as pending", t.Status, t.BuyOrderID)
	}
	if tx.FindPending(t.BuyOrderID) != nil || tx.FindOpen(t.BuyOrderID) != nil {
		return fmt.Errorf("buy order %s is already tracked", t.BuyOrderID)
	}
	tx.Pending = append(tx.Pending, t)
	tx.dirty = true
	return nil
}

// FindPending returns the PENDING record for buyOrderID, or nil.
func (tx *Tx) FindPending(buyOrderID string) *models.Trade {
	return find(tx.Pending, buyOrderID)
}

// FindOpen returns the OPEN record for buyOrderID, or nil.
func (tx *Tx) FindOpen(buyOrderID string) *models.Trade {
	return find(tx.Open, buyOrderID)
}

// Promote moves a PENDING record to the open list with its buy fill.
func (tx *Tx) Promote(buyOrderID string, price decimal.Decimal, at time.Time) (*models.Trade, error) {
	i := index(tx.Pending, buyOrderID)
	if i < 0 {
		return nil, fmt.Errorf("%w: pending buy %s", ErrNotFound, buyOrderID)
	}
	t := tx.Pending[i]
	if err := t.Promote(price, at); err != nil {
		return nil, err
	}
	tx.Pending = remove(tx.Pending, i)
	tx.Open = append(tx.Open, t)
	tx.dirty = true
	return t, nil
}

// DropPending forgets a PENDING record whose buy order never executed.
func (tx *Tx) DropPending(buyOrderID string) (*models.Trade, error) {
	i := index(tx.Pending, buyOrderID)
	if i < 0 {
		return nil, fmt.Errorf("%w: pending buy %s", ErrNotFound, buyOrderID)
	}
	t := tx.Pending[i]
	tx.Pending = remove(tx.Pending, i)
	tx.dirty = true
	return t, nil
}

// AttachSell records a submitted sell order on an OPEN record.
func (tx *Tx) AttachSell(buyOrderID, sellOrderID string, snap models.QuoteSnapshot) (*models.Trade, error) {
	t := tx.FindOpen(buyOrderID)
	if t == nil {
		return nil, fmt.Errorf("%w: open buy %s", ErrNotFound, buyOrderID)
	}
	for _, other := range tx.Open {
		if sellOrderID != "" && other.SellOrderID == sellOrderID {
			return nil, fmt.Errorf("sell order %s is already attached to %s", sellOrderID, other.BuyOrderID)
		}
	}
	if err := t.AttachSell(sellOrderID, snap); err != nil {
		return nil, err
	}
	tx.dirty = true
	return t, nil
}

// DetachSell clears a sell order that failed without executing.
func (tx *Tx) DetachSell(buyOrderID, sellOrderID string) (*models.Trade, error) {
	t := tx.FindOpen(buyOrderID)
	if t == nil || t.SellOrderID != sellOrderID {
		return nil, fmt.Errorf("%w: open buy %s with sell %s", ErrNotFound, buyOrderID, sellOrderID)
	}
	t.DetachSell()
	tx.dirty = true
	return t, nil
}

// Close records the sell fill, removes the record from the open list and
// queues it for the CLOSED history.
func (tx *Tx) Close(buyOrderID, sellOrderID string, price decimal.Decimal, at time.Time) (*models.Trade, error) {
	i := index(tx.Open, buyOrderID)
	if i < 0 || tx.Open[i].SellOrderID != sellOrderID {
		return nil, fmt.Errorf("%w: open buy %s with sell %s", ErrNotFound, buyOrderID, sellOrderID)
	}
	t := tx.Open[i]
	if err := t.Close(price, at); err != nil {
		return nil, err
	}
	tx.Open = remove(tx.Open, i)
	tx.closed = append(tx.closed, t)
	tx.dirty = true
	return t, nil
}

func find(list []*models.Trade, buyOrderID string) *models.Trade {
	if i := index(list, buyOrderID); i >= 0 {
		return list[i]
	}
	return nil
}

func index(list []*models.Trade, buyOrderID string) int {
	for i, t := range list {
		if t.BuyOrderID == buyOrderID {
			return i
		}
	}
	return -1
}

func remove(list []*models.Trade, i int) []*models.Trade {
	out := make([]*models.Trade, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}
