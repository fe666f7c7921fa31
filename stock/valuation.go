/*
valuation.go - Costing policies

PURPOSE:
  Assigns a monetary value to every movement. Incoming stock is valued at
  its unit price; outgoing stock is valued by the selected policy.

POLICIES:
  weighted_average (default):
    avg = (q0*avg0 + q*price) / (q0 + q) after every inflow,
    outflows valued at the current avg.
  fifo / lifo:
    inflows push a costed lot, outflows consume lots from the front (fifo)
    or the back (lifo), splitting a lot that is only partly consumed.

INCOMING COST FALLBACK:
  unit_price → product default_unit_price → current cost → zero.

DEFICITS:
  With negative stock allowed, an outflow larger than the available stock
  values the uncovered part at zero and records it as Deficit. The next
  inflow settles the deficit at its own cost before it creates a lot; the
  settled cost is reported as Movement.Settled and leaves the book as
  outgoing value. Lot quantities never go below zero, and Value always
  equals the lots (fifo/lifo) or Quantity*AverageCost (weighted average)
  while stock is positive, and zero otherwise.

  The Book is plain data so it can be copied into checkpoints.
*/
package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Policy string

const (
	PolicyWeightedAverage Policy = "weighted_average"
	PolicyFIFO            Policy = "fifo"
	PolicyLIFO            Policy = "lifo"
)

// Policies lists every supported costing policy.
func Policies() []Policy {
	return []Policy{PolicyWeightedAverage, PolicyFIFO, PolicyLIFO}
}

// ParsePolicy maps a name to a policy. Empty selects weighted average.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "weighted_average", "weighted-average", "average", "moving_average":
		return PolicyWeightedAverage, nil
	case "fifo":
		return PolicyFIFO, nil
	case "lifo":
		return PolicyLIFO, nil
	}
	return "", &ValidationError{Field: "policy", Reason: fmt.Sprintf("unknown costing policy %q", s)}
}

func (p Policy) orDefault() Policy {
	if p == "" {
		return PolicyWeightedAverage
	}
	return p
}

func (p Policy) usesLots() bool { return p == PolicyFIFO || p == PolicyLIFO }

// =============================================================================
// LOT & BOOK
// =============================================================================

// Lot is a costed batch of incoming stock.
type Lot struct {
	TransactionID TransactionID   `json:"transaction_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
}

// Book is the costing state of one product under one policy.
type Book struct {
	Policy      Policy          `json:"policy"`
	Quantity    decimal.Decimal `json:"quantity"`
	Value       decimal.Decimal `json:"value"`
	AverageCost decimal.Decimal `json:"average_cost"`
	LastCost    decimal.Decimal `json:"last_cost"`
	Deficit     decimal.Decimal `json:"deficit"`
	Lots        []Lot           `json:"lots,omitempty"`
}

// Movement is the valuation of one applied transaction.
type Movement struct {
	Delta    decimal.Decimal
	Value    decimal.Decimal // magnitude, never negative
	UnitCost decimal.Decimal
	// Settled is the cost of an earlier deficit covered by this inflow.
	Settled decimal.Decimal
}

func (m Movement) Incoming() bool { return m.Delta.IsPositive() }
func (m Movement) Outgoing() bool { return m.Delta.IsNegative() }

// NetValue is the signed change this movement makes to the book's value.
func (m Movement) NetValue() decimal.Decimal {
	if m.Outgoing() {
		return m.Value.Neg()
	}
	return m.Value.Sub(m.Settled)
}

func NewBook(policy Policy) Book {
	return Book{Policy: policy.orDefault()}
}

// Clone deep-copies the lot slice.
func (b Book) Clone() Book {
	c := b
	if b.Lots != nil {
		c.Lots = append([]Lot(nil), b.Lots...)
	}
	return c
}

// LotValue is the value held in open lots.
func (b Book) LotValue() decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.Lots {
		total = total.Add(l.Quantity.Mul(l.UnitCost))
	}
	return total
}

func (b *Book) currentCost() decimal.Decimal {
	if b.Policy.usesLots() {
		return b.LastCost
	}
	return b.AverageCost
}

// Apply folds one transaction into the book. fallback is the product's
// default unit price, used when the transaction carries none.
func (b *Book) Apply(tx Transaction, fallback decimal.NullDecimal) Movement {
	delta := tx.Delta()
	switch {
	case delta.IsPositive():
		return b.receive(tx, delta, fallback)
	case delta.IsNegative():
		return b.issue(delta)
	}
	return Movement{Delta: delta, Value: decimal.Zero, UnitCost: b.currentCost()}
}

func (b *Book) receive(tx Transaction, qty decimal.Decimal, fallback decimal.NullDecimal) Movement {
	var cost decimal.Decimal
	switch {
	case tx.UnitPrice.Valid:
		cost = tx.UnitPrice.Decimal
	case fallback.Valid:
		cost = fallback.Decimal
	default:
		cost = b.currentCost()
	}
	value := qty.Mul(cost)
	settled := decimal.Zero

	if b.Policy.usesLots() {
		remaining := qty
		if b.Deficit.IsPositive() {
			settle := decimal.Min(b.Deficit, remaining)
			b.Deficit = b.Deficit.Sub(settle)
			remaining = remaining.Sub(settle)
			settled = settle.Mul(cost)
		}
		if remaining.IsPositive() {
			b.Lots = append(b.Lots, Lot{TransactionID: tx.ID, Quantity: remaining, UnitCost: cost})
		}
		b.Value = b.Value.Add(value).Sub(settled)
	} else {
		newQty := b.Quantity.Add(qty)
		switch {
		case !b.Quantity.IsPositive():
			// Stock was empty or short: the covered shortfall is settled
			// and what remains is held at this receipt's cost.
			b.AverageCost = cost
			held := decimal.Max(newQty, decimal.Zero).Mul(cost)
			settled = b.Value.Add(value).Sub(held)
			b.Value = held
		default:
			b.AverageCost = b.Quantity.Mul(b.AverageCost).Add(value).Div(newQty)
			b.Value = b.Value.Add(value)
		}
		if b.Quantity.IsNegative() {
			b.Deficit = decimal.Max(newQty.Neg(), decimal.Zero)
		}
	}

	b.LastCost = cost
	b.Quantity = b.Quantity.Add(qty)
	return Movement{Delta: qty, Value: value, UnitCost: cost, Settled: settled}
}

func (b *Book) issue(delta decimal.Decimal) Movement {
	qty := delta.Neg()
	value := decimal.Zero

	if b.Policy.usesLots() {
		remaining := qty
		for remaining.IsPositive() && len(b.Lots) > 0 {
			idx := 0
			if b.Policy == PolicyLIFO {
				idx = len(b.Lots) - 1
			}
			lot := &b.Lots[idx]
			take := decimal.Min(remaining, lot.Quantity)
			value = value.Add(take.Mul(lot.UnitCost))
			lot.Quantity = lot.Quantity.Sub(take)
			remaining = remaining.Sub(take)
			if lot.Quantity.IsZero() {
				b.Lots = append(b.Lots[:idx], b.Lots[idx+1:]...)
			}
		}
		if remaining.IsPositive() {
			b.Deficit = b.Deficit.Add(remaining)
		}
	} else {
		switch {
		case b.Quantity.IsPositive() && qty.GreaterThanOrEqual(b.Quantity):
			// Emptying the stock takes the whole remaining value so no
			// rounding residue is left on a zero quantity.
			value = b.Value
			b.Deficit = b.Deficit.Add(qty.Sub(b.Quantity))
		case b.Quantity.IsPositive():
			value = qty.Mul(b.AverageCost)
		default:
			b.Deficit = b.Deficit.Add(qty)
		}
	}

	b.Quantity = b.Quantity.Sub(qty)
	b.Value = b.Value.Sub(value)

	unit := decimal.Zero
	if qty.IsPositive() {
		unit = value.Div(qty)
	}
	return Movement{Delta: delta, Value: value, UnitCost: unit}
}

// =============================================================================
// VALUER - value_of(transaction, policy)
// =============================================================================

// Valuer values single transactions by replaying their product's history.
type Valuer struct {
	Store   Store
	Catalog Catalog
}

// ValueOf returns the value of one transaction under policy: its cost for
// inflows, and the policy-assigned cost for outflows.
func (v *Valuer) ValueOf(ctx context.Context, id TransactionID, policy Policy) (decimal.Decimal, error) {
	tx, err := v.Store.Get(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	snap, err := v.Store.Load(ctx, Query{ProductID: tx.ProductID, Before: tx.OccurredAt.Add(1)})
	if err != nil {
		return decimal.Zero, fmt.Errorf("load transactions: %w", err)
	}
	fallback, err := fallbackCost(ctx, v.Catalog, tx.ProductID)
	if err != nil {
		return decimal.Zero, err
	}

	book := NewBook(policy)
	for i, t := range snap.Transactions {
		if i%replayCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return decimal.Zero, err
			}
		}
		m := book.Apply(t, fallback)
		if t.ID == id {
			return m.Value, nil
		}
	}
	return decimal.Zero, transactionNotFound(id)
}

// fallbackCost reads the product's default unit price. Unknown products
// and a missing catalog simply have no fallback.
func fallbackCost(ctx context.Context, catalog Catalog, id ProductID) (decimal.NullDecimal, error) {
	if catalog == nil {
		return decimal.NullDecimal{}, nil
	}
	p, err := catalog.Product(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return decimal.NullDecimal{}, nil
		}
		return decimal.NullDecimal{}, fmt.Errorf("catalog lookup %s: %w", id, err)
	}
	return p.DefaultUnitPrice, nil
}
