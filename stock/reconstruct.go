/*
reconstruct.go - Balance Reconstructor

PURPOSE:
  Computes a product's position (quantity and value) at any point by
  folding its transactions in (OccurredAt, ID) order from zero.

  position(t) = Σ SignedDelta(tx)   for every tx with OccurredAt ≤ t

  The fold reads rows in a single Store.Load so it sees one consistent
  snapshot. When a checkpoint cache is configured the fold resumes from
  the latest usable checkpoint and writes a fresh one when it finishes.

CANCELLATION:
  The fold checks ctx every replayCheckEvery rows. A cancelled replay
  returns ctx.Err() and no partial position.

SEE ALSO:
  - checkpoint.go: usability rules for cached state
  - summary.go: shares walk() for opening/closing in one pass
*/
package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const replayCheckEvery = 256

// Position is a product's stock and value after a prefix of its history.
type Position struct {
	ProductID   ProductID
	Policy      Policy
	AsOf        *time.Time // nil: the whole history
	Quantity    decimal.Decimal
	Value       decimal.Decimal
	AverageCost decimal.Decimal
	Count       int // transactions folded
	Last        Cursor
	Book        Book
}

type Reconstructor struct {
	Store       Store
	Catalog     Catalog
	Checkpoints CheckpointCache // optional
}

// Reconstruct returns the position after every transaction with
// OccurredAt ≤ *asOf. A nil asOf folds the whole history.
func (r *Reconstructor) Reconstruct(ctx context.Context, productID ProductID, asOf *time.Time, policy Policy) (Position, error) {
	var before time.Time
	if asOf != nil {
		before = asOf.Add(time.Nanosecond)
	}
	pos, err := r.positionBefore(ctx, productID, before, policy)
	if err != nil {
		return Position{}, err
	}
	if asOf != nil {
		t := *asOf
		pos.AsOf = &t
	}
	return pos, nil
}

// OpeningAt returns the position after every transaction strictly before
// boundary. This is the opening balance of a window starting at boundary.
func (r *Reconstructor) OpeningAt(ctx context.Context, productID ProductID, boundary time.Time, policy Policy) (Position, error) {
	pos, err := r.positionBefore(ctx, productID, boundary, policy)
	if err != nil {
		return Position{}, err
	}
	b := boundary
	pos.AsOf = &b
	return pos, nil
}

func (r *Reconstructor) positionBefore(ctx context.Context, productID ProductID, before time.Time, policy Policy) (Position, error) {
	if productID == "" {
		return Position{}, &ValidationError{Field: "product_id", Reason: "required"}
	}
	res, err := r.walk(ctx, productID, policy, before, before, nil)
	if err != nil {
		return Position{}, err
	}
	return Position{
		ProductID:   productID,
		Policy:      res.Book.Policy,
		Quantity:    res.Book.Quantity,
		Value:       res.Book.Value,
		AverageCost: averageCost(res.Book),
		Count:       res.Count,
		Last:        res.Last,
		Book:        res.Book,
	}, nil
}

func averageCost(b Book) decimal.Decimal {
	if !b.Quantity.IsPositive() {
		return decimal.Zero
	}
	if b.Policy.usesLots() {
		return b.Value.Div(b.Quantity)
	}
	return b.AverageCost
}

// =============================================================================
// WALK - Checkpoint-seeded fold
// =============================================================================

type walkResult struct {
	Book    Book
	Count   int
	Last    Cursor
	LastTx  *Transaction
	Epoch   int64
	Resumed bool // seeded from a checkpoint
	Base    Book // state before the first visited row
}

// walk folds every row with OccurredAt < loadBefore. The checkpoint used to
// seed the fold must lie strictly before seedBefore, so that rows between
// seedBefore and loadBefore are always visited. visit, if set, sees every
// folded row after the seed together with its movement.
func (r *Reconstructor) walk(
	ctx context.Context,
	productID ProductID,
	policy Policy,
	seedBefore, loadBefore time.Time,
	visit func(tx Transaction, m Movement),
) (walkResult, error) {
	policy = policy.orDefault()
	fallback, err := fallbackCost(ctx, r.Catalog, productID)
	if err != nil {
		return walkResult{}, err
	}

	var cp *Checkpoint
	if r.Checkpoints != nil {
		// Cache failures degrade to a full replay.
		if got, err := r.Checkpoints.Get(ctx, productID, policy, seedBefore); err == nil {
			cp = got
		}
	}

	q := Query{ProductID: productID, Before: loadBefore}
	if cp != nil {
		c := cp.Cursor
		q.After = &c
	}
	snap, err := r.Store.Load(ctx, q)
	if err != nil {
		return walkResult{}, fmt.Errorf("load transactions: %w", err)
	}
	if cp != nil && !cp.Usable(snap.Epoch, fallback) {
		cp = nil
		q.After = nil
		if snap, err = r.Store.Load(ctx, q); err != nil {
			return walkResult{}, fmt.Errorf("load transactions: %w", err)
		}
	}

	res := walkResult{Book: NewBook(policy), Epoch: snap.Epoch}
	if cp != nil {
		res.Book = cp.Book.Clone()
		res.Book.Policy = policy
		res.Count = cp.Count
		res.Last = cp.Cursor
		res.Resumed = true
	}
	res.Base = res.Book.Clone()

	for i, tx := range snap.Transactions {
		if i%replayCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return walkResult{}, err
			}
		}
		m := res.Book.Apply(tx, fallback)
		if visit != nil {
			visit(tx, m)
		}
		res.Count++
		res.Last = tx.Cursor()
	}
	if n := len(snap.Transactions); n > 0 {
		last := snap.Transactions[n-1]
		res.LastTx = &last
	}

	if r.Checkpoints != nil && len(snap.Transactions) > 0 {
		_ = r.Checkpoints.Put(ctx, Checkpoint{
			ProductID: productID,
			Policy:    policy,
			Cursor:    res.Last,
			Epoch:     snap.Epoch,
			Count:     res.Count,
			Fallback:  fallback,
			Book:      res.Book.Clone(),
		})
	}
	return res, nil
}
