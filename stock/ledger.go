/*
ledger.go - Ledger Recorder

PURPOSE:
  The only writer of stock transactions. Validates requests, serializes
  mutations per product, keeps cached running balances consistent with
  the fold of the log.

WRITE PATHS:
  Tail append (OccurredAt ≥ the product's last OccurredAt):
    running_balance = last.running_balance + SignedDelta
  Backdated insert, edit, delete:
    1. MarkStale(product, point)    flags the suffix, bumps the epoch
    2. Invalidate checkpoints at or after point
    3. Replay from the nearest fresh predecessor, SaveBalances
  All steps of one mutation run inside a single TxStore.WithTx while the
  product's Locker slot is held, so readers never observe a half-applied
  recomputation.

NEGATIVE STOCK:
  Unless AllowNegativeStock is set, a mutation that drives any recomputed
  balance below zero is rejected with *NegativeStockError and rolled back.
  Rebalance (explicit repair) never rejects.

SEE ALSO:
  - store.go: TxStore, epochs
  - lock.go: per-product serialization
  - checker.go: detects divergence, delegates repair to Rebalance
*/
package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUESTS
// =============================================================================

type RecordRequest struct {
	ProductID      ProductID
	Type           EntryType
	Quantity       decimal.Decimal
	UnitPrice      decimal.NullDecimal
	OccurredAt     time.Time // zero: now
	Reference      Reference
	Note           string
	IdempotencyKey string
}

// EditRequest changes the mutable fields of a transaction. Nil fields are
// left untouched. Product and entry type cannot change; delete and record
// again instead.
type EditRequest struct {
	Quantity   *decimal.Decimal
	UnitPrice  *decimal.NullDecimal
	OccurredAt *time.Time
	// RefType and RefID replace one half of the reference each; the
	// other half is kept.
	RefType *RefType
	RefID   *string
	Note    *string
}

// LedgerQuery selects ledger rows. An empty ProductID lists every product;
// a zero Window lists the whole history.
type LedgerQuery struct {
	ProductID ProductID
	Window    Window
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerOptions struct {
	Catalog     Catalog         // optional; unknown products are rejected when set
	Locker      Locker          // default: LocalLocker with a 5s bound
	Checkpoints CheckpointCache // optional
	Calendar    Calendar        // default: April-start UTC

	AllowNegativeStock bool

	// RequireReference lists entry types that must carry a Reference.
	// Nil selects in and out.
	RequireReference map[EntryType]bool

	Now func() time.Time
}

type Ledger struct {
	store       TxStore
	catalog     Catalog
	locker      Locker
	checkpoints CheckpointCache
	calendar    Calendar

	allowNegative bool
	requireRef    map[EntryType]bool
	now           func() time.Time
}

const DefaultLockTimeout = 5 * time.Second

func NewLedger(store TxStore, opts LedgerOptions) *Ledger {
	l := &Ledger{
		store:         store,
		catalog:       opts.Catalog,
		locker:        opts.Locker,
		checkpoints:   opts.Checkpoints,
		calendar:      opts.Calendar,
		allowNegative: opts.AllowNegativeStock,
		requireRef:    opts.RequireReference,
		now:           opts.Now,
	}
	if l.locker == nil {
		l.locker = NewLocalLocker(DefaultLockTimeout)
	}
	if l.calendar == nil {
		l.calendar = DefaultCalendar()
	}
	if l.requireRef == nil {
		l.requireRef = map[EntryType]bool{EntryIn: true, EntryOut: true}
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Record validates and appends one transaction.
//
// A repeated idempotency key returns the originally recorded transaction
// together with ErrDuplicateIdempotencyKey.
func (l *Ledger) Record(ctx context.Context, req RecordRequest) (Transaction, error) {
	if req.OccurredAt.IsZero() {
		req.OccurredAt = l.now()
	}
	tx := Transaction{
		ProductID:      req.ProductID,
		Type:           req.Type,
		Quantity:       req.Quantity,
		UnitPrice:      req.UnitPrice,
		OccurredAt:     req.OccurredAt,
		Reference:      req.Reference,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := l.validate(tx); err != nil {
		return Transaction{}, err
	}
	if err := l.checkProduct(ctx, tx.ProductID); err != nil {
		return Transaction{}, err
	}

	release, err := l.locker.Acquire(ctx, tx.ProductID)
	if err != nil {
		return Transaction{}, err
	}
	defer release()

	var out Transaction
	err = l.store.WithTx(ctx, func(s Store) error {
		if tx.IdempotencyKey != "" {
			prior, found, err := s.FindByIdempotencyKey(ctx, tx.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("idempotency lookup: %w", err)
			}
			if found {
				out = prior
				return ErrDuplicateIdempotencyKey
			}
		}

		last, ok, err := s.Last(ctx, tx.ProductID)
		if err != nil {
			return fmt.Errorf("load last transaction: %w", err)
		}

		if !ok || !tx.OccurredAt.Before(last.OccurredAt) {
			return l.appendTail(ctx, s, tx, last, ok, &out)
		}
		return l.insertBackdated(ctx, s, tx, &out)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return out, err
		}
		return Transaction{}, err
	}
	return out, nil
}

func (l *Ledger) appendTail(ctx context.Context, s Store, tx, last Transaction, hasLast bool, out *Transaction) error {
	prev := decimal.Zero
	if hasLast {
		if last.Stale {
			updates, err := l.rebalance(ctx, s, tx.ProductID, last.Cursor(), false)
			if err != nil {
				return err
			}
			if n := len(updates); n > 0 {
				last.RunningBalance = updates[n-1].RunningBalance
			}
		}
		prev = last.RunningBalance
	}

	tx.RunningBalance = prev.Add(tx.Delta())
	if !l.allowNegative && tx.RunningBalance.IsNegative() {
		return &NegativeStockError{ProductID: tx.ProductID, Balance: tx.RunningBalance}
	}
	appended, err := s.Append(ctx, tx)
	if err != nil {
		return err
	}
	*out = appended
	return nil
}

func (l *Ledger) insertBackdated(ctx context.Context, s Store, tx Transaction, out *Transaction) error {
	tx.Stale = true
	appended, err := s.Append(ctx, tx)
	if err != nil {
		return err
	}
	updates, err := l.recompute(ctx, s, appended.ProductID, appended.Cursor())
	if err != nil {
		return err
	}
	appended.Stale = false
	appended.RunningBalance = balanceFor(updates, appended.ID)
	*out = appended
	return nil
}

// Edit changes a transaction and recomputes every balance from the earlier
// of its old and new position.
func (l *Ledger) Edit(ctx context.Context, id TransactionID, req EditRequest) (Transaction, error) {
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}

	release, err := l.locker.Acquire(ctx, current.ProductID)
	if err != nil {
		return Transaction{}, err
	}
	defer release()

	var out Transaction
	err = l.store.WithTx(ctx, func(s Store) error {
		old, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		edited := old
		if req.Quantity != nil {
			edited.Quantity = *req.Quantity
		}
		if req.UnitPrice != nil {
			edited.UnitPrice = *req.UnitPrice
		}
		if req.OccurredAt != nil {
			edited.OccurredAt = *req.OccurredAt
		}
		if req.RefType != nil {
			edited.Reference.Type = *req.RefType
		}
		if req.RefID != nil {
			edited.Reference.ID = *req.RefID
		}
		if req.Note != nil {
			edited.Note = *req.Note
		}
		if err := l.validate(edited); err != nil {
			return err
		}

		if err := s.Update(ctx, edited); err != nil {
			return err
		}
		updates, err := l.recompute(ctx, s, edited.ProductID, MinCursor(old.Cursor(), edited.Cursor()))
		if err != nil {
			return err
		}
		edited.Stale = false
		edited.RunningBalance = balanceFor(updates, edited.ID)
		out = edited
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}

// Delete removes a transaction and recomputes every later balance.
// Whether the transaction may be deleted (e.g. linked payments) is the
// caller's decision.
func (l *Ledger) Delete(ctx context.Context, id TransactionID) error {
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}

	release, err := l.locker.Acquire(ctx, current.ProductID)
	if err != nil {
		return err
	}
	defer release()

	return l.store.WithTx(ctx, func(s Store) error {
		tx, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
		_, err = l.recompute(ctx, s, tx.ProductID, tx.Cursor())
		return err
	})
}

// Rebalance recomputes every cached running balance of a product from
// genesis. It is the explicit repair for discrepancies reported by the
// checker and never rejects negative balances. Returns the number of rows
// rewritten.
func (l *Ledger) Rebalance(ctx context.Context, productID ProductID) (int, error) {
	if productID == "" {
		return 0, &ValidationError{Field: "product_id", Reason: "required"}
	}
	release, err := l.locker.Acquire(ctx, productID)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	err = l.store.WithTx(ctx, func(s Store) error {
		if err := s.MarkStale(ctx, productID, Cursor{}); err != nil {
			return fmt.Errorf("mark stale: %w", err)
		}
		l.invalidate(ctx, productID, Cursor{})
		updates, err := l.rebalance(ctx, s, productID, Cursor{}, false)
		n = len(updates)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// =============================================================================
// READS
// =============================================================================

// Entries returns ledger rows in chronological order with their running
// balance and financial year. Stale rows are recomputed before they are
// served.
func (l *Ledger) Entries(ctx context.Context, q LedgerQuery) ([]LedgerEntry, error) {
	var bounds Period
	if !q.Window.IsZero() {
		p, err := q.Window.Period(l.calendar)
		if err != nil {
			return nil, err
		}
		bounds = p
	}

	ids := []ProductID{q.ProductID}
	if q.ProductID == "" {
		all, err := l.store.ProductIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list products: %w", err)
		}
		ids = all
	} else if err := l.checkProduct(ctx, q.ProductID); err != nil {
		return nil, err
	}

	entries := make([]LedgerEntry, 0)
	for _, id := range ids {
		rows, err := l.freshRows(ctx, Query{ProductID: id, Since: bounds.Start, Before: bounds.End})
		if err != nil {
			return nil, err
		}
		for _, tx := range rows {
			entries = append(entries, LedgerEntry{Transaction: tx, FinancialYear: l.calendar.YearOf(tx.OccurredAt)})
		}
	}
	return entries, nil
}

// RefreshStale recomputes a product's stale rows, if any.
func (l *Ledger) RefreshStale(ctx context.Context, productID ProductID) error {
	_, err := l.freshRows(ctx, Query{ProductID: productID})
	return err
}

func (l *Ledger) freshRows(ctx context.Context, q Query) ([]Transaction, error) {
	snap, err := l.store.Load(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	first, stale := firstStale(snap.Transactions)
	if !stale {
		return snap.Transactions, nil
	}

	release, err := l.locker.Acquire(ctx, q.ProductID)
	if err != nil {
		return nil, err
	}
	defer release()

	err = l.store.WithTx(ctx, func(s Store) error {
		_, err := l.rebalance(ctx, s, q.ProductID, first, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	snap, err = l.store.Load(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	return snap.Transactions, nil
}

// =============================================================================
// RECOMPUTATION
// =============================================================================

// recompute marks the suffix starting at from stale, drops affected
// checkpoints and replays it. Must run inside WithTx.
func (l *Ledger) recompute(ctx context.Context, s Store, productID ProductID, from Cursor) ([]BalanceUpdate, error) {
	if err := s.MarkStale(ctx, productID, from); err != nil {
		return nil, fmt.Errorf("mark stale: %w", err)
	}
	l.invalidate(ctx, productID, from)
	return l.rebalance(ctx, s, productID, from, true)
}

// rebalance replays the product from the first row that is stale or at or
// after from, seeded by the cached balance of the row before it.
func (l *Ledger) rebalance(ctx context.Context, s Store, productID ProductID, from Cursor, enforce bool) ([]BalanceUpdate, error) {
	snap, err := s.Load(ctx, Query{ProductID: productID})
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	txs := snap.Transactions

	start := len(txs)
	for i, tx := range txs {
		if tx.Stale || !tx.Cursor().Less(from) {
			start = i
			break
		}
	}
	balance := decimal.Zero
	if start > 0 {
		balance = txs[start-1].RunningBalance
	}

	updates := make([]BalanceUpdate, 0, len(txs)-start)
	for i, tx := range txs[start:] {
		if i%replayCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		balance = balance.Add(tx.Delta())
		if enforce && !l.allowNegative && balance.IsNegative() {
			return nil, &NegativeStockError{ProductID: productID, TransactionID: tx.ID, Balance: balance}
		}
		updates = append(updates, BalanceUpdate{ID: tx.ID, RunningBalance: balance})
	}
	if len(updates) == 0 {
		return updates, nil
	}
	if err := s.SaveBalances(ctx, productID, updates); err != nil {
		return nil, fmt.Errorf("save balances: %w", err)
	}
	return updates, nil
}

// invalidate is best-effort: epochs keep an unreachable cache correct.
func (l *Ledger) invalidate(ctx context.Context, productID ProductID, from Cursor) {
	if l.checkpoints != nil {
		_ = l.checkpoints.Invalidate(ctx, productID, from)
	}
}

func firstStale(txs []Transaction) (Cursor, bool) {
	for _, tx := range txs {
		if tx.Stale {
			return tx.Cursor(), true
		}
	}
	return Cursor{}, false
}

func balanceFor(updates []BalanceUpdate, id TransactionID) decimal.Decimal {
	for _, u := range updates {
		if u.ID == id {
			return u.RunningBalance
		}
	}
	return decimal.Zero
}

// =============================================================================
// VALIDATION
// =============================================================================

func (l *Ledger) validate(tx Transaction) error {
	if tx.ProductID == "" {
		return &ValidationError{Field: "product_id", Reason: "required"}
	}
	if !tx.Type.Valid() {
		return &ValidationError{Field: "entry_type", Reason: fmt.Sprintf("unknown entry type %q", tx.Type)}
	}
	switch tx.Type {
	case EntryIn, EntryOut:
		if !tx.Quantity.IsPositive() {
			return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("%s quantity must be positive, got %s", tx.Type, tx.Quantity)}
		}
	case EntryAdjust:
		if tx.Quantity.IsZero() {
			return &ValidationError{Field: "quantity", Reason: "adjust quantity must be non-zero"}
		}
	}
	if tx.UnitPrice.Valid && tx.UnitPrice.Decimal.IsNegative() {
		return &ValidationError{Field: "unit_price", Reason: "must not be negative"}
	}
	if tx.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurred_at", Reason: "required"}
	}
	if l.requireRef[tx.Type] && (tx.Reference.Type == "" || tx.Reference.ID == "") {
		return &ValidationError{Field: "reference", Reason: fmt.Sprintf("required for %s entries", tx.Type)}
	}
	return nil
}

func (l *Ledger) checkProduct(ctx context.Context, id ProductID) error {
	if l.catalog == nil {
		return nil
	}
	if _, err := l.catalog.Product(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("catalog lookup %s: %w", id, err)
	}
	return nil
}
