/*
Package stock provides the inventory ledger and valuation engine.

PURPOSE:
  Records every stock-changing event for a product, derives the running
  balance after each event, reconstructs opening balances for arbitrary
  windows, and aggregates opening/incoming/outgoing/closing quantities and
  values per product or across a product set.

KEY CONCEPTS IN THIS FILE (types.go):
  - EntryType: closed set of movement kinds (in, out, adjust)
  - Transaction: one stock event with its cached running balance
  - Cursor: chronological position (occurred_at, id)
  - Reference: opaque pointer to the originating business event
  - Product: read-only record from the product registry

DESIGN PRINCIPLES:
  1. One sign rule: SignedDelta is the only place that knows how an entry
     type moves stock. Recorder, reconstructor, summarizer and checker
     all call it.
  2. Replay is the truth: running balances are a cache over the fold of
     the transaction log, guarded by stale markers and epochs.
  3. Precision: decimal.Decimal for every quantity, price and value.
  4. No ambient state: fiscal year, costing policy and time window are
     always explicit parameters.

SEE ALSO:
  - ledger.go: Ledger Recorder (record, edit, delete, rebalance)
  - reconstruct.go: Balance Reconstructor
  - summary.go: Period Summarizer
  - valuation.go: costing policies
  - checker.go: Consistency Checker
*/
package stock

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID string

// TransactionID is assigned by the Store and grows monotonically across all
// products. Within one product it breaks ties between equal OccurredAt values.
type TransactionID int64

// =============================================================================
// ENTRY TYPE - Closed variant of movement kinds
// =============================================================================

type EntryType string

const (
	EntryIn     EntryType = "in"     // Stock received (purchase, return from customer)
	EntryOut    EntryType = "out"    // Stock issued (sale, invoice)
	EntryAdjust EntryType = "adjust" // Signed correction (physical count surplus or loss)
)

// ParseEntryType accepts the three known kinds, case-insensitively.
func ParseEntryType(s string) (EntryType, error) {
	switch EntryType(strings.ToLower(strings.TrimSpace(s))) {
	case EntryIn:
		return EntryIn, nil
	case EntryOut:
		return EntryOut, nil
	case EntryAdjust:
		return EntryAdjust, nil
	}
	return "", &ValidationError{Field: "entry_type", Reason: fmt.Sprintf("unknown entry type %q", s)}
}

func (t EntryType) Valid() bool {
	return t == EntryIn || t == EntryOut || t == EntryAdjust
}

// SignedDelta returns the change in stock caused by an entry.
// in and out carry a magnitude; adjust already carries its direction.
func SignedDelta(t EntryType, quantity decimal.Decimal) decimal.Decimal {
	switch t {
	case EntryIn:
		return quantity
	case EntryOut:
		return quantity.Neg()
	default:
		return quantity
	}
}

// =============================================================================
// REFERENCE - Originating business event
// =============================================================================

type RefType string

const (
	RefPurchase         RefType = "purchase"
	RefInvoice          RefType = "invoice"
	RefManualAdjustment RefType = "manual_adjustment"
)

// Reference is stored and returned verbatim. The ledger never checks that
// the target exists.
type Reference struct {
	Type RefType
	ID   string
}

func (r Reference) IsZero() bool { return r.Type == "" && r.ID == "" }

func (r Reference) String() string {
	if r.IsZero() {
		return ""
	}
	return string(r.Type) + ":" + r.ID
}

// =============================================================================
// TRANSACTION - One stock event
// =============================================================================

type Transaction struct {
	ID         TransactionID
	ProductID  ProductID
	Type       EntryType
	Quantity   decimal.Decimal
	UnitPrice  decimal.NullDecimal
	OccurredAt time.Time
	Reference  Reference
	Note       string

	IdempotencyKey string
	CreatedAt      time.Time

	// RunningBalance is the product's stock right after this transaction in
	// (OccurredAt, ID) order. It is a cache: Stale marks rows whose value
	// must be recomputed before it is served.
	RunningBalance decimal.Decimal
	Stale          bool
}

// Delta is the signed stock change of this transaction.
func (tx Transaction) Delta() decimal.Decimal {
	return SignedDelta(tx.Type, tx.Quantity)
}

// TotalValue is |quantity| × unit_price, null when the transaction has no price.
func (tx Transaction) TotalValue() decimal.NullDecimal {
	if !tx.UnitPrice.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(tx.Quantity.Abs().Mul(tx.UnitPrice.Decimal))
}

func (tx Transaction) Cursor() Cursor {
	return Cursor{OccurredAt: tx.OccurredAt, ID: tx.ID}
}

// =============================================================================
// CURSOR - Chronological position
// =============================================================================

type Cursor struct {
	OccurredAt time.Time
	ID         TransactionID
}

func (c Cursor) IsZero() bool { return c.OccurredAt.IsZero() && c.ID == 0 }

func (c Cursor) Less(o Cursor) bool {
	if !c.OccurredAt.Equal(o.OccurredAt) {
		return c.OccurredAt.Before(o.OccurredAt)
	}
	return c.ID < o.ID
}

func (c Cursor) LessOrEqual(o Cursor) bool { return !o.Less(c) }

func (c Cursor) String() string {
	return fmt.Sprintf("%s#%d", c.OccurredAt.UTC().Format(time.RFC3339), c.ID)
}

// MinCursor returns the earlier of two cursors.
func MinCursor(a, b Cursor) Cursor {
	if b.Less(a) {
		return b
	}
	return a
}

// =============================================================================
// PRODUCT - Read-only registry record
// =============================================================================

type Product struct {
	ID               ProductID
	Name             string
	Unit             string
	DefaultUnitPrice decimal.NullDecimal
}

// LedgerEntry is a transaction as served to callers, with the derived
// financial year attached at read time.
type LedgerEntry struct {
	Transaction
	FinancialYear FinancialYear
}
