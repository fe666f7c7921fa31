/*
store.go - Persistence interface for stock transactions

PURPOSE:
  Defines the boundary between the ledger algorithms and the database.
  The Store is the only shared mutable resource; every other component is
  a function over a Snapshot read from it.

KEY INTERFACES:
  Store:   transaction persistence, ordered loads, cached balance writes
  TxStore: atomic multi-write operations (a mutation and its recomputation)
  Catalog: read-only product registry

ORDERING:
  Load always returns rows in (OccurredAt, ID) order. Implementations must
  not rely on insertion order.

EPOCHS:
  Every product carries an epoch counter. MarkStale bumps it. A tail append
  does not. Snapshot.Epoch is read atomically with the rows, so a cached
  checkpoint stamped with an older epoch can be detected and ignored.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via database/sql
  - stock/store/memory.go:  in-memory for tests and demos

SEE ALSO:
  - ledger.go: the only writer
  - checkpoint.go: consumer of epochs
*/
package stock

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Transaction persistence
// =============================================================================

// Query selects one product's transactions.
type Query struct {
	ProductID ProductID

	// After skips every row at or before this cursor. Nil starts at genesis.
	After *Cursor

	// Since is an inclusive lower bound on OccurredAt. Zero is unbounded.
	Since time.Time

	// Before is an exclusive upper bound on OccurredAt. Zero is unbounded.
	Before time.Time
}

// Snapshot is a consistent read of one product's rows.
type Snapshot struct {
	ProductID    ProductID
	Epoch        int64
	Transactions []Transaction
}

// BalanceUpdate writes a recomputed running balance and clears the stale flag.
type BalanceUpdate struct {
	ID             TransactionID
	RunningBalance decimal.Decimal
}

type Store interface {
	// Append persists a new transaction, assigning ID and CreatedAt.
	// Returns ErrDuplicateIdempotencyKey if the key already exists.
	Append(ctx context.Context, tx Transaction) (Transaction, error)

	// Get returns one transaction or a *NotFoundError.
	Get(ctx context.Context, id TransactionID) (Transaction, error)

	// Update overwrites the mutable fields of an existing transaction.
	Update(ctx context.Context, tx Transaction) error

	// Delete removes a transaction physically.
	Delete(ctx context.Context, id TransactionID) error

	// Load returns a product's rows matching q, chronologically.
	Load(ctx context.Context, q Query) (Snapshot, error)

	// Last returns the chronologically last transaction of a product.
	Last(ctx context.Context, productID ProductID) (Transaction, bool, error)

	// MarkStale flags every row at or after from and bumps the product epoch.
	MarkStale(ctx context.Context, productID ProductID, from Cursor) error

	// SaveBalances writes recomputed running balances.
	SaveBalances(ctx context.Context, productID ProductID, updates []BalanceUpdate) error

	// ProductIDs lists every product that has at least one transaction.
	ProductIDs(ctx context.Context) ([]ProductID, error)

	// FindByIdempotencyKey looks up a prior transaction by key.
	FindByIdempotencyKey(ctx context.Context, key string) (Transaction, bool, error)
}

// TxStore wraps Store with transaction support.
// If fn returns an error every write made through the given Store is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Match reports whether tx satisfies the bounds of q.
func (q Query) Match(tx Transaction) bool {
	if tx.ProductID != q.ProductID {
		return false
	}
	if q.After != nil && !q.After.Less(tx.Cursor()) {
		return false
	}
	if !q.Since.IsZero() && tx.OccurredAt.Before(q.Since) {
		return false
	}
	if !q.Before.IsZero() && !tx.OccurredAt.Before(q.Before) {
		return false
	}
	return true
}

// SortTransactions orders rows chronologically in place.
func SortTransactions(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Cursor().Less(txs[j].Cursor())
	})
}

// =============================================================================
// CATALOG - Product registry (read-only collaborator)
// =============================================================================

type Catalog interface {
	// Product returns the product or a *NotFoundError.
	Product(ctx context.Context, id ProductID) (Product, error)
}

// ProductLister is implemented by catalogs that can enumerate products.
type ProductLister interface {
	Products(ctx context.Context) ([]Product, error)
}

// StaticCatalog is a fixed in-memory registry.
type StaticCatalog map[ProductID]Product

func (c StaticCatalog) Product(_ context.Context, id ProductID) (Product, error) {
	p, ok := c[id]
	if !ok {
		return Product{}, productNotFound(id)
	}
	if p.ID == "" {
		p.ID = id
	}
	return p, nil
}

func (c StaticCatalog) Products(_ context.Context) ([]Product, error) {
	out := make([]Product, 0, len(c))
	for id, p := range c {
		if p.ID == "" {
			p.ID = id
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
