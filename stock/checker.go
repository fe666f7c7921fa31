/*
checker.go - Consistency Checker

PURPOSE:
  Replays each product's raw transactions from zero, ignoring cached
  balances and checkpoints, and reports every row whose stored running
  balance differs from the replay or is still flagged stale.

  Verify never heals. Repair is a separate, explicit call that delegates
  to Ledger.Rebalance.

AUDIT RUNS:
  VerifyAll checks every product concurrently and returns an AuditRun,
  persisted through AuditStore when one is configured. The api scheduler
  and the jobs worker run it periodically.
*/
package stock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type Discrepancy struct {
	ProductID     ProductID
	TransactionID TransactionID
	OccurredAt    time.Time
	Stored        decimal.Decimal
	Recomputed    decimal.Decimal
	Stale         bool
}

func (d Discrepancy) String() string {
	if d.Stale {
		return fmt.Sprintf("%s tx %d: stale (stored %s, recomputed %s)", d.ProductID, d.TransactionID, d.Stored, d.Recomputed)
	}
	return fmt.Sprintf("%s tx %d: stored %s, recomputed %s", d.ProductID, d.TransactionID, d.Stored, d.Recomputed)
}

type AuditStatus string

const (
	AuditClean         AuditStatus = "clean"
	AuditDiscrepancies AuditStatus = "discrepancies"
	AuditFailed        AuditStatus = "failed"
)

// AuditRun is the record of one VerifyAll pass.
type AuditRun struct {
	ID              string
	StartedAt       time.Time
	CompletedAt     time.Time
	Status          AuditStatus
	ProductsChecked int
	Discrepancies   []Discrepancy
	Error           string
}

type AuditStore interface {
	SaveAuditRun(ctx context.Context, run AuditRun) error
	ListAuditRuns(ctx context.Context, limit int) ([]AuditRun, error)
}

// Repairer rebuilds cached balances of one product.
type Repairer interface {
	Rebalance(ctx context.Context, productID ProductID) (int, error)
}

type Checker struct {
	Store       Store
	Catalog     Catalog    // optional; unknown products are rejected when set
	Repairer    Repairer   // optional; Repair fails without one
	AuditLog    AuditStore // optional
	Concurrency int
	Now         func() time.Time
}

// Verify recomputes every running balance of the product and returns the
// rows that disagree. An empty, non-nil slice means consistent.
func (c *Checker) Verify(ctx context.Context, productID ProductID) ([]Discrepancy, error) {
	if productID == "" {
		return nil, &ValidationError{Field: "product_id", Reason: "required"}
	}
	if c.Catalog != nil {
		if _, err := c.Catalog.Product(ctx, productID); err != nil {
			return nil, err
		}
	}

	return c.replay(ctx, productID)
}

func (c *Checker) replay(ctx context.Context, productID ProductID) ([]Discrepancy, error) {
	snap, err := c.Store.Load(ctx, Query{ProductID: productID})
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	found := make([]Discrepancy, 0)
	balance := decimal.Zero
	for i, tx := range snap.Transactions {
		if i%replayCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		balance = balance.Add(tx.Delta())
		if tx.Stale || !tx.RunningBalance.Equal(balance) {
			found = append(found, Discrepancy{
				ProductID:     productID,
				TransactionID: tx.ID,
				OccurredAt:    tx.OccurredAt,
				Stored:        tx.RunningBalance,
				Recomputed:    balance,
				Stale:         tx.Stale,
			})
		}
	}
	return found, nil
}

// VerifyAll verifies every product that has transactions.
func (c *Checker) VerifyAll(ctx context.Context) (AuditRun, error) {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	run := AuditRun{ID: uuid.NewString(), StartedAt: now()}

	ids, err := c.Store.ProductIDs(ctx)
	if err != nil {
		return c.finish(ctx, run, now, fmt.Errorf("list products: %w", err))
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	limit := c.Concurrency
	if limit <= 0 {
		limit = DefaultSummaryConcurrency
	}
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			found, err := c.replay(gctx, id)
			if err != nil {
				return fmt.Errorf("verify %s: %w", id, err)
			}
			mu.Lock()
			run.ProductsChecked++
			run.Discrepancies = append(run.Discrepancies, found...)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	sort.Slice(run.Discrepancies, func(i, j int) bool {
		a, b := run.Discrepancies[i], run.Discrepancies[j]
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		return a.TransactionID < b.TransactionID
	})
	return c.finish(ctx, run, now, err)
}

func (c *Checker) finish(ctx context.Context, run AuditRun, now func() time.Time, runErr error) (AuditRun, error) {
	run.CompletedAt = now()
	switch {
	case runErr != nil:
		run.Status = AuditFailed
		run.Error = runErr.Error()
	case len(run.Discrepancies) > 0:
		run.Status = AuditDiscrepancies
	default:
		run.Status = AuditClean
	}
	if run.Discrepancies == nil {
		run.Discrepancies = []Discrepancy{}
	}

	if c.AuditLog != nil {
		if err := c.AuditLog.SaveAuditRun(ctx, run); err != nil && runErr == nil {
			runErr = fmt.Errorf("save audit run: %w", err)
		}
	}
	return run, runErr
}

// Repair rebuilds the product's cached balances and returns the number of
// rows rewritten.
func (c *Checker) Repair(ctx context.Context, productID ProductID) (int, error) {
	if c.Repairer == nil {
		return 0, fmt.Errorf("repair %s: no repairer configured", productID)
	}
	if c.Catalog != nil {
		if _, err := c.Catalog.Product(ctx, productID); err != nil {
			return 0, err
		}
	}
	return c.Repairer.Rebalance(ctx, productID)
}
