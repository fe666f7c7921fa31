/*
summary.go - Period Summarizer

PURPOSE:
  Produces opening / incoming / outgoing / closing quantity and value for
  one product, or for a set of products plus their field-wise total.

  opening  = position strictly before the window start
  incoming = Σ movements with SignedDelta > 0 inside the window
  outgoing = Σ |movements| with SignedDelta < 0 inside the window
  closing  = opening + incoming − outgoing

  Classification is by sign only: a positive adjust is incoming, a
  negative adjust outgoing. Zero-quantity rows cannot be recorded.

CLOSURE CHECK:
  Closing quantity must equal the stored running balance of the last
  transaction in the window (or the opening quantity when the window is
  empty). A mismatch means the cached balances diverged from the log and
  is reported as *ConsistencyViolationError rather than silently served.
  Stale rows are recomputed first when a refresher is configured.

PRODUCT SETS:
  Per-product summaries are independent and computed concurrently
  (errgroup, bounded). The total is their field-wise sum.
*/
package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const DefaultSummaryConcurrency = 8

type SummaryRequest struct {
	// ProductIDs to summarize. Empty selects every known product.
	ProductIDs []ProductID
	Window     Window
	Policy     Policy
}

type Summary struct {
	ProductID ProductID // empty on totals
	Period    Period
	Policy    Policy

	OpeningQuantity  decimal.Decimal
	OpeningValue     decimal.Decimal
	IncomingQuantity decimal.Decimal
	IncomingValue    decimal.Decimal
	OutgoingQuantity decimal.Decimal
	OutgoingValue    decimal.Decimal
	ClosingQuantity  decimal.Decimal
	ClosingValue     decimal.Decimal

	Transactions int // rows inside the window
}

// Add returns the field-wise sum of two summaries.
func (s Summary) Add(o Summary) Summary {
	return Summary{
		Period:           s.Period,
		Policy:           s.Policy,
		OpeningQuantity:  s.OpeningQuantity.Add(o.OpeningQuantity),
		OpeningValue:     s.OpeningValue.Add(o.OpeningValue),
		IncomingQuantity: s.IncomingQuantity.Add(o.IncomingQuantity),
		IncomingValue:    s.IncomingValue.Add(o.IncomingValue),
		OutgoingQuantity: s.OutgoingQuantity.Add(o.OutgoingQuantity),
		OutgoingValue:    s.OutgoingValue.Add(o.OutgoingValue),
		ClosingQuantity:  s.ClosingQuantity.Add(o.ClosingQuantity),
		ClosingValue:     s.ClosingValue.Add(o.ClosingValue),
		Transactions:     s.Transactions + o.Transactions,
	}
}

// Balanced reports whether closing = opening + incoming − outgoing holds
// for both quantity and value.
func (s Summary) Balanced() bool {
	q := s.OpeningQuantity.Add(s.IncomingQuantity).Sub(s.OutgoingQuantity)
	v := s.OpeningValue.Add(s.IncomingValue).Sub(s.OutgoingValue)
	return q.Equal(s.ClosingQuantity) && v.Equal(s.ClosingValue)
}

type Report struct {
	Period    Period
	Policy    Policy
	Summaries []Summary
	Total     Summary
}

// StaleRefresher recomputes a product's stale cached balances.
type StaleRefresher interface {
	RefreshStale(ctx context.Context, productID ProductID) error
}

type Summarizer struct {
	Reconstructor *Reconstructor
	Calendar      Calendar
	Refresher     StaleRefresher // optional
	Concurrency   int
}

// Summarize resolves the window and summarizes every requested product.
func (s *Summarizer) Summarize(ctx context.Context, req SummaryRequest) (Report, error) {
	cal := s.Calendar
	if cal == nil {
		cal = DefaultCalendar()
	}
	period, err := req.Window.Period(cal)
	if err != nil {
		return Report{}, err
	}
	policy := req.Policy.orDefault()

	ids, err := s.resolveProducts(ctx, req.ProductIDs)
	if err != nil {
		return Report{}, err
	}

	summaries := make([]Summary, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit <= 0 {
		limit = DefaultSummaryConcurrency
	}
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			sum, err := s.SummarizeProduct(gctx, id, period, policy)
			if err != nil {
				return err
			}
			summaries[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	total := Summary{Period: period, Policy: policy}
	for _, sum := range summaries {
		total = total.Add(sum)
	}
	return Report{Period: period, Policy: policy, Summaries: summaries, Total: total}, nil
}

// SummarizeProduct summarizes one product over a resolved period.
func (s *Summarizer) SummarizeProduct(ctx context.Context, productID ProductID, period Period, policy Policy) (Summary, error) {
	if productID == "" {
		return Summary{}, &ValidationError{Field: "product_id", Reason: "required"}
	}
	if !period.Valid() {
		return Summary{}, &ValidationError{Field: "window", Reason: "empty period"}
	}
	if cat := s.Reconstructor.Catalog; cat != nil {
		if _, err := cat.Product(ctx, productID); err != nil {
			return Summary{}, err
		}
	}

	sum, stale, err := s.summarize(ctx, productID, period, policy)
	if err != nil {
		return Summary{}, err
	}
	if stale && s.Refresher != nil {
		if err := s.Refresher.RefreshStale(ctx, productID); err != nil {
			return Summary{}, err
		}
		sum, stale, err = s.summarize(ctx, productID, period, policy)
		if err != nil {
			return Summary{}, err
		}
	}
	if stale {
		return Summary{}, &ConsistencyViolationError{ProductID: productID, Detail: "running balances are stale, rebalance required"}
	}
	return sum, nil
}

func (s *Summarizer) summarize(ctx context.Context, productID ProductID, period Period, policy Policy) (Summary, bool, error) {
	sum := Summary{ProductID: productID, Period: period, Policy: policy.orDefault()}
	var preQty, preValue decimal.Decimal
	var lastInWindow *Transaction

	res, err := s.Reconstructor.walk(ctx, productID, policy, period.Start, period.End, func(tx Transaction, m Movement) {
		if tx.OccurredAt.Before(period.Start) {
			preQty = preQty.Add(m.Delta)
			preValue = preValue.Add(m.NetValue())
			return
		}
		sum.Transactions++
		switch {
		case m.Incoming():
			sum.IncomingQuantity = sum.IncomingQuantity.Add(m.Delta)
			sum.IncomingValue = sum.IncomingValue.Add(m.Value)
			// covering an earlier deficit costs the stock issued uncosted
			sum.OutgoingValue = sum.OutgoingValue.Add(m.Settled)
		case m.Outgoing():
			sum.OutgoingQuantity = sum.OutgoingQuantity.Add(m.Delta.Neg())
			sum.OutgoingValue = sum.OutgoingValue.Add(m.Value)
		}
		t := tx
		lastInWindow = &t
	})
	if err != nil {
		return Summary{}, false, err
	}

	sum.OpeningQuantity = res.Base.Quantity.Add(preQty)
	sum.OpeningValue = res.Base.Value.Add(preValue)
	sum.ClosingQuantity = res.Book.Quantity
	sum.ClosingValue = res.Book.Value
	if !sum.Balanced() {
		return Summary{}, false, &ConsistencyViolationError{
			ProductID: productID,
			Detail: fmt.Sprintf("closing %s/%s does not equal opening + incoming - outgoing",
				sum.ClosingQuantity, sum.ClosingValue),
		}
	}

	if lastInWindow == nil {
		return sum, false, nil
	}
	if lastInWindow.Stale {
		return Summary{}, true, nil
	}
	if !lastInWindow.RunningBalance.Equal(sum.ClosingQuantity) {
		return Summary{}, false, &ConsistencyViolationError{
			ProductID: productID,
			Discrepancies: []Discrepancy{{
				ProductID:     productID,
				TransactionID: lastInWindow.ID,
				OccurredAt:    lastInWindow.OccurredAt,
				Stored:        lastInWindow.RunningBalance,
				Recomputed:    sum.ClosingQuantity,
			}},
			Detail: fmt.Sprintf("closing %s does not match stored running balance %s of transaction %d",
				sum.ClosingQuantity, lastInWindow.RunningBalance, lastInWindow.ID),
		}
	}
	return sum, false, nil
}

func (s *Summarizer) resolveProducts(ctx context.Context, ids []ProductID) ([]ProductID, error) {
	if len(ids) > 0 {
		seen := make(map[ProductID]bool, len(ids))
		out := make([]ProductID, 0, len(ids))
		for _, id := range ids {
			if id == "" {
				return nil, &ValidationError{Field: "product_id", Reason: "empty id in product set"}
			}
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		return out, nil
	}

	known := make(map[ProductID]bool)
	stored, err := s.Reconstructor.Store.ProductIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	for _, id := range stored {
		known[id] = true
	}
	if lister, ok := s.Reconstructor.Catalog.(ProductLister); ok {
		products, err := lister.Products(ctx)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("list catalog: %w", err)
		}
		for _, p := range products {
			known[p.ID] = true
		}
	}

	out := make([]ProductID, 0, len(known))
	for id := range known {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
