package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func at(month time.Month, d, hour int) time.Time {
	return time.Date(2024, month, d, hour, 0, 0, 0, time.UTC)
}

func TestStore_AppendGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	in := stock.Transaction{
		ProductID:      "P",
		Type:           stock.EntryIn,
		Quantity:       dec("10.125"),
		UnitPrice:      decimal.NewNullDecimal(dec("3.3333")),
		OccurredAt:     time.Date(2024, time.May, 1, 9, 30, 0, 123456789, time.FixedZone("IST", 19800)),
		Reference:      stock.Reference{Type: stock.RefPurchase, ID: "PO-7"},
		Note:           "first delivery",
		IdempotencyKey: "k1",
		RunningBalance: dec("10.125"),
	}
	saved, err := s.Append(ctx, in)
	require.NoError(t, err)
	require.NotZero(t, saved.ID)

	got, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.ProductID("P"), got.ProductID)
	assert.Equal(t, stock.EntryIn, got.Type)
	assert.True(t, got.Quantity.Equal(in.Quantity), "decimals survive storage exactly")
	assert.True(t, got.UnitPrice.Valid)
	assert.True(t, got.UnitPrice.Decimal.Equal(dec("3.3333")))
	assert.True(t, got.OccurredAt.Equal(in.OccurredAt), "nanoseconds and zone are preserved as an instant")
	assert.Equal(t, in.Reference, got.Reference)
	assert.Equal(t, "first delivery", got.Note)
	assert.Equal(t, "k1", got.IdempotencyKey)
	assert.False(t, got.Stale)

	_, err = s.Get(ctx, saved.ID+100)
	assert.ErrorIs(t, err, stock.ErrNotFound)
}

func TestStore_NullUnitPrice(t *testing.T) {
	s := newStore(t)
	saved, err := s.Append(context.Background(), stock.Transaction{
		ProductID: "P", Type: stock.EntryOut, Quantity: dec("2"), OccurredAt: at(time.May, 1, 0),
	})
	require.NoError(t, err)

	got, err := s.Get(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.False(t, got.UnitPrice.Valid)
	assert.Empty(t, got.IdempotencyKey)
}

func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tx := stock.Transaction{ProductID: "P", Type: stock.EntryIn, Quantity: dec("1"), OccurredAt: at(time.May, 1, 0), IdempotencyKey: "dup"}

	_, err := s.Append(ctx, tx)
	require.NoError(t, err)
	_, err = s.Append(ctx, tx)
	assert.ErrorIs(t, err, stock.ErrDuplicateIdempotencyKey)

	// Rows without a key never collide
	tx.IdempotencyKey = ""
	_, err = s.Append(ctx, tx)
	require.NoError(t, err)
	_, err = s.Append(ctx, tx)
	require.NoError(t, err)

	found, ok, err := s.FindByIdempotencyKey(ctx, "dup")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stock.TransactionID(1), found.ID)
}

func TestStore_LoadOrdersByOccurredAtThenID(t *testing.T) {
	// GIVEN: Rows inserted out of chronological order, two sharing a timestamp
	s := newStore(t)
	ctx := context.Background()
	for _, ts := range []time.Time{at(time.June, 1, 0), at(time.May, 1, 0), at(time.June, 1, 0), at(time.April, 10, 23)} {
		_, err := s.Append(ctx, stock.Transaction{ProductID: "P", Type: stock.EntryIn, Quantity: dec("1"), OccurredAt: ts})
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, stock.Transaction{ProductID: "Q", Type: stock.EntryIn, Quantity: dec("1"), OccurredAt: at(time.May, 2, 0)})
	require.NoError(t, err)

	// WHEN: Loading P
	snap, err := s.Load(ctx, stock.Query{ProductID: "P"})
	require.NoError(t, err)

	// THEN: Chronological, ties broken by ID, other products excluded
	var ids []stock.TransactionID
	for _, tx := range snap.Transactions {
		ids = append(ids, tx.ID)
	}
	assert.Equal(t, []stock.TransactionID{4, 2, 1, 3}, ids)

	// AND: Filters behave like Query.Match
	after := snap.Transactions[1].Cursor()
	snap, err = s.Load(ctx, stock.Query{ProductID: "P", After: &after})
	require.NoError(t, err)
	require.Len(t, snap.Transactions, 2)

	snap, err = s.Load(ctx, stock.Query{ProductID: "P", Since: at(time.May, 1, 0), Before: at(time.June, 1, 0)})
	require.NoError(t, err)
	require.Len(t, snap.Transactions, 1)
	assert.Equal(t, stock.TransactionID(2), snap.Transactions[0].ID)

	last, ok, err := s.Last(ctx, "P")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stock.TransactionID(3), last.ID)

	_, ok, err = s.Last(ctx, "Z")
	require.NoError(t, err)
	assert.False(t, ok)

	pids, err := s.ProductIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []stock.ProductID{"P", "Q"}, pids)
}

func TestStore_MarkStaleBumpsEpochAndSaveBalancesClears(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	var saved []stock.Transaction
	for d := 1; d <= 3; d++ {
		tx, err := s.Append(ctx, stock.Transaction{ProductID: "P", Type: stock.EntryIn, Quantity: dec("1"), OccurredAt: at(time.May, d, 0)})
		require.NoError(t, err)
		saved = append(saved, tx)
	}

	epoch, err := s.Epoch(ctx, "P")
	require.NoError(t, err)
	assert.Zero(t, epoch)

	// WHEN: Marking from the second row
	require.NoError(t, s.MarkStale(ctx, "P", saved[1].Cursor()))

	// THEN: Rows at or after the cursor are stale, the epoch moved
	snap, err := s.Load(ctx, stock.Query{ProductID: "P"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Epoch)
	assert.False(t, snap.Transactions[0].Stale)
	assert.True(t, snap.Transactions[1].Stale)
	assert.True(t, snap.Transactions[2].Stale)

	// WHEN: Saving recomputed balances
	require.NoError(t, s.SaveBalances(ctx, "P", []stock.BalanceUpdate{
		{ID: saved[1].ID, RunningBalance: dec("2")},
		{ID: saved[2].ID, RunningBalance: dec("3")},
	}))
	snap, err = s.Load(ctx, stock.Query{ProductID: "P"})
	require.NoError(t, err)
	for _, tx := range snap.Transactions {
		assert.False(t, tx.Stale)
	}
	assert.True(t, snap.Transactions[2].RunningBalance.Equal(dec("3")))

	// Unknown rows are reported
	err = s.SaveBalances(ctx, "P", []stock.BalanceUpdate{{ID: 99, RunningBalance: dec("1")}})
	assert.ErrorIs(t, err, stock.ErrNotFound)
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(st stock.Store) error {
		_, err := st.Append(ctx, stock.Transaction{ProductID: "P", Type: stock.EntryIn, Quantity: dec("5"), OccurredAt: at(time.May, 1, 0)})
		require.NoError(t, err)

		// Reads inside the transaction see its own writes
		snap, err := st.Load(ctx, stock.Query{ProductID: "P"})
		require.NoError(t, err)
		require.Len(t, snap.Transactions, 1)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	snap, err := s.Load(ctx, stock.Query{ProductID: "P"})
	require.NoError(t, err)
	assert.Empty(t, snap.Transactions)
}

func TestStore_UpdateAndDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tx, err := s.Append(ctx, stock.Transaction{ProductID: "P", Type: stock.EntryIn, Quantity: dec("5"), OccurredAt: at(time.May, 1, 0), IdempotencyKey: "k"})
	require.NoError(t, err)

	tx.Quantity = dec("7")
	tx.OccurredAt = at(time.April, 2, 0)
	tx.Note = "recount"
	require.NoError(t, s.Update(ctx, tx))

	got, err := s.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, got.Quantity.Equal(dec("7")))
	assert.True(t, got.OccurredAt.Equal(at(time.April, 2, 0)))
	assert.Equal(t, "recount", got.Note)
	assert.Equal(t, "k", got.IdempotencyKey)

	require.NoError(t, s.Delete(ctx, tx.ID))
	assert.ErrorIs(t, s.Delete(ctx, tx.ID), stock.ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, tx), stock.ErrNotFound)
}

func TestStore_ProductRegistry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveProduct(ctx, stock.Product{ID: "B", Name: "Bolt", Unit: "pcs"}))
	require.NoError(t, s.SaveProduct(ctx, stock.Product{ID: "A", Name: "Anchor", Unit: "pcs", DefaultUnitPrice: decimal.NewNullDecimal(dec("2.50"))}))
	require.NoError(t, s.SaveProduct(ctx, stock.Product{ID: "B", Name: "Hex bolt", Unit: "pcs"}))

	p, err := s.Product(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "Hex bolt", p.Name)
	assert.False(t, p.DefaultUnitPrice.Valid)

	_, err = s.Product(ctx, "nope")
	assert.ErrorIs(t, err, stock.ErrNotFound)

	all, err := s.Products(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, stock.ProductID("A"), all[0].ID)
	assert.True(t, all[0].DefaultUnitPrice.Decimal.Equal(dec("2.5")))
}

func TestStore_AuditRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	older := stock.AuditRun{ID: "r1", Status: stock.AuditClean, ProductsChecked: 3,
		StartedAt: at(time.May, 1, 0), CompletedAt: at(time.May, 1, 1), Discrepancies: []stock.Discrepancy{}}
	newer := stock.AuditRun{ID: "r2", Status: stock.AuditDiscrepancies, ProductsChecked: 3,
		StartedAt: at(time.May, 2, 0), CompletedAt: at(time.May, 2, 1),
		Discrepancies: []stock.Discrepancy{{ProductID: "P", TransactionID: 4, Stored: dec("9"), Recomputed: dec("8")}}}
	require.NoError(t, s.SaveAuditRun(ctx, older))
	require.NoError(t, s.SaveAuditRun(ctx, newer))

	runs, err := s.ListAuditRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	require.Len(t, runs[0].Discrepancies, 1)
	assert.True(t, runs[0].Discrepancies[0].Recomputed.Equal(dec("8")))

	runs, err = s.ListAuditRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestEngineOnSQLite_BackdatedInsertCascades(t *testing.T) {
	// GIVEN: The engine wired to SQLite for both transactions and the catalog
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveProduct(ctx, stock.Product{ID: "P", Name: "Widget", Unit: "pcs"}))
	eng := stock.NewEngine(stock.Dependencies{Store: s, Catalog: s, AuditLog: s}, stock.Config{})

	rec := func(req stock.RecordRequest) {
		t.Helper()
		_, err := eng.Record(ctx, req)
		require.NoError(t, err)
	}
	price := decimal.NewNullDecimal(dec("4"))
	purchase := stock.Reference{Type: stock.RefPurchase, ID: "PO"}
	invoice := stock.Reference{Type: stock.RefInvoice, ID: "INV"}
	rec(stock.RecordRequest{ProductID: "P", Type: stock.EntryIn, Quantity: dec("10"), UnitPrice: price, OccurredAt: at(time.May, 1, 0), Reference: purchase})
	rec(stock.RecordRequest{ProductID: "P", Type: stock.EntryOut, Quantity: dec("4"), OccurredAt: at(time.May, 10, 0), Reference: invoice})

	// WHEN: Backdating a receipt before the issue
	rec(stock.RecordRequest{ProductID: "P", Type: stock.EntryIn, Quantity: dec("5"), UnitPrice: price, OccurredAt: at(time.May, 5, 0), Reference: purchase})

	// THEN: Every later running balance reflects it
	entries, err := eng.Ledger(ctx, stock.LedgerQuery{ProductID: "P"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, want := range []string{"10", "15", "11"} {
		assert.True(t, entries[i].RunningBalance.Equal(dec(want)), "row %d: %s", i, entries[i].RunningBalance)
		assert.False(t, entries[i].Stale)
	}

	// AND: A full audit over SQLite is clean and recorded
	run, err := eng.VerifyAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, stock.AuditClean, run.Status)
	runs, err := s.ListAuditRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
