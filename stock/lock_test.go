package stock_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/stock"
)

func TestLocalLocker_BoundedWait(t *testing.T) {
	l := stock.NewLocalLocker(10 * time.Millisecond)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "P")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "P")
	assert.ErrorIs(t, err, stock.ErrConcurrencyConflict)

	other, err := l.Acquire(ctx, "Q")
	require.NoError(t, err, "products do not contend")
	other()

	release()
	release() // idempotent

	again, err := l.Acquire(ctx, "P")
	require.NoError(t, err)
	again()
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	l := stock.NewLocalLocker(0)
	release, err := l.Acquire(context.Background(), "P")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "P")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalLocker_IdleProductsAreForgotten(t *testing.T) {
	// GIVEN: Many products locked and released, one still held with a waiter
	l := stock.NewLocalLocker(5 * time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		release, err := l.Acquire(ctx, stock.ProductID(fmt.Sprintf("P%d", i)))
		require.NoError(t, err)
		release()
	}
	held, err := l.Acquire(ctx, "HELD")
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "HELD")
	require.ErrorIs(t, err, stock.ErrConcurrencyConflict)

	// THEN: Only the held product keeps a slot, and none once it is released
	assert.Equal(t, 1, l.Tracked())
	held()
	assert.Zero(t, l.Tracked())

	// AND: A fresh slot still excludes
	again, err := l.Acquire(ctx, "HELD")
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "HELD")
	assert.ErrorIs(t, err, stock.ErrConcurrencyConflict)
	again()
}
