package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/cache"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/stock/store"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func at(day, hour int) time.Time {
	return time.Date(2024, time.May, day, hour, 0, 0, 0, time.UTC)
}

func checkpoint(id stock.TransactionID, ts time.Time, policy stock.Policy, qty int64) stock.Checkpoint {
	return stock.Checkpoint{
		ProductID: "P",
		Policy:    policy,
		Cursor:    stock.Cursor{OccurredAt: ts, ID: id},
		Epoch:     3,
		Count:     int(id),
		Book:      stock.Book{Policy: policy, Quantity: decimal.NewFromInt(qty), Value: decimal.NewFromInt(qty * 2)},
	}
}

func TestCheckpoints_GetReturnsLatestStrictlyBefore(t *testing.T) {
	_, client := newRedis(t)
	cps := cache.NewCheckpoints(client, "test")
	ctx := context.Background()

	require.NoError(t, cps.Put(ctx, checkpoint(1, at(1, 0), stock.PolicyFIFO, 10)))
	require.NoError(t, cps.Put(ctx, checkpoint(2, at(2, 0), stock.PolicyFIFO, 20)))
	require.NoError(t, cps.Put(ctx, checkpoint(3, at(3, 0), stock.PolicyFIFO, 30)))

	// Unbounded: newest
	cp, err := cps.Get(ctx, "P", stock.PolicyFIFO, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, stock.TransactionID(3), cp.Cursor.ID)
	assert.True(t, cp.Book.Quantity.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, int64(3), cp.Epoch)

	// Bounded: a checkpoint exactly at the bound is excluded
	cp, err = cps.Get(ctx, "P", stock.PolicyFIFO, at(3, 0))
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, stock.TransactionID(2), cp.Cursor.ID)

	// Sub-millisecond precision is honored
	cp, err = cps.Get(ctx, "P", stock.PolicyFIFO, at(3, 0).Add(time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, stock.TransactionID(3), cp.Cursor.ID)

	// Other policies and earlier bounds miss
	cp, err = cps.Get(ctx, "P", stock.PolicyLIFO, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, cp)
	cp, err = cps.Get(ctx, "P", stock.PolicyFIFO, at(1, 0))
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpoints_InvalidateDropsAtOrAfterForEveryPolicy(t *testing.T) {
	_, client := newRedis(t)
	cps := cache.NewCheckpoints(client, "test")
	ctx := context.Background()

	for _, policy := range stock.Policies() {
		require.NoError(t, cps.Put(ctx, checkpoint(1, at(1, 0), policy, 10)))
		require.NoError(t, cps.Put(ctx, checkpoint(2, at(2, 0), policy, 20)))
	}

	// WHEN: Invalidating from the second cursor
	require.NoError(t, cps.Invalidate(ctx, "P", stock.Cursor{OccurredAt: at(2, 0), ID: 2}))

	// THEN: Only the first survives, under every policy
	for _, policy := range stock.Policies() {
		cp, err := cps.Get(ctx, "P", policy, time.Time{})
		require.NoError(t, err)
		require.NotNil(t, cp, policy)
		assert.Equal(t, stock.TransactionID(1), cp.Cursor.ID, policy)
	}

	// AND: A zero cursor clears everything
	require.NoError(t, cps.Invalidate(ctx, "P", stock.Cursor{}))
	cp, err := cps.Get(ctx, "P", stock.PolicyWeightedAverage, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpoints_TrimsToPerKeyAndExpires(t *testing.T) {
	mr, client := newRedis(t)
	cps := cache.NewCheckpoints(client, "test")
	cps.PerKey = 2
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, cps.Put(ctx, checkpoint(stock.TransactionID(i), at(i, 0), stock.PolicyFIFO, int64(i))))
	}
	cp, err := cps.Get(ctx, "P", stock.PolicyFIFO, at(3, 0))
	require.NoError(t, err)
	assert.Nil(t, cp, "checkpoints 1 and 2 were trimmed")

	mr.FastForward(25 * time.Hour)
	cp, err = cps.Get(ctx, "P", stock.PolicyFIFO, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpoints_ServeEngineReplays(t *testing.T) {
	// GIVEN: An engine whose checkpoints live in Redis
	_, client := newRedis(t)
	cps := cache.NewCheckpoints(client, "test")
	eng := stock.NewEngine(stock.Dependencies{Store: store.NewTxMemory(), Checkpoints: cps}, stock.Config{
		RequireReference: map[stock.EntryType]bool{},
	})
	ctx := context.Background()

	_, err := eng.Record(ctx, stock.RecordRequest{ProductID: "P", Type: stock.EntryIn, Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewNullDecimal(decimal.NewFromInt(5)), OccurredAt: at(1, 0)})
	require.NoError(t, err)
	_, err = eng.Record(ctx, stock.RecordRequest{ProductID: "P", Type: stock.EntryIn, Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewNullDecimal(decimal.NewFromInt(7)), OccurredAt: at(3, 0)})
	require.NoError(t, err)

	// WHEN: Reconstructing twice around a backdated insert
	pos, err := eng.Reconstruct(ctx, "P", nil, stock.PolicyFIFO)
	require.NoError(t, err)
	assert.True(t, pos.Value.Equal(decimal.NewFromInt(120)))

	cp, err := cps.Get(ctx, "P", stock.PolicyFIFO, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, cp, "the replay left a checkpoint")

	_, err = eng.Record(ctx, stock.RecordRequest{ProductID: "P", Type: stock.EntryOut, Quantity: decimal.NewFromInt(5), OccurredAt: at(2, 0)})
	require.NoError(t, err)

	// THEN: The backdated issue is seen, FIFO consumed the 5-cost lot first
	pos, err = eng.Reconstruct(ctx, "P", nil, stock.PolicyFIFO)
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(15)))
	assert.True(t, pos.Value.Equal(decimal.NewFromInt(95)), pos.Value.String())
}

func TestLocker_ExclusiveWithBoundedWait(t *testing.T) {
	_, client := newRedis(t)
	l := cache.NewLocker(client, "test", 50*time.Millisecond)
	l.Poll = 5 * time.Millisecond
	ctx := context.Background()

	release, err := l.Acquire(ctx, "P")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "P")
	assert.ErrorIs(t, err, stock.ErrConcurrencyConflict)

	other, err := l.Acquire(ctx, "Q")
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := l.Acquire(ctx, "P")
	require.NoError(t, err)
	again()
}

func TestLocker_ExpiredLeaseIsNotReleasedByFormerHolder(t *testing.T) {
	mr, client := newRedis(t)
	l := cache.NewLocker(client, "test", 50*time.Millisecond)
	l.Lease = time.Second
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "P")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	// WHEN: Another holder takes over, then the former holder releases
	current, err := l.Acquire(ctx, "P")
	require.NoError(t, err)
	stale()

	// THEN: The current holder's lock is untouched
	assert.True(t, mr.Exists("test:lock:P"))
	current()
	assert.False(t, mr.Exists("test:lock:P"))
}

func TestLocker_RenewsLeaseWhileHeld(t *testing.T) {
	// GIVEN: A lock with a short lease whose remaining TTL is nearly spent
	mr, client := newRedis(t)
	l := cache.NewLocker(client, "test", 20*time.Millisecond)
	l.Lease = 150 * time.Millisecond
	l.Poll = 5 * time.Millisecond
	ctx := context.Background()

	release, err := l.Acquire(ctx, "P")
	require.NoError(t, err)
	mr.FastForward(140 * time.Millisecond)
	require.True(t, mr.Exists("test:lock:P"))

	// WHEN: The holder keeps working past a renewal tick
	// THEN: The lease is extended and nobody else gets in
	assert.Eventually(t, func() bool {
		return mr.TTL("test:lock:P") > 100*time.Millisecond
	}, time.Second, 10*time.Millisecond)
	mr.FastForward(100 * time.Millisecond)
	_, err = l.Acquire(ctx, "P")
	assert.ErrorIs(t, err, stock.ErrConcurrencyConflict)

	// AND: Release stops renewal and frees the key
	release()
	assert.False(t, mr.Exists("test:lock:P"))
	mr.Set("test:lock:P", "someone-else")
	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, mr.TTL("test:lock:P"))
}

func TestLocker_SerializesConcurrentWriters(t *testing.T) {
	_, client := newRedis(t)
	l := cache.NewLocker(client, "test", 2*time.Second)
	l.Poll = time.Millisecond
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "P")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
