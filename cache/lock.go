package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/warp/stock-ledger/stock"
)

const (
	defaultLease = 30 * time.Second
	defaultPoll  = 25 * time.Millisecond
)

// releaseScript deletes the lock only while it still holds our token, so an
// expired lease taken over by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while the lock still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker implements stock.Locker with one Redis key per product. A held
// lock renews its lease every Lease/3 until released, so long rebalances
// keep it; a holder that dies stops renewing and the key expires.
type Locker struct {
	client *redis.Client
	prefix string

	// Timeout bounds how long Acquire waits. Zero waits until ctx is done.
	Timeout time.Duration
	// Lease expires a lock whose holder died.
	Lease time.Duration
	// Poll is the retry interval while the lock is held elsewhere.
	Poll time.Duration
}

func NewLocker(client *redis.Client, prefix string, timeout time.Duration) *Locker {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Locker{client: client, prefix: prefix, Timeout: timeout, Lease: defaultLease, Poll: defaultPoll}
}

func (l *Locker) key(productID stock.ProductID) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, productID)
}

func (l *Locker) Acquire(ctx context.Context, productID stock.ProductID) (func(), error) {
	key := l.key(productID)
	token := uuid.NewString()
	start := time.Now()

	lease := l.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	poll := l.Poll
	if poll <= 0 {
		poll = defaultPoll
	}

	var deadline <-chan time.Time
	if l.Timeout > 0 {
		timer := time.NewTimer(l.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("cache: acquire lock %s: %w", productID, err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go l.renew(key, token, lease, stop, done)

			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					// Background: the caller's ctx may already be done.
					_ = releaseScript.Run(context.Background(), l.client, []string{key}, token).Err()
				})
			}, nil
		}

		select {
		case <-ticker.C:
		case <-deadline:
			return nil, &stock.ConcurrencyConflictError{ProductID: productID, Waited: time.Since(start)}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// renew keeps the lease alive until stop is closed or the lock is lost.
func (l *Locker) renew(key, token string, lease time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := lease / 3
	if every <= 0 {
		every = lease
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := renewScript.Run(context.Background(), l.client, []string{key}, token, lease.Milliseconds()).Int()
			if err == nil && n == 0 {
				return
			}
		}
	}
}

var _ stock.Locker = (*Locker)(nil)
