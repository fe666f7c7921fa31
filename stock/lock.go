package stock

import (
	"context"
	"sync"
	"time"
)

// Locker serializes mutations per product. Acquire blocks until the slot is
// free, the wait bound passes, or ctx is done. The returned release func
// must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, productID ProductID) (release func(), err error)
}

// LocalLocker is an in-process Locker: one single-slot semaphore per product.
// Different products never contend. A slot lives only while someone holds
// or waits for it, so idle products cost nothing.
type LocalLocker struct {
	Timeout time.Duration

	mu    sync.Mutex
	slots map[ProductID]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{Timeout: timeout, slots: make(map[ProductID]*slot)}
}

func (l *LocalLocker) join(productID ProductID) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = make(map[ProductID]*slot)
	}
	s, ok := l.slots[productID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[productID] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) leave(productID ProductID, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, productID)
	}
}

// Tracked reports how many products currently have a holder or waiter.
func (l *LocalLocker) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *LocalLocker) Acquire(ctx context.Context, productID ProductID) (func(), error) {
	s := l.join(productID)
	start := time.Now()

	var timeout <-chan time.Time
	if l.Timeout > 0 {
		timer := time.NewTimer(l.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.leave(productID, s)
			})
		}, nil
	case <-timeout:
		l.leave(productID, s)
		return nil, &ConcurrencyConflictError{ProductID: productID, Waited: time.Since(start)}
	case <-ctx.Done():
		l.leave(productID, s)
		return nil, ctx.Err()
	}
}
