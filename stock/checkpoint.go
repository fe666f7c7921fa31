/*
checkpoint.go - Cached costing state at a point in a product's history

PURPOSE:
  A Checkpoint is the fold of every transaction up to and including Cursor.
  Replays resume from the latest usable checkpoint instead of genesis.

USABILITY RULES:
  A checkpoint may seed a replay bounded by B only when
    1. Cursor.OccurredAt < B (it summarizes rows strictly before B)
    2. Epoch equals the epoch returned with the rows being replayed
    3. Fallback equals the product's current default unit price
  Anything else is ignored and the replay starts from genesis. A stale
  checkpoint can therefore cost time but never correctness.

INVALIDATION:
  Mutations that are not tail appends call Invalidate(from). Epoch checks
  cover the window between a mutation and its invalidation.

IMPLEMENTATIONS:
  - MemoryCheckpoints (this file): bounded per-key history
  - cache/checkpoints.go: Redis sorted set + hash, shared across processes
*/
package stock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Checkpoint struct {
	ProductID ProductID           `json:"product_id"`
	Policy    Policy              `json:"policy"`
	Cursor    Cursor              `json:"cursor"`
	Epoch     int64               `json:"epoch"`
	Count     int                 `json:"count"`
	Fallback  decimal.NullDecimal `json:"fallback"`
	Book      Book                `json:"book"`
}

// CheckpointCache stores checkpoints. Implementations are best-effort: a
// lost or evicted checkpoint only makes the next replay slower.
type CheckpointCache interface {
	// Get returns the latest checkpoint whose cursor is strictly before
	// before. A zero before means unbounded. Returns nil on a miss.
	Get(ctx context.Context, productID ProductID, policy Policy, before time.Time) (*Checkpoint, error)

	Put(ctx context.Context, cp Checkpoint) error

	// Invalidate drops every checkpoint of the product at or after from,
	// for every policy.
	Invalidate(ctx context.Context, productID ProductID, from Cursor) error
}

// Usable reports whether cp may seed a replay of rows read at epoch.
func (cp *Checkpoint) Usable(epoch int64, fallback decimal.NullDecimal) bool {
	if cp == nil || cp.Epoch != epoch {
		return false
	}
	if cp.Fallback.Valid != fallback.Valid {
		return false
	}
	return !fallback.Valid || cp.Fallback.Decimal.Equal(fallback.Decimal)
}

// =============================================================================
// MEMORY CHECKPOINTS
// =============================================================================

const defaultCheckpointsPerKey = 16

type checkpointKey struct {
	ProductID ProductID
	Policy    Policy
}

// MemoryCheckpoints keeps the most recent checkpoints per (product, policy)
// in process memory.
type MemoryCheckpoints struct {
	// PerKey bounds the history kept per product and policy.
	PerKey int

	mu   sync.RWMutex
	data map[checkpointKey][]Checkpoint // ascending by cursor
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{
		PerKey: defaultCheckpointsPerKey,
		data:   make(map[checkpointKey][]Checkpoint),
	}
}

func (m *MemoryCheckpoints) Get(_ context.Context, productID ProductID, policy Policy, before time.Time) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.data[checkpointKey{productID, policy.orDefault()}]
	for i := len(list) - 1; i >= 0; i-- {
		if before.IsZero() || list[i].Cursor.OccurredAt.Before(before) {
			cp := list[i]
			cp.Book = cp.Book.Clone()
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryCheckpoints) Put(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		m.data = make(map[checkpointKey][]Checkpoint)
	}
	cp.Policy = cp.Policy.orDefault()
	cp.Book = cp.Book.Clone()
	k := checkpointKey{cp.ProductID, cp.Policy}
	list := m.data[k]

	i := sort.Search(len(list), func(i int) bool { return !list[i].Cursor.Less(cp.Cursor) })
	if i < len(list) && list[i].Cursor == cp.Cursor {
		list[i] = cp
	} else {
		list = append(list, Checkpoint{})
		copy(list[i+1:], list[i:])
		list[i] = cp
	}

	limit := m.PerKey
	if limit <= 0 {
		limit = defaultCheckpointsPerKey
	}
	if len(list) > limit {
		list = append([]Checkpoint(nil), list[len(list)-limit:]...)
	}
	m.data[k] = list
	return nil
}

func (m *MemoryCheckpoints) Invalidate(_ context.Context, productID ProductID, from Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, list := range m.data {
		if k.ProductID != productID {
			continue
		}
		kept := list[:0]
		for _, cp := range list {
			if cp.Cursor.Less(from) {
				kept = append(kept, cp)
			}
		}
		if len(kept) == 0 {
			delete(m.data, k)
			continue
		}
		m.data[k] = kept
	}
	return nil
}

// Len returns the number of checkpoints held for a product and policy.
func (m *MemoryCheckpoints) Len(productID ProductID, policy Policy) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[checkpointKey{productID, policy.orDefault()}])
}
