// Package store provides in-process stock.Store implementations.
package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/warp/stock-ledger/stock"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	nextID      stock.TransactionID
	rows        map[stock.ProductID][]stock.Transaction // chronological
	owner       map[stock.TransactionID]stock.ProductID
	epochs      map[stock.ProductID]int64
	idempotency map[string]stock.TransactionID

	// Now stamps CreatedAt. Defaults to time.Now.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rows:        make(map[stock.ProductID][]stock.Transaction),
		owner:       make(map[stock.TransactionID]stock.ProductID),
		epochs:      make(map[stock.ProductID]int64),
		idempotency: make(map[string]stock.TransactionID),
	}
}

func (m *Memory) Append(_ context.Context, tx stock.Transaction) (stock.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) Get(_ context.Context, id stock.TransactionID) (stock.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) Update(_ context.Context, tx stock.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(tx)
}

func (m *Memory) Delete(_ context.Context, id stock.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Memory) Load(_ context.Context, q stock.Query) (stock.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(q), nil
}

func (m *Memory) Last(_ context.Context, productID stock.ProductID) (stock.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.lastLocked(productID)
	return tx, ok, nil
}

func (m *Memory) MarkStale(_ context.Context, productID stock.ProductID, from stock.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markStaleLocked(productID, from)
	return nil
}

func (m *Memory) SaveBalances(_ context.Context, productID stock.ProductID, updates []stock.BalanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveBalancesLocked(productID, updates)
}

func (m *Memory) ProductIDs(_ context.Context) ([]stock.ProductID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.productIDsLocked(), nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (stock.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findKeyLocked(key)
}

// Epoch returns the product's current epoch.
func (m *Memory) Epoch(productID stock.ProductID) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epochs[productID]
}

// =============================================================================
// LOCKED HELPERS - caller holds m.mu
// =============================================================================

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) appendLocked(tx stock.Transaction) (stock.Transaction, error) {
	if tx.IdempotencyKey != "" {
		if _, exists := m.idempotency[tx.IdempotencyKey]; exists {
			return stock.Transaction{}, stock.ErrDuplicateIdempotencyKey
		}
	}
	m.nextID++
	tx.ID = m.nextID
	tx.CreatedAt = m.now()

	m.insertLocked(tx)
	m.owner[tx.ID] = tx.ProductID
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = tx.ID
	}
	return tx, nil
}

// insertLocked places tx at its chronological position.
func (m *Memory) insertLocked(tx stock.Transaction) {
	txs := m.rows[tx.ProductID]
	c := tx.Cursor()
	i := sort.Search(len(txs), func(i int) bool {
		return c.Less(txs[i].Cursor())
	})
	txs = append(txs, stock.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	m.rows[tx.ProductID] = txs
}

func (m *Memory) indexLocked(id stock.TransactionID) (stock.ProductID, int, bool) {
	pid, ok := m.owner[id]
	if !ok {
		return "", 0, false
	}
	for i, tx := range m.rows[pid] {
		if tx.ID == id {
			return pid, i, true
		}
	}
	return "", 0, false
}

func (m *Memory) getLocked(id stock.TransactionID) (stock.Transaction, error) {
	pid, i, ok := m.indexLocked(id)
	if !ok {
		return stock.Transaction{}, &stock.NotFoundError{Kind: "transaction", ID: formatID(id)}
	}
	return m.rows[pid][i], nil
}

func (m *Memory) updateLocked(tx stock.Transaction) error {
	pid, i, ok := m.indexLocked(tx.ID)
	if !ok {
		return &stock.NotFoundError{Kind: "transaction", ID: formatID(tx.ID)}
	}
	old := m.rows[pid][i]
	tx.ProductID = old.ProductID
	tx.Type = old.Type
	tx.CreatedAt = old.CreatedAt
	tx.IdempotencyKey = old.IdempotencyKey

	txs := m.rows[pid]
	m.rows[pid] = append(txs[:i:i], txs[i+1:]...)
	m.insertLocked(tx)
	return nil
}

func (m *Memory) deleteLocked(id stock.TransactionID) error {
	pid, i, ok := m.indexLocked(id)
	if !ok {
		return &stock.NotFoundError{Kind: "transaction", ID: formatID(id)}
	}
	txs := m.rows[pid]
	if key := txs[i].IdempotencyKey; key != "" {
		delete(m.idempotency, key)
	}
	m.rows[pid] = append(txs[:i:i], txs[i+1:]...)
	delete(m.owner, id)
	return nil
}

func (m *Memory) loadLocked(q stock.Query) stock.Snapshot {
	snap := stock.Snapshot{ProductID: q.ProductID, Epoch: m.epochs[q.ProductID]}
	snap.Transactions = make([]stock.Transaction, 0, len(m.rows[q.ProductID]))
	for _, tx := range m.rows[q.ProductID] {
		if q.Match(tx) {
			snap.Transactions = append(snap.Transactions, tx)
		}
	}
	return snap
}

func (m *Memory) lastLocked(productID stock.ProductID) (stock.Transaction, bool) {
	txs := m.rows[productID]
	if len(txs) == 0 {
		return stock.Transaction{}, false
	}
	return txs[len(txs)-1], true
}

func (m *Memory) markStaleLocked(productID stock.ProductID, from stock.Cursor) {
	txs := m.rows[productID]
	for i := range txs {
		if !txs[i].Cursor().Less(from) {
			txs[i].Stale = true
		}
	}
	m.epochs[productID]++
}

func (m *Memory) saveBalancesLocked(productID stock.ProductID, updates []stock.BalanceUpdate) error {
	txs := m.rows[productID]
	pos := make(map[stock.TransactionID]int, len(txs))
	for i, tx := range txs {
		pos[tx.ID] = i
	}
	for _, u := range updates {
		i, ok := pos[u.ID]
		if !ok {
			return &stock.NotFoundError{Kind: "transaction", ID: formatID(u.ID)}
		}
		txs[i].RunningBalance = u.RunningBalance
		txs[i].Stale = false
	}
	return nil
}

func (m *Memory) productIDsLocked() []stock.ProductID {
	ids := make([]stock.ProductID, 0, len(m.rows))
	for id, txs := range m.rows {
		if len(txs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *Memory) findKeyLocked(key string) (stock.Transaction, bool, error) {
	id, ok := m.idempotency[key]
	if !ok {
		return stock.Transaction{}, false, nil
	}
	tx, err := m.getLocked(id)
	if err != nil {
		return stock.Transaction{}, false, err
	}
	return tx, true, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Other callers block until fn returns.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(stock.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	nextID      stock.TransactionID
	rows        map[stock.ProductID][]stock.Transaction
	owner       map[stock.TransactionID]stock.ProductID
	epochs      map[stock.ProductID]int64
	idempotency map[string]stock.TransactionID
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		nextID:      tm.nextID,
		rows:        make(map[stock.ProductID][]stock.Transaction, len(tm.rows)),
		owner:       make(map[stock.TransactionID]stock.ProductID, len(tm.owner)),
		epochs:      make(map[stock.ProductID]int64, len(tm.epochs)),
		idempotency: make(map[string]stock.TransactionID, len(tm.idempotency)),
	}
	for k, v := range tm.rows {
		s.rows[k] = append([]stock.Transaction{}, v...)
	}
	for k, v := range tm.owner {
		s.owner[k] = v
	}
	for k, v := range tm.epochs {
		s.epochs[k] = v
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.nextID = s.nextID
	tm.rows = s.rows
	tm.owner = s.owner
	tm.epochs = s.epochs
	tm.idempotency = s.idempotency
}

// txMemoryView runs against the parent while WithTx holds its lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) Append(_ context.Context, tx stock.Transaction) (stock.Transaction, error) {
	return tv.parent.appendLocked(tx)
}

func (tv *txMemoryView) Get(_ context.Context, id stock.TransactionID) (stock.Transaction, error) {
	return tv.parent.getLocked(id)
}

func (tv *txMemoryView) Update(_ context.Context, tx stock.Transaction) error {
	return tv.parent.updateLocked(tx)
}

func (tv *txMemoryView) Delete(_ context.Context, id stock.TransactionID) error {
	return tv.parent.deleteLocked(id)
}

func (tv *txMemoryView) Load(_ context.Context, q stock.Query) (stock.Snapshot, error) {
	return tv.parent.loadLocked(q), nil
}

func (tv *txMemoryView) Last(_ context.Context, productID stock.ProductID) (stock.Transaction, bool, error) {
	tx, ok := tv.parent.lastLocked(productID)
	return tx, ok, nil
}

func (tv *txMemoryView) MarkStale(_ context.Context, productID stock.ProductID, from stock.Cursor) error {
	tv.parent.markStaleLocked(productID, from)
	return nil
}

func (tv *txMemoryView) SaveBalances(_ context.Context, productID stock.ProductID, updates []stock.BalanceUpdate) error {
	return tv.parent.saveBalancesLocked(productID, updates)
}

func (tv *txMemoryView) ProductIDs(_ context.Context) ([]stock.ProductID, error) {
	return tv.parent.productIDsLocked(), nil
}

func (tv *txMemoryView) FindByIdempotencyKey(_ context.Context, key string) (stock.Transaction, bool, error) {
	return tv.parent.findKeyLocked(key)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AuditLog keeps audit runs in memory, newest last.
type AuditLog struct {
	mu   sync.Mutex
	runs []stock.AuditRun
}

func (a *AuditLog) SaveAuditRun(_ context.Context, run stock.AuditRun) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, run)
	return nil
}

// ListAuditRuns returns up to limit runs, newest first.
func (a *AuditLog) ListAuditRuns(_ context.Context, limit int) ([]stock.AuditRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]stock.AuditRun, 0, len(a.runs))
	for i := len(a.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, a.runs[i])
	}
	return out, nil
}

func formatID(id stock.TransactionID) string {
	return strconv.FormatInt(int64(id), 10)
}
