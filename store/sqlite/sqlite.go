/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the stock ledger's persistence using SQLite. The same SQL runs
  on PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  stock.TxStore:       transaction persistence with cached running balances
  stock.Catalog:       product registry lookups
  stock.ProductLister: product enumeration
  stock.AuditStore:    consistency audit history

KEY TABLES:
  transactions:   every stock movement, with running_balance and stale flag
  product_epochs: per-product counter bumped on non-tail mutations
  products:       product registry (name, unit, default price)
  audit_runs:     results of scheduled and on-demand verification

ORDERING:
  occurred_at is stored as fixed-width UTC text (nanosecond precision) so
  lexical order equals chronological order. Ties break on id.

DECIMALS:
  Quantities, prices and balances are TEXT columns written and read through
  decimal.Decimal's sql.Scanner / driver.Valuer. No float ever touches them.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single pooled connection, so an
  in-memory database is shared by every caller. Load reads rows and epoch
  under one read lock, which makes every Snapshot consistent.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := stock.NewEngine(stock.Dependencies{Store: store, Catalog: store}, cfg)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - stock/store.go: Interface definitions
  - stock/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/stock-ledger/stock"
)

// timeLayout is fixed-width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Stock transactions
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id TEXT NOT NULL,
		entry_type TEXT NOT NULL CHECK (entry_type IN ('in', 'out', 'adjust')),
		quantity TEXT NOT NULL,
		unit_price TEXT,
		occurred_at TEXT NOT NULL,
		ref_type TEXT NOT NULL DEFAULT '',
		ref_id TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		running_balance TEXT NOT NULL DEFAULT '0',
		stale INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Chronological replay per product (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_product_order
		ON transactions(product_id, occurred_at, id);

	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(ref_type, ref_id) WHERE ref_id <> '';

	CREATE INDEX IF NOT EXISTS idx_transactions_stale
		ON transactions(product_id) WHERE stale = 1;

	-- Per-product epochs guard cached checkpoints
	CREATE TABLE IF NOT EXISTS product_epochs (
		product_id TEXT PRIMARY KEY,
		epoch INTEGER NOT NULL DEFAULT 0
	);

	-- Product registry
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		default_unit_price TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Consistency audit runs
	CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		products_checked INTEGER NOT NULL DEFAULT 0,
		discrepancies_json TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_runs_started
		ON audit_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIES - shared by Store and txStore
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const txColumns = `id, product_id, entry_type, quantity, unit_price, occurred_at,
	ref_type, ref_id, note, idempotency_key, running_balance, stale, created_at`

func (x queries) append(ctx context.Context, tx stock.Transaction) (stock.Transaction, error) {
	now := time.Now().UTC()
	res, err := x.q.ExecContext(ctx, `
		INSERT INTO transactions
		(product_id, entry_type, quantity, unit_price, occurred_at, ref_type, ref_id,
		 note, idempotency_key, running_balance, stale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ProductID,
		tx.Type,
		tx.Quantity,
		tx.UnitPrice,
		formatTime(tx.OccurredAt),
		tx.Reference.Type,
		tx.Reference.ID,
		tx.Note,
		nullString(tx.IdempotencyKey),
		tx.RunningBalance,
		tx.Stale,
		formatTime(now),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return stock.Transaction{}, stock.ErrDuplicateIdempotencyKey
		}
		return stock.Transaction{}, fmt.Errorf("failed to append transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return stock.Transaction{}, fmt.Errorf("failed to read transaction id: %w", err)
	}
	tx.ID = stock.TransactionID(id)
	tx.CreatedAt = now
	return tx, nil
}

func (x queries) get(ctx context.Context, id stock.TransactionID) (stock.Transaction, error) {
	txs, err := x.queryTransactions(ctx, "SELECT "+txColumns+" FROM transactions WHERE id = ?", id)
	if err != nil {
		return stock.Transaction{}, err
	}
	if len(txs) == 0 {
		return stock.Transaction{}, notFound(id)
	}
	return txs[0], nil
}

func (x queries) update(ctx context.Context, tx stock.Transaction) error {
	res, err := x.q.ExecContext(ctx, `
		UPDATE transactions SET
			quantity = ?, unit_price = ?, occurred_at = ?, ref_type = ?, ref_id = ?,
			note = ?, running_balance = ?, stale = ?
		WHERE id = ?`,
		tx.Quantity, tx.UnitPrice, formatTime(tx.OccurredAt), tx.Reference.Type, tx.Reference.ID,
		tx.Note, tx.RunningBalance, tx.Stale, tx.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", tx.ID, err)
	}
	return requireAffected(res, tx.ID)
}

func (x queries) delete(ctx context.Context, id stock.TransactionID) error {
	res, err := x.q.ExecContext(ctx, "DELETE FROM transactions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction %d: %w", id, err)
	}
	return requireAffected(res, id)
}

func (x queries) load(ctx context.Context, q stock.Query) (stock.Snapshot, error) {
	where := []string{"product_id = ?"}
	args := []any{q.ProductID}
	if q.After != nil {
		at := formatTime(q.After.OccurredAt)
		where = append(where, "(occurred_at > ? OR (occurred_at = ? AND id > ?))")
		args = append(args, at, at, q.After.ID)
	}
	if !q.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, formatTime(q.Since))
	}
	if !q.Before.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, formatTime(q.Before))
	}

	epoch, err := x.epoch(ctx, q.ProductID)
	if err != nil {
		return stock.Snapshot{}, err
	}
	txs, err := x.queryTransactions(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE "+strings.Join(where, " AND ")+
			" ORDER BY occurred_at ASC, id ASC",
		args...)
	if err != nil {
		return stock.Snapshot{}, err
	}
	return stock.Snapshot{ProductID: q.ProductID, Epoch: epoch, Transactions: txs}, nil
}

func (x queries) last(ctx context.Context, productID stock.ProductID) (stock.Transaction, bool, error) {
	txs, err := x.queryTransactions(ctx,
		"SELECT "+txColumns+" FROM transactions WHERE product_id = ? ORDER BY occurred_at DESC, id DESC LIMIT 1",
		productID)
	if err != nil || len(txs) == 0 {
		return stock.Transaction{}, false, err
	}
	return txs[0], true, nil
}

func (x queries) markStale(ctx context.Context, productID stock.ProductID, from stock.Cursor) error {
	at := formatTime(from.OccurredAt)
	if _, err := x.q.ExecContext(ctx, `
		UPDATE transactions SET stale = 1
		WHERE product_id = ? AND (occurred_at > ? OR (occurred_at = ? AND id >= ?))`,
		productID, at, at, from.ID,
	); err != nil {
		return fmt.Errorf("failed to mark stale: %w", err)
	}
	if _, err := x.q.ExecContext(ctx, `
		INSERT INTO product_epochs (product_id, epoch) VALUES (?, 1)
		ON CONFLICT(product_id) DO UPDATE SET epoch = product_epochs.epoch + 1`,
		productID,
	); err != nil {
		return fmt.Errorf("failed to bump epoch: %w", err)
	}
	return nil
}

func (x queries) saveBalances(ctx context.Context, productID stock.ProductID, updates []stock.BalanceUpdate) error {
	for _, u := range updates {
		res, err := x.q.ExecContext(ctx,
			"UPDATE transactions SET running_balance = ?, stale = 0 WHERE id = ? AND product_id = ?",
			u.RunningBalance, u.ID, productID)
		if err != nil {
			return fmt.Errorf("failed to save balance of %d: %w", u.ID, err)
		}
		if err := requireAffected(res, u.ID); err != nil {
			return err
		}
	}
	return nil
}

func (x queries) productIDs(ctx context.Context) ([]stock.ProductID, error) {
	rows, err := x.q.QueryContext(ctx, "SELECT DISTINCT product_id FROM transactions ORDER BY product_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	ids := make([]stock.ProductID, 0)
	for rows.Next() {
		var id stock.ProductID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (x queries) findByIdempotencyKey(ctx context.Context, key string) (stock.Transaction, bool, error) {
	txs, err := x.queryTransactions(ctx, "SELECT "+txColumns+" FROM transactions WHERE idempotency_key = ?", key)
	if err != nil || len(txs) == 0 {
		return stock.Transaction{}, false, err
	}
	return txs[0], true, nil
}

func (x queries) epoch(ctx context.Context, productID stock.ProductID) (int64, error) {
	var epoch int64
	err := x.q.QueryRowContext(ctx, "SELECT epoch FROM product_epochs WHERE product_id = ?", productID).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read epoch: %w", err)
	}
	return epoch, nil
}

func (x queries) queryTransactions(ctx context.Context, query string, args ...any) ([]stock.Transaction, error) {
	rows, err := x.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	transactions := make([]stock.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (stock.Transaction, error) {
	var (
		tx             stock.Transaction
		occurredAt     string
		idempotencyKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&tx.ID, &tx.ProductID, &tx.Type, &tx.Quantity, &tx.UnitPrice, &occurredAt,
		&tx.Reference.Type, &tx.Reference.ID, &tx.Note, &idempotencyKey,
		&tx.RunningBalance, &tx.Stale, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.OccurredAt, err = parseTime(occurredAt); err != nil {
		return tx, fmt.Errorf("transaction %d: bad occurred_at %q: %w", tx.ID, occurredAt, err)
	}
	tx.CreatedAt, _ = parseTime(createdAt)
	tx.IdempotencyKey = idempotencyKey.String
	return tx, nil
}

// =============================================================================
// TRANSACTION STORE (stock.Store interface)
// =============================================================================

func (s *Store) reader() queries { return queries{q: s.db} }

// Append adds a transaction, assigning its ID.
func (s *Store) Append(ctx context.Context, tx stock.Transaction) (stock.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().append(ctx, tx)
}

func (s *Store) Get(ctx context.Context, id stock.TransactionID) (stock.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().get(ctx, id)
}

func (s *Store) Update(ctx context.Context, tx stock.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().update(ctx, tx)
}

func (s *Store) Delete(ctx context.Context, id stock.TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().delete(ctx, id)
}

// Load returns a product's rows and epoch under one read lock.
func (s *Store) Load(ctx context.Context, q stock.Query) (stock.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().load(ctx, q)
}

func (s *Store) Last(ctx context.Context, productID stock.ProductID) (stock.Transaction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().last(ctx, productID)
}

func (s *Store) MarkStale(ctx context.Context, productID stock.ProductID, from stock.Cursor) error {
	return s.WithTx(ctx, func(st stock.Store) error {
		return st.MarkStale(ctx, productID, from)
	})
}

func (s *Store) SaveBalances(ctx context.Context, productID stock.ProductID, updates []stock.BalanceUpdate) error {
	return s.WithTx(ctx, func(st stock.Store) error {
		return st.SaveBalances(ctx, productID, updates)
	})
}

func (s *Store) ProductIDs(ctx context.Context) ([]stock.ProductID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().productIDs(ctx)
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (stock.Transaction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().findByIdempotencyKey(ctx, key)
}

// Epoch returns a product's current epoch.
func (s *Store) Epoch(ctx context.Context, productID stock.ProductID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().epoch(ctx, productID)
}

// =============================================================================
// TRANSACTIONAL STORE (stock.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. Every call the
// function makes through the given Store runs on the same sql.Tx.
func (s *Store) WithTx(ctx context.Context, fn func(store stock.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	queries
}

func (ts *txStore) Append(ctx context.Context, tx stock.Transaction) (stock.Transaction, error) {
	return ts.append(ctx, tx)
}

func (ts *txStore) Get(ctx context.Context, id stock.TransactionID) (stock.Transaction, error) {
	return ts.get(ctx, id)
}

func (ts *txStore) Update(ctx context.Context, tx stock.Transaction) error {
	return ts.update(ctx, tx)
}

func (ts *txStore) Delete(ctx context.Context, id stock.TransactionID) error {
	return ts.delete(ctx, id)
}

func (ts *txStore) Load(ctx context.Context, q stock.Query) (stock.Snapshot, error) {
	return ts.load(ctx, q)
}

func (ts *txStore) Last(ctx context.Context, productID stock.ProductID) (stock.Transaction, bool, error) {
	return ts.last(ctx, productID)
}

func (ts *txStore) MarkStale(ctx context.Context, productID stock.ProductID, from stock.Cursor) error {
	return ts.markStale(ctx, productID, from)
}

func (ts *txStore) SaveBalances(ctx context.Context, productID stock.ProductID, updates []stock.BalanceUpdate) error {
	return ts.saveBalances(ctx, productID, updates)
}

func (ts *txStore) ProductIDs(ctx context.Context) ([]stock.ProductID, error) {
	return ts.productIDs(ctx)
}

func (ts *txStore) FindByIdempotencyKey(ctx context.Context, key string) (stock.Transaction, bool, error) {
	return ts.findByIdempotencyKey(ctx, key)
}

// =============================================================================
// PRODUCT REGISTRY (stock.Catalog, stock.ProductLister)
// =============================================================================

// SaveProduct creates or updates a product.
func (s *Store) SaveProduct(ctx context.Context, p stock.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO products (id, name, unit, default_unit_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			unit = excluded.unit,
			default_unit_price = excluded.default_unit_price,
			updated_at = excluded.updated_at
	`

	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Unit, p.DefaultUnitPrice, now, now)
	if err != nil {
		return fmt.Errorf("failed to save product %s: %w", p.ID, err)
	}
	return nil
}

// Product retrieves a product by ID.
func (s *Store) Product(ctx context.Context, id stock.ProductID) (stock.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p stock.Product
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, unit, default_unit_price FROM products WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Unit, &p.DefaultUnitPrice)

	if errors.Is(err, sql.ErrNoRows) {
		return stock.Product{}, &stock.NotFoundError{Kind: "product", ID: string(id)}
	}
	if err != nil {
		return stock.Product{}, fmt.Errorf("failed to load product %s: %w", id, err)
	}
	return p, nil
}

// Products returns all products ordered by ID.
func (s *Store) Products(ctx context.Context) ([]stock.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, unit, default_unit_price FROM products ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := make([]stock.Product, 0)
	for rows.Next() {
		var p stock.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Unit, &p.DefaultUnitPrice); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// =============================================================================
// AUDIT RUNS (stock.AuditStore)
// =============================================================================

func (s *Store) SaveAuditRun(ctx context.Context, run stock.AuditRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := json.Marshal(run.Discrepancies)
	if err != nil {
		return fmt.Errorf("failed to encode discrepancies: %w", err)
	}

	query := `
		INSERT INTO audit_runs (id, status, products_checked, discrepancies_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			products_checked = excluded.products_checked,
			discrepancies_json = excluded.discrepancies_json,
			error = excluded.error,
			completed_at = excluded.completed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Status, run.ProductsChecked, string(found), run.Error,
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
	)
	return err
}

// ListAuditRuns returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) ListAuditRuns(ctx context.Context, limit int) ([]stock.AuditRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, status, products_checked, discrepancies_json, error, started_at, completed_at
		FROM audit_runs
		ORDER BY started_at DESC
	`
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]stock.AuditRun, 0)
	for rows.Next() {
		var (
			r                      stock.AuditRun
			found                  string
			startedAt, completedAt string
		)
		if err := rows.Scan(&r.ID, &r.Status, &r.ProductsChecked, &found, &r.Error, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(found), &r.Discrepancies); err != nil {
			return nil, fmt.Errorf("audit run %s: bad discrepancies: %w", r.ID, err)
		}
		r.StartedAt, _ = parseTime(startedAt)
		r.CompletedAt, _ = parseTime(completedAt)
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset deletes every transaction, product and audit run. Epochs are bumped
// rather than deleted so checkpoints cached for the old rows never match.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	statements := []string{
		"UPDATE product_epochs SET epoch = epoch + 1",
		`INSERT INTO product_epochs (product_id, epoch)
			SELECT DISTINCT product_id, 1 FROM transactions WHERE true
			ON CONFLICT(product_id) DO NOTHING`,
		"DELETE FROM transactions",
		"DELETE FROM products",
		"DELETE FROM audit_runs",
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to reset database: %w", err)
		}
	}
	return nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func notFound(id stock.TransactionID) error {
	return &stock.NotFoundError{Kind: "transaction", ID: strconv.FormatInt(int64(id), 10)}
}

func requireAffected(res sql.Result, id stock.TransactionID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
