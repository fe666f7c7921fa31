package stock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE - Facade over the ledger components
// =============================================================================

// Config holds the business rules of one engine instance.
type Config struct {
	Calendar           Calendar // default: April-start UTC
	AllowNegativeStock bool
	RequireReference   map[EntryType]bool // nil: in and out
	LockTimeout        time.Duration      // default: DefaultLockTimeout
	SummaryConcurrency int                // default: DefaultSummaryConcurrency
	Now                func() time.Time
}

// Dependencies are the collaborators an engine is wired to. Only Store is
// required.
type Dependencies struct {
	Store       TxStore
	Catalog     Catalog
	Locker      Locker
	Checkpoints CheckpointCache
	AuditLog    AuditStore
}

// Engine exposes record, ledger, summary and verify, plus the edit,
// delete, repair and valuation operations built on the same components.
type Engine struct {
	calendar      Calendar
	recorder      *Ledger
	reconstructor *Reconstructor
	summarizer    *Summarizer
	valuer        *Valuer
	checker       *Checker
}

func NewEngine(deps Dependencies, cfg Config) *Engine {
	cal := cfg.Calendar
	if cal == nil {
		cal = DefaultCalendar()
	}
	locker := deps.Locker
	if locker == nil {
		timeout := cfg.LockTimeout
		if timeout <= 0 {
			timeout = DefaultLockTimeout
		}
		locker = NewLocalLocker(timeout)
	}

	recorder := NewLedger(deps.Store, LedgerOptions{
		Catalog:            deps.Catalog,
		Locker:             locker,
		Checkpoints:        deps.Checkpoints,
		Calendar:           cal,
		AllowNegativeStock: cfg.AllowNegativeStock,
		RequireReference:   cfg.RequireReference,
		Now:                cfg.Now,
	})
	reconstructor := &Reconstructor{Store: deps.Store, Catalog: deps.Catalog, Checkpoints: deps.Checkpoints}

	return &Engine{
		calendar:      cal,
		recorder:      recorder,
		reconstructor: reconstructor,
		summarizer: &Summarizer{
			Reconstructor: reconstructor,
			Calendar:      cal,
			Refresher:     recorder,
			Concurrency:   cfg.SummaryConcurrency,
		},
		valuer: &Valuer{Store: deps.Store, Catalog: deps.Catalog},
		checker: &Checker{
			Store:       deps.Store,
			Catalog:     deps.Catalog,
			Repairer:    recorder,
			AuditLog:    deps.AuditLog,
			Concurrency: cfg.SummaryConcurrency,
			Now:         cfg.Now,
		},
	}
}

func (e *Engine) Calendar() Calendar { return e.calendar }

func (e *Engine) Record(ctx context.Context, req RecordRequest) (Transaction, error) {
	return e.recorder.Record(ctx, req)
}

func (e *Engine) Edit(ctx context.Context, id TransactionID, req EditRequest) (Transaction, error) {
	return e.recorder.Edit(ctx, id, req)
}

func (e *Engine) Delete(ctx context.Context, id TransactionID) error {
	return e.recorder.Delete(ctx, id)
}

// Ledger returns ordered rows with running balance and financial year.
func (e *Engine) Ledger(ctx context.Context, q LedgerQuery) ([]LedgerEntry, error) {
	return e.recorder.Entries(ctx, q)
}

func (e *Engine) Summary(ctx context.Context, req SummaryRequest) (Report, error) {
	return e.summarizer.Summarize(ctx, req)
}

func (e *Engine) Verify(ctx context.Context, productID ProductID) ([]Discrepancy, error) {
	return e.checker.Verify(ctx, productID)
}

func (e *Engine) VerifyAll(ctx context.Context) (AuditRun, error) {
	return e.checker.VerifyAll(ctx)
}

func (e *Engine) Repair(ctx context.Context, productID ProductID) (int, error) {
	return e.checker.Repair(ctx, productID)
}

func (e *Engine) Reconstruct(ctx context.Context, productID ProductID, asOf *time.Time, policy Policy) (Position, error) {
	if cat := e.reconstructor.Catalog; cat != nil {
		if _, err := cat.Product(ctx, productID); err != nil {
			return Position{}, err
		}
	}
	return e.reconstructor.Reconstruct(ctx, productID, asOf, policy)
}

func (e *Engine) ValueOf(ctx context.Context, id TransactionID, policy Policy) (decimal.Decimal, error) {
	return e.valuer.ValueOf(ctx, id, policy)
}
