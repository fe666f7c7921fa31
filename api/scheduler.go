/*
scheduler.go - Automated consistency audit scheduler

PURPOSE:
  Periodically verifies every product's stored running balances against a
  full replay and records the outcome as an audit run.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick calls Auditor.VerifyAll, which persists the run itself
  - Discrepancies are reported, never repaired automatically
  - Overlapping ticks are impossible: one goroutine, one run at a time

CONFIGURATION:
  - CheckInterval: How often to audit (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(engine, logger, metrics)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAudit endpoint (manual audit)
  - jobs/: the same audit as a queued task for multi-instance setups
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/stock-ledger/stock"
)

// Auditor runs a full consistency audit. *stock.Engine implements it.
type Auditor interface {
	VerifyAll(ctx context.Context) (stock.AuditRun, error)
}

// AuditScheduler handles automated consistency audits.
type AuditScheduler struct {
	Auditor       Auditor
	Logger        *slog.Logger
	Metrics       *Metrics
	CheckInterval time.Duration
	Timeout       time.Duration // per run; 0 means no bound
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.Mutex
	last   stock.AuditRun
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(auditor Auditor, logger *slog.Logger, metrics *Metrics) *AuditScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditScheduler{
		Auditor:       auditor,
		Logger:        logger.With(slog.String("component", "audit_scheduler")),
		Metrics:       metrics,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("started", slog.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight run.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("stopped")
	}
}

func (s *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.audit(ctx)

	for {
		select {
		case <-ticker.C:
			s.audit(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate audit (for testing/admin).
func (s *AuditScheduler) RunNow(ctx context.Context) (stock.AuditRun, error) {
	return s.audit(ctx)
}

// LastRun returns the outcome of the most recent scheduled or manual run.
func (s *AuditScheduler) LastRun() stock.AuditRun {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

// GetNextRunTime returns when the next scheduled check will occur.
func (s *AuditScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}

func (s *AuditScheduler) audit(ctx context.Context) (stock.AuditRun, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	run, err := s.Auditor.VerifyAll(ctx)
	s.Metrics.ObserveAudit(run)

	s.lastMu.Lock()
	s.last = run
	s.lastMu.Unlock()

	switch {
	case err != nil:
		s.Logger.Error("audit failed", slog.String("run_id", run.ID), slog.Any("error", err))
	case len(run.Discrepancies) > 0:
		s.Logger.Warn("audit found discrepancies",
			slog.String("run_id", run.ID),
			slog.Int("products", run.ProductsChecked),
			slog.Int("discrepancies", len(run.Discrepancies)))
	default:
		s.Logger.Info("audit clean", slog.String("run_id", run.ID), slog.Int("products", run.ProductsChecked))
	}
	return run, err
}
