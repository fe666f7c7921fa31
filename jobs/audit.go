package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/warp/stock-ledger/stock"
)

// Auditor runs a full consistency audit. *stock.Engine implements it.
type Auditor interface {
	VerifyAll(ctx context.Context) (stock.AuditRun, error)
}

// Repairer rebuilds one product's cached balances. *stock.Engine implements it.
type Repairer interface {
	Repair(ctx context.Context, productID stock.ProductID) (int, error)
}

// AuditJob verifies every product's stored balances against a replay.
type AuditJob struct {
	Auditor Auditor
	Logger  *slog.Logger
	// OnRun observes every finished run, e.g. to export metrics.
	OnRun func(stock.AuditRun)
}

// NewAuditJob initialises the audit handler.
func NewAuditJob(auditor Auditor, logger *slog.Logger) *AuditJob {
	return &AuditJob{Auditor: auditor, Logger: logger}
}

// Handle executes one audit. Discrepancies are logged and recorded, not
// treated as task failures, so the task is not retried for them.
func (j *AuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Auditor == nil {
		return errors.New("audit: handler not configured")
	}
	var payload AuditPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := time.Now()
	logger := j.logger().With(slog.Time("scheduled_for", payload.ScheduledFor))
	logger.Info("starting stock audit")

	run, err := j.Auditor.VerifyAll(ctx)
	if j.OnRun != nil {
		j.OnRun(run)
	}
	if err != nil {
		logger.Error("stock audit failed", slog.String("run_id", run.ID), slog.Any("error", err))
		return err
	}

	for _, d := range run.Discrepancies {
		logger.Warn("running balance discrepancy",
			slog.String("product_id", string(d.ProductID)),
			slog.Int64("transaction_id", int64(d.TransactionID)),
			slog.String("stored", d.Stored.String()),
			slog.String("recomputed", d.Recomputed.String()),
			slog.Bool("stale", d.Stale),
		)
	}
	logger.Info("completed stock audit",
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
		slog.Int("products", run.ProductsChecked),
		slog.Int("discrepancies", len(run.Discrepancies)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *AuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// RepairJob rebalances a single product on request.
type RepairJob struct {
	Repairer Repairer
	Logger   *slog.Logger
}

func NewRepairJob(repairer Repairer, logger *slog.Logger) *RepairJob {
	return &RepairJob{Repairer: repairer, Logger: logger}
}

// Handle rebalances the product named in the payload. Unknown products and
// malformed payloads are not retried.
func (j *RepairJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repairer == nil {
		return errors.New("repair: handler not configured")
	}
	var payload RepairPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.ProductID == "" {
		return asynq.SkipRetry
	}

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("product_id", string(payload.ProductID)))

	n, err := j.Repairer.Repair(ctx, payload.ProductID)
	switch {
	case stock.IsNotFound(err):
		logger.Warn("repair skipped, unknown product")
		return fmt.Errorf("repair %s: %v: %w", payload.ProductID, err, asynq.SkipRetry)
	case err != nil:
		logger.Error("repair failed", slog.Any("error", err))
		return err
	}
	logger.Info("repaired running balances", slog.Int("rows", n))
	return nil
}
