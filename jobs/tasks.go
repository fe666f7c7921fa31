package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/warp/stock-ledger/stock"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditVerify replays every product and records an audit run.
	TaskAuditVerify = "stock:audit"
	// TaskProductRepair rebuilds one product's cached running balances.
	TaskProductRepair = "stock:repair"
)

// AuditPayload carries scheduling metadata.
type AuditPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewAuditTask constructs an Asynq task for a full consistency audit.
func NewAuditTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(AuditPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditVerify, body, asynq.Queue(QueueDefault)), nil
}

// RepairPayload names the product to rebalance.
type RepairPayload struct {
	ProductID stock.ProductID `json:"product_id"`
}

// NewRepairTask constructs an Asynq task that repairs one product.
func NewRepairTask(productID stock.ProductID) (*asynq.Task, error) {
	body, err := json.Marshal(RepairPayload{ProductID: productID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProductRepair, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}
