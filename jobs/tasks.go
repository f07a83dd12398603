package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverdueSweep promotes invoices past their due date.
	TaskOverdueSweep = "overdue:sweep"
	// TaskBankImport reconciles an uploaded bank statement.
	TaskBankImport = "bank:import"
	// TaskCarrierProject re-derives carrier payment state for orders of a partner.
	TaskCarrierProject = "carrier:project"
)

// OverdueSweepPayload carries the sweep date. A zero Today means the run date.
type OverdueSweepPayload struct {
	Today time.Time `json:"today,omitempty"`
}

// BankImportPayload carries a statement file.
type BankImportPayload struct {
	BatchID string `json:"batch_id"`
	Data    []byte `json:"data"`
	Force   bool   `json:"force,omitempty"`
}

// CarrierProjectPayload names the (order, partner) pairs to refresh.
type CarrierProjectPayload struct {
	OrderIDs  []int64 `json:"order_ids"`
	PartnerID int64   `json:"partner_id"`
}

// NewOverdueSweepTask constructs an overdue sweep task.
func NewOverdueSweepTask(today time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(OverdueSweepPayload{Today: today})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverdueSweep, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// NewBankImportTask constructs a bank import task. The statement batch id is
// used as task id so the same file cannot be queued twice at once.
func NewBankImportTask(payload BankImportPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(5), asynq.Timeout(10 * time.Minute)}
	if payload.BatchID != "" {
		opts = append(opts, asynq.TaskID(TaskBankImport+":"+payload.BatchID))
	}
	return asynq.NewTask(TaskBankImport, body, opts...), nil
}

// NewCarrierProjectTask constructs a carrier projection task.
func NewCarrierProjectTask(payload CarrierProjectPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCarrierProject, body,
		asynq.Queue(QueueDefault), asynq.MaxRetry(5), asynq.TaskID(uuid.NewString())), nil
}
