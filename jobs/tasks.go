package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/stock"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLowStockScan lists every entry below the low-stock threshold.
	TaskLowStockScan = "stock:low_stock_scan"
	// TaskReservationIntegrity compares reserved counters with open reservations.
	TaskReservationIntegrity = "stock:reservation_integrity"
	// TaskLowStockAlert carries one entry that dropped below the threshold.
	TaskLowStockAlert = "stock:low_stock_alert"
)

// ScanPayload carries scheduling metadata for the periodic scans.
type ScanPayload struct {
	RequestedAt time.Time `json:"requested_at"`
	PageSize    int       `json:"page_size,omitempty"`
}

// NewLowStockScanTask constructs the periodic low-stock scan task.
func NewLowStockScanTask(pageSize int) (*asynq.Task, error) {
	body, err := json.Marshal(ScanPayload{RequestedAt: time.Now().UTC(), PageSize: pageSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockScan, body, asynq.Queue(QueueDefault)), nil
}

// NewReservationIntegrityTask constructs the reservation drift check task.
func NewReservationIntegrityTask() (*asynq.Task, error) {
	body, err := json.Marshal(ScanPayload{RequestedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReservationIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// NewLowStockAlertTask wraps a ledger alert.
func NewLowStockAlertTask(alert stock.LowStockAlert) (*asynq.Task, error) {
	body, err := json.Marshal(alert)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockAlert, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}
