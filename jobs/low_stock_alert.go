package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

// EntryReader loads the current state of an entry.
type EntryReader interface {
	GetByID(ctx context.Context, id int64) (stock.Entry, error)
}

// LowStockAlertJob handles alerts enqueued by the ledger.
type LowStockAlertJob struct {
	Entries EntryReader
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLowStockAlertJob initialises the alert handler.
func NewLowStockAlertJob(entries EntryReader, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockAlertJob {
	return &LowStockAlertJob{Entries: entries, Logger: logger, Metrics: metrics}
}

// Handle logs the alert unless the entry has been replenished or removed since.
func (j *LowStockAlertJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil {
		return errors.New("low stock alert: handler not configured")
	}
	var alert stock.LowStockAlert
	if err := json.Unmarshal(t.Payload(), &alert); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskLowStockAlert)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("job", TaskLowStockAlert),
		slog.Int64("product_id", alert.ProductID),
		slog.Int64("warehouse_id", alert.WarehouseID),
	)

	available := alert.Available
	if j.Entries != nil {
		entry, err := j.Entries.GetByID(ctx, alert.EntryID)
		switch {
		case errors.Is(err, stock.ErrNotFound):
			logger.Info("low stock alert dropped, entry removed", slog.Int64("entry_id", alert.EntryID))
			return nil
		case err != nil:
			return err
		}
		available = entry.Available()
		if available >= alert.Threshold {
			logger.Info("low stock alert dropped, entry replenished", slog.Int64("available", available))
			return nil
		}
	}

	logger.Warn("low stock",
		slog.Int64("available", available),
		slog.Int64("threshold", alert.Threshold),
		slog.Time("detected_at", alert.At),
	)
	j.Metrics.AddLowStockAlert(alert.WarehouseID)
	return nil
}
