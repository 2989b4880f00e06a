package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

// LowStockLister pages through entries below the threshold.
type LowStockLister interface {
	ListLowStock(ctx context.Context, page, perPage int) ([]stock.Entry, shared.Pagination, error)
	Threshold() int64
}

// LowStockScanJob logs every entry that needs replenishment and publishes the count.
type LowStockScanJob struct {
	Service LowStockLister
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLowStockScanJob initialises the scan handler.
func NewLowStockScanJob(service LowStockLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockScanJob {
	return &LowStockScanJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one scan.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload ScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.PageSize <= 0 {
		payload.PageSize = shared.MaxPerPage
	}

	tracker := j.Metrics.Track(TaskLowStockScan)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	logger := j.logger().With(slog.String("job", TaskLowStockScan), slog.Int64("threshold", j.Service.Threshold()))
	found := 0
	for page := 1; ; page++ {
		entries, pagination, err := j.Service.ListLowStock(ctx, page, payload.PageSize)
		if err != nil {
			logger.Error("low stock scan failed", slog.Int("page", page), slog.Any("error", err))
			return err
		}
		for _, e := range entries {
			logger.Warn("stock entry below threshold",
				slog.Int64("entry_id", e.ID),
				slog.Int64("product_id", e.ProductID),
				slog.Int64("warehouse_id", e.WarehouseID),
				slog.Int64("available", e.Available()),
			)
		}
		found += len(entries)
		if page >= pagination.TotalPages || len(entries) == 0 {
			break
		}
	}
	j.Metrics.SetLowStockEntries(found)
	logger.Info("completed low stock scan", slog.Int("entries", found), slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *LowStockScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
