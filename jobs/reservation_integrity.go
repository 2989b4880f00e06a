package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

// IntegrityChecker reports reservation drift.
type IntegrityChecker interface {
	CheckReservationIntegrity(ctx context.Context) ([]stock.Drift, error)
}

// ReservationIntegrityJob warns about entries whose reserved counter drifted from open reservations.
type ReservationIntegrityJob struct {
	Checker IntegrityChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReservationIntegrityJob initialises the integrity handler.
func NewReservationIntegrityJob(checker IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReservationIntegrityJob {
	return &ReservationIntegrityJob{Checker: checker, Logger: logger, Metrics: metrics}
}

// Handle executes one integrity check.
func (j *ReservationIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Checker == nil {
		return errors.New("reservation integrity: handler not configured")
	}
	tracker := j.Metrics.Track(TaskReservationIntegrity)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskReservationIntegrity))

	drifts, err := j.Checker.CheckReservationIntegrity(ctx)
	if err != nil {
		logger.Error("reservation integrity check failed", slog.Any("error", err))
		return err
	}
	for _, d := range drifts {
		logger.Warn("reservation drift detected",
			slog.Int64("entry_id", d.EntryID),
			slog.Int64("product_id", d.ProductID),
			slog.Int64("warehouse_id", d.WarehouseID),
			slog.Int64("reserved", d.Reserved),
			slog.Int64("open_reservations", d.OpenReservation),
		)
		j.Metrics.AddDrift(d.WarehouseID, 1)
	}
	logger.Info("completed reservation integrity check", slog.Int("drifted_entries", len(drifts)))
	return nil
}
