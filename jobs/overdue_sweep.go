package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/baltic-freight/tms/internal/jobs"
	"github.com/baltic-freight/tms/internal/overdue"
)

// Sweeper promotes overdue invoices.
type Sweeper interface {
	Sweep(ctx context.Context, today time.Time) (overdue.Result, error)
}

// OverdueSweepJob runs the daily overdue projection.
type OverdueSweepJob struct {
	Sweeper Sweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewOverdueSweepJob initialises the sweep handler.
func NewOverdueSweepJob(sweeper Sweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueSweepJob {
	return &OverdueSweepJob{
		Sweeper: sweeper,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep.
func (j *OverdueSweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("overdue sweep: handler not configured")
	}
	var payload OverdueSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	today := payload.Today
	if today.IsZero() {
		today = j.clock()
	}

	tracker := j.Metrics.Track(TaskOverdueSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	res, err := j.Sweeper.Sweep(ctx, today)
	if err != nil {
		loggerOrDefault(j.Logger).Error("overdue sweep failed",
			slog.Int("sales_updated", res.SalesUpdated),
			slog.Int("purchase_updated", res.PurchaseUpdated),
			slog.Any("error", err))
		return err
	}
	return nil
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
