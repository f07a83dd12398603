package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/baltic-freight/tms/internal/carriers"
	jobmetrics "github.com/baltic-freight/tms/internal/jobs"
)

// Projector rolls purchase invoice settlement up to order carriers.
type Projector interface {
	ProjectAll(ctx context.Context, orderIDs []int64, partnerID int64) ([]carriers.Projection, error)
}

// CarrierProjectJob refreshes carrier payment state outside the request path.
type CarrierProjectJob struct {
	Projector Projector
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewCarrierProjectJob initialises the projection handler.
func NewCarrierProjectJob(projector Projector, logger *slog.Logger, metrics *jobmetrics.Metrics) *CarrierProjectJob {
	return &CarrierProjectJob{Projector: projector, Logger: logger, Metrics: metrics}
}

// Handle executes the projection.
func (j *CarrierProjectJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Projector == nil {
		return errors.New("carrier project: handler not configured")
	}
	var payload CarrierProjectPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.PartnerID <= 0 || len(payload.OrderIDs) == 0 {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskCarrierProject)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	projections, err := j.Projector.ProjectAll(ctx, payload.OrderIDs, payload.PartnerID)
	if err != nil {
		loggerOrDefault(j.Logger).Error("carrier projection failed",
			slog.Int64("partner_id", payload.PartnerID),
			slog.Int("projected", len(projections)),
			slog.Any("error", err))
		return err
	}
	return nil
}
