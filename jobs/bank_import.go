package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/baltic-freight/tms/internal/bankimport"
	jobmetrics "github.com/baltic-freight/tms/internal/jobs"
	"github.com/baltic-freight/tms/internal/shared"
)

// Importer reconciles a bank statement.
type Importer interface {
	Import(ctx context.Context, data []byte, opts bankimport.ImportOptions) (bankimport.Report, error)
}

// BankImportJob imports statements queued by the HTTP upload or the CLI.
type BankImportJob struct {
	Importer Importer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewBankImportJob initialises the import handler.
func NewBankImportJob(importer Importer, logger *slog.Logger, metrics *jobmetrics.Metrics) *BankImportJob {
	return &BankImportJob{Importer: importer, Logger: logger, Metrics: metrics}
}

// Handle executes one import. Re-imports and malformed files are not retried;
// a statement locked by another process is.
func (j *BankImportJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Importer == nil {
		return errors.New("bank import: handler not configured")
	}
	var payload BankImportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskBankImport)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := loggerOrDefault(j.Logger).With(slog.String("batch_id", payload.BatchID))
	report, err := j.Importer.Import(ctx, payload.Data, bankimport.ImportOptions{Force: payload.Force})
	switch {
	case errors.Is(err, bankimport.ErrStatementAlreadyImported):
		logger.Info("bank statement already imported")
		return nil
	case errors.Is(err, bankimport.ErrImportInProgress):
		return err
	case err != nil && isPermanent(err):
		logger.Warn("bank statement rejected", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	case err != nil:
		logger.Error("bank statement import failed", slog.Any("error", err))
		return err
	}
	logger.Info("bank statement job done",
		slog.Int("matched", report.Matched),
		slog.Int("unmatched", report.Unmatched),
		slog.Int("failed", report.Failed))
	return nil
}

func isPermanent(err error) bool {
	return errors.Is(err, shared.ErrValidation)
}
