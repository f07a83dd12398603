package bankimport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/baltic-freight/tms/internal/invoices"
	"github.com/baltic-freight/tms/internal/payments"
	"github.com/baltic-freight/tms/internal/platform/cache"
	"github.com/baltic-freight/tms/internal/shared"
)

// Notes prefix written on every payment emitted by an import.
const autoMatchNotes = "Automatiškai suderinta su banko išrašu. Suma: %s"

// LockTTL bounds how long a crashed importer can hold a statement.
const LockTTL = 10 * time.Minute

var (
	// ErrImportInProgress is returned while another process imports the same statement.
	ErrImportInProgress = fmt.Errorf("statement import in progress: %w", shared.ErrConflict)
	// ErrStatementAlreadyImported is returned for a re-upload without Force.
	ErrStatementAlreadyImported = fmt.Errorf("statement already imported: %w", shared.ErrConflict)
)

// OpenInvoiceSource lists invoices still expecting money.
type OpenInvoiceSource interface {
	ListOpen(ctx context.Context, side invoices.Side) ([]invoices.Invoice, error)
}

// PaymentMarker settles an invoice in full.
type PaymentMarker interface {
	MarkPaid(ctx context.Context, in payments.MarkPaidInput) (payments.Result, error)
}

// RowObserver receives one outcome per statement row.
type RowObserver interface {
	ObserveBankRow(outcome string)
}

// Row outcomes.
const (
	OutcomeMatched   = "matched"
	OutcomeUnmatched = "unmatched"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// ImportOptions controls a single import.
type ImportOptions struct {
	// Force re-runs a statement that was already imported.
	Force bool
}

// RowResult is the per-transaction outcome of an import.
type RowResult struct {
	Transaction Transaction            `json:"transaction"`
	Matched     bool                   `json:"matched"`
	Confidence  float64                `json:"confidence"`
	Pass        string                 `json:"pass,omitempty"`
	InvoiceRef  string                 `json:"invoice_ref,omitempty"`
	Number      string                 `json:"invoice_number,omitempty"`
	Status      invoices.PaymentStatus `json:"payment_status,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Report aggregates an import.
type Report struct {
	BatchID   string      `json:"batch_id"`
	Total     int         `json:"total"`
	Matched   int         `json:"matched_count"`
	Unmatched int         `json:"unmatched_count"`
	Failed    int         `json:"failed_count"`
	Results   []RowResult `json:"results"`
	Skipped   []RowError  `json:"skipped,omitempty"`
}

// Service imports bank statements.
type Service struct {
	source      OpenInvoiceSource
	marker      PaymentMarker
	idempotency shared.IdempotencyChecker
	redis       *redis.Client
	extractor   *Extractor
	reconciler  Reconciler
	observer    RowObserver
	logger      *slog.Logger
}

// Config wires optional collaborators and matching settings.
type Config struct {
	Patterns              []string
	AmountOnlySuggestions bool
	Idempotency           shared.IdempotencyChecker
	Redis                 *redis.Client
	Observer              RowObserver
}

// NewService constructs the importer.
func NewService(source OpenInvoiceSource, marker PaymentMarker, cfg Config, logger *slog.Logger) (*Service, error) {
	extractor, err := NewExtractor(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		source:      source,
		marker:      marker,
		idempotency: cfg.Idempotency,
		redis:       cfg.Redis,
		extractor:   extractor,
		reconciler:  Reconciler{AmountOnlySuggestions: cfg.AmountOnlySuggestions},
		observer:    cfg.Observer,
		logger:      logger,
	}, nil
}

// BatchID derives the deterministic id of a statement from its content.
func BatchID(data []byte) string {
	sum := blake2b.Sum256(data)
	return uuid.NewSHA1(uuid.Nil, []byte("STATEMENT:"+hex.EncodeToString(sum[:]))).String()
}

// Import parses data, matches every row against one snapshot of open
// invoices and settles the matched ones. A failed settlement is reported on
// its row and does not stop the batch.
func (s *Service) Import(ctx context.Context, data []byte, opts ImportOptions) (report Report, err error) {
	txns, skipped, err := parseBytes(data)
	if err != nil {
		return Report{}, err
	}
	s.extractor.Annotate(txns)

	batchID := BatchID(data)
	report = Report{BatchID: batchID, Skipped: skipped}
	logger := s.logger.With(slog.String("batch_id", batchID))

	if s.redis != nil {
		lock, err := cache.Acquire(ctx, s.redis, shared.StatementLockKey(batchID), batchID, LockTTL)
		if err != nil {
			if errors.Is(err, cache.ErrLockHeld) {
				return Report{}, ErrImportInProgress
			}
			return Report{}, err
		}
		defer func() {
			if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
				logger.Warn("release statement lock", slog.Any("error", relErr))
			}
		}()
	}

	if s.idempotency != nil {
		if opts.Force {
			if err := s.idempotency.Delete(ctx, batchID); err != nil {
				return Report{}, err
			}
		}
		if err := s.idempotency.CheckAndInsert(ctx, batchID, shared.IdempotencyModuleBankImport); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Report{}, ErrStatementAlreadyImported
			}
			return Report{}, err
		}
		defer func() {
			if err == nil {
				return
			}
			if delErr := s.idempotency.Delete(context.WithoutCancel(ctx), batchID); delErr != nil {
				logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}()
	}

	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return Report{}, err
	}

	for range skipped {
		s.observe(OutcomeSkipped)
	}
	report.Results = make([]RowResult, 0, len(txns))
	for _, txn := range txns {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		row := s.settle(ctx, logger, txn, snap)
		report.Results = append(report.Results, row)
		report.Total++
		switch {
		case row.Error != "":
			report.Failed++
			s.observe(OutcomeFailed)
		case row.Matched:
			report.Matched++
			s.observe(OutcomeMatched)
		default:
			report.Unmatched++
			s.observe(OutcomeUnmatched)
		}
	}
	logger.Info("bank statement imported",
		slog.Int("total", report.Total),
		slog.Int("matched", report.Matched),
		slog.Int("unmatched", report.Unmatched),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", len(report.Skipped)))
	return report, nil
}

func (s *Service) settle(ctx context.Context, logger *slog.Logger, txn Transaction, snap *Snapshot) RowResult {
	row := RowResult{Transaction: txn}
	candidate := s.reconciler.Match(txn, snap)
	if candidate.Invoice == nil {
		return row
	}
	inv := *candidate.Invoice
	row.Confidence = candidate.Confidence
	row.Pass = candidate.Pass
	row.InvoiceRef = inv.Ref.String()
	row.Number = inv.DisplayNumber()
	if !candidate.Matched() {
		return row
	}

	date := txn.Date
	res, err := s.marker.MarkPaid(shared.ContextWithActor(ctx, 0), payments.MarkPaidInput{
		Ref:    inv.Ref,
		Date:   &date,
		Method: payments.MethodBankTransfer,
		Notes:  fmt.Sprintf(autoMatchNotes, txn.Amount.StringFixed(2)),
	})
	if err != nil {
		logger.Warn("bank row settlement failed",
			slog.Int("row", txn.Row),
			slog.String("invoice", row.InvoiceRef),
			slog.Any("error", err))
		row.Error = err.Error()
		return row
	}
	row.Matched = true
	row.Status = res.Invoice.Status
	snap.Remove(inv.Ref)
	return row
}

func (s *Service) loadSnapshot(ctx context.Context) (*Snapshot, error) {
	var sales, purchase []invoices.Invoice
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sales, err = s.source.ListOpen(ctx, invoices.SideSales)
		return err
	})
	g.Go(func() error {
		var err error
		purchase, err = s.source.ListOpen(ctx, invoices.SidePurchase)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load open invoices: %w", err)
	}
	return NewSnapshot(sales, purchase), nil
}

func (s *Service) observe(outcome string) {
	if s.observer != nil {
		s.observer.ObserveBankRow(outcome)
	}
}
