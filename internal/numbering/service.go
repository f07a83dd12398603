package numbering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/baltic-freight/tms/internal/shared"
)

// MaxAttempts bounds collision retries per allocation.
const MaxAttempts = 10

// gapScanTimeout bounds a shared gap scan once detached from its callers.
const gapScanTimeout = 30 * time.Second

// ErrNumberingExhausted is returned when no free serial was found within MaxAttempts.
var ErrNumberingExhausted = fmt.Errorf("numbering: %w", shared.ErrNumberingExhausted)

// Formats carries the configured format per kind.
type Formats struct {
	SalesInvoice Format
	// OrderPrefix overrides the calendar-year prefix when set.
	OrderPrefix         string
	OrderWidth          int
	ExpeditionCarrier   Format
	ExpeditionWarehouse Format
	ExpeditionCost      Format
	MaxGaps             int
}

// Service allocates and audits serial numbers.
type Service struct {
	repo    Repository
	formats Formats
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	reports singleflight.Group
}

// NewService constructs the numbering service.
func NewService(repo Repository, formats Formats, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		formats: formats,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// AllocateSalesInvoiceNumber allocates with the configured sales format.
func (s *Service) AllocateSalesInvoiceNumber(ctx context.Context) (string, error) {
	return s.Allocate(ctx, KindSalesInvoice, s.formats.SalesInvoice)
}

// AllocatePurchaseInvoiceNumber draws from the shared invoice sequence.
func (s *Service) AllocatePurchaseInvoiceNumber(ctx context.Context) (string, error) {
	return s.Allocate(ctx, KindPurchaseInvoice, s.formats.SalesInvoice)
}

// AllocateOrderNumber allocates "{prefix}-{n}", prefix defaulting to the year.
func (s *Service) AllocateOrderNumber(ctx context.Context) (string, error) {
	return s.Allocate(ctx, KindOrder, s.FormatFor(KindOrder))
}

// AllocateExpeditionNumber allocates a carrier, warehouse or cost number.
func (s *Service) AllocateExpeditionNumber(ctx context.Context, kind ExpeditionKind) (string, error) {
	k, err := kind.Kind()
	if err != nil {
		return "", err
	}
	return s.Allocate(ctx, k, s.FormatFor(k))
}

// FormatFor returns the configured format of kind.
func (s *Service) FormatFor(kind Kind) Format {
	switch kind {
	case KindSalesInvoice, KindPurchaseInvoice:
		return s.formats.SalesInvoice
	case KindOrder:
		prefix := s.formats.OrderPrefix
		if prefix == "" {
			prefix = strconv.Itoa(s.now().Year())
		}
		return Format{Prefix: prefix, Separator: "-", Width: s.formats.OrderWidth}
	case KindExpeditionCarrier:
		return s.formats.ExpeditionCarrier
	case KindExpeditionWarehouse:
		return s.formats.ExpeditionWarehouse
	case KindExpeditionCost:
		return s.formats.ExpeditionCost
	}
	return Format{}
}

// Allocate returns the next serial of kind that is absent from every live
// record of that kind. Each attempt runs in its own transaction holding the
// sequence row lock; a collision commits the advanced counter and retries.
func (s *Service) Allocate(ctx context.Context, kind Kind, f Format) (string, error) {
	if !kind.Valid() {
		return "", shared.Invalid("kind", "unknown numbering kind")
	}
	if err := f.Validate(); err != nil {
		return "", err
	}
	key := s.sequenceKey(kind)

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		number, err := s.allocateOnce(ctx, key, kind, f)
		if err == nil {
			return number, nil
		}
		if !errors.Is(err, shared.ErrIntegrity) {
			return "", err
		}
		s.logger.Warn("numbering collision, retrying",
			slog.String("kind", string(kind)), slog.String("number", number), slog.Int("attempt", attempt))
		if kind == KindOrder && attempt < MaxAttempts {
			if err := s.sleep(ctx, time.Duration(attempt)*10*time.Millisecond); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("%s after %d attempts: %w", kind, MaxAttempts, ErrNumberingExhausted)
}

func (s *Service) allocateOnce(ctx context.Context, key SequenceKey, kind Kind, f Format) (string, error) {
	var number string
	var collided bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		last, err := tx.LockSequence(ctx, key)
		if err != nil {
			return err
		}
		existing, err := tx.ExistingNumbers(ctx, kind, f.Prefix)
		if err != nil {
			return err
		}
		next := last
		if tok, ok := MaxToken(existing, f.Prefix); ok && tok.N > next {
			next = tok.N
		}
		next++
		if err := tx.SetSequence(ctx, key, next); err != nil {
			return err
		}
		number = f.Render(next)
		collided, err = tx.NumberExists(ctx, kind, number)
		return err
	})
	if err != nil {
		return "", err
	}
	if collided {
		return number, fmt.Errorf("%s %s already used: %w", kind, number, shared.ErrIntegrity)
	}
	return number, nil
}

// Gaps lists unused ranges between existing serials of kind and prefix.
func (s *Service) Gaps(ctx context.Context, kind Kind, f Format, maxGaps int) ([]Gap, error) {
	if !kind.Valid() {
		return nil, shared.Invalid("kind", "unknown numbering kind")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if maxGaps <= 0 {
		maxGaps = s.formats.MaxGaps
	}
	key := fmt.Sprintf("%s|%s|%d", kind, f.Prefix, maxGaps)
	// The shared scan outlives any single caller; each caller stops waiting
	// on its own context.
	ch := s.reports.DoChan(key, func() (any, error) {
		scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gapScanTimeout)
		defer cancel()
		existing, err := s.repo.ExistingNumbers(scanCtx, kind, f.Prefix)
		if err != nil {
			return nil, err
		}
		return FindGaps(existing, f.Prefix, maxGaps), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		gaps := res.Val.([]Gap)
		return append([]Gap(nil), gaps...), nil
	}
}

// FirstGap renders the lowest unused serial, or "" when numbering is dense.
func (s *Service) FirstGap(ctx context.Context, kind Kind, f Format) (string, error) {
	gaps, err := s.Gaps(ctx, kind, f, 1)
	if err != nil {
		return "", err
	}
	if len(gaps) == 0 {
		return "", nil
	}
	return f.Render(gaps[0].Start), nil
}

// ResyncResult reports the counter after a resync.
type ResyncResult struct {
	Kind       Kind   `json:"kind"`
	LastNumber int64  `json:"last_number"`
	Separator  string `json:"separator"`
	Next       string `json:"next"`
}

// Resync sets the counter to the highest suffix present in live records,
// which may move it backwards. The next number keeps the separator of the
// record holding that suffix.
func (s *Service) Resync(ctx context.Context, kind Kind, f Format) (ResyncResult, error) {
	if !kind.Valid() {
		return ResyncResult{}, shared.Invalid("kind", "unknown numbering kind")
	}
	if err := f.Validate(); err != nil {
		return ResyncResult{}, err
	}
	key := s.sequenceKey(kind)
	result := ResyncResult{Kind: kind, Separator: f.Separator}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		previous, err := tx.LockSequence(ctx, key)
		if err != nil {
			return err
		}
		existing, err := tx.ExistingNumbers(ctx, kind, f.Prefix)
		if err != nil {
			return err
		}
		if tok, ok := MaxToken(existing, f.Prefix); ok {
			result.LastNumber = tok.N
			result.Separator = tok.Separator
		}
		s.logger.Info("numbering resync",
			slog.String("kind", string(kind)), slog.Int64("previous", previous), slog.Int64("last_number", result.LastNumber))
		return tx.SetSequence(ctx, key, result.LastNumber)
	})
	if err != nil {
		return ResyncResult{}, err
	}
	next := f
	next.Separator = result.Separator
	result.Next = next.Render(result.LastNumber + 1)
	return result, nil
}

func (s *Service) sequenceKey(kind Kind) SequenceKey {
	key := SequenceKey{Kind: kind.sequenceKind()}
	if kind.YearKeyed() {
		key.Year = s.now().Year()
	}
	return key
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
